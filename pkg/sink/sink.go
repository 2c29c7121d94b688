// Package sink provides the compressed or plain byte streams that fragments
// and the final artifact are written through.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var ErrUnknownCodec = errors.New("unknown codec")

type Codec struct {
	Name string
	// Ext is appended to file names written with this codec.
	Ext       string
	newWriter func(w io.Writer) (io.WriteCloser, error)
	newReader func(r io.Reader) (io.ReadCloser, error)
}

var (
	None = Codec{
		Name: "none",
		Ext:  "",
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return nopWriteCloser{w}, nil
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(r), nil
		},
	}
	Gzip = Codec{
		Name: "gzip",
		Ext:  ".gz",
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(w, gzip.DefaultCompression)
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	}
	Zstd = Codec{
		Name: "zstd",
		Ext:  ".zst",
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}

			return dec.IOReadCloser(), nil
		},
	}
	Snappy = Codec{
		Name: "snappy",
		Ext:  ".sz",
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return snappy.NewBufferedWriter(w), nil
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(snappy.NewReader(r)), nil
		},
	}
)

// Codecs lists every codec. Codecs with an extension come first so suffix
// matching never picks None for a compressed file.
func Codecs() []Codec {
	return []Codec{Gzip, Zstd, Snappy, None}
}

func ByName(name string) (Codec, error) {
	for _, c := range Codecs() {
		if c.Name == name {
			return c, nil
		}
	}

	return Codec{}, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// SplitExt removes a known codec extension from a file name.
func SplitExt(name string) (string, Codec) {
	for _, c := range Codecs() {
		if c.Ext != "" && strings.HasSuffix(name, c.Ext) {
			return strings.TrimSuffix(name, c.Ext), c
		}
	}

	return name, None
}

func (c Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return c.newWriter(w)
}

func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return c.newReader(r)
}

// File is a codec stream over a file. Close flushes the codec and then closes
// the file, reporting the first error.
type File struct {
	f *os.File
	w io.WriteCloser
}

// Create truncates path and returns a writer encoding with codec.
func Create(path string, codec Codec) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	w, err := codec.NewWriter(f)
	if err != nil {
		_ = f.Close()

		return nil, err
	}

	return &File{f: f, w: w}, nil
}

// WrapWriter encodes into an already open writer owned by the caller.
func WrapWriter(w io.Writer, codec Codec) (io.WriteCloser, error) {
	return codec.NewWriter(w)
}

func (f *File) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *File) Close() error {
	err := f.w.Close()
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}

	return err
}

// Open returns a decoding reader for a file written with codec.
func Open(path string, codec Codec) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := codec.NewReader(f)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return &readCloser{Reader: r, closers: []io.Closer{r, f}}, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var err error
	for _, c := range r.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}

	return err
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}
