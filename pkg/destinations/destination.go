package destinations

import "fmt"

type DstType int32

const (
	None DstType = iota
	LocalDir
	S3File
)

func (s DstType) String() string {
	switch s {
	case None:
		return "none"
	case LocalDir:
		return "local"
	case S3File:
		return "s3"
	}

	return "unknown"
}

func Parse(s string) (DstType, error) {
	for _, t := range []DstType{None, LocalDir, S3File} {
		if t.String() == s {
			return t, nil
		}
	}
	if s == "" {
		return None, nil
	}

	return None, fmt.Errorf("unsupported destination type: %s", s)
}
