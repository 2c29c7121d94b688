package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	PutObjectCallBack func(ctx context.Context, params *s3.PutObjectInput, fns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, fns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return m.PutObjectCallBack(ctx, params, fns...)
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run1-db.sql.gz")
	require.NoError(t, os.WriteFile(path, []byte("testData"), 0o600))

	return path
}

func TestS3Uploader_Upload(t *testing.T) {
	path := writeArtifact(t)
	s3testClient := &mockS3Client{
		PutObjectCallBack: func(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			require.Equal(t, "testBucket", *params.Bucket)
			require.Equal(t, "testKey/run1-db.sql.gz", *params.Key)
			require.Equal(t, int64(8), *params.ContentLength)
			require.Equal(t, map[string]string{"xxh3": "0123456789abcdef"}, params.Metadata)
			body, err := io.ReadAll(params.Body)
			require.NoError(t, err)
			require.Equal(t, "testData", string(body))

			return &s3.PutObjectOutput{}, nil
		},
	}
	s3uploader := &S3Uploader{
		bucketName: "testBucket",
		key:        "testKey",
		client:     s3testClient,
	}
	err := s3uploader.Upload(context.Background(), path, "0123456789abcdef")
	require.NoError(t, err)
}

func TestS3Uploader_UploadError(t *testing.T) {
	path := writeArtifact(t)
	s3uploader := &S3Uploader{
		bucketName: "testBucket",
		client: &mockS3Client{
			PutObjectCallBack: func(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
				require.Equal(t, "run1-db.sql.gz", *params.Key)
				require.Nil(t, params.Metadata)

				return nil, errors.New("access denied")
			},
		},
	}
	err := s3uploader.Upload(context.Background(), path, "")
	require.ErrorContains(t, err, "access denied")

	err = s3uploader.Upload(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	require.Error(t, err)
}
