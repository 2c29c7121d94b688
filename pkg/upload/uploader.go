// Package upload ships a finished artifact to where it is kept.
package upload

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fallen/freebackup/pkg/destinations"
)

type Uploader interface {
	// Upload copies the file at path. checksum is recorded with the copy
	// where the destination supports metadata.
	Upload(ctx context.Context, path string, checksum string) error
}

type ConfigLoader func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error)

func NewUploader(ctx context.Context, tp string, dstPath string, loader ConfigLoader) (Uploader, error) {
	dst, err := destinations.Parse(tp)
	if err != nil {
		return nil, err
	}
	switch dst {
	case destinations.LocalDir:
		return NewFileUploader(dstPath), nil
	case destinations.S3File:
		cfg, err := loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load AWS SDK config, %w", err)
		}

		return NewS3Uploader(dstPath, cfg)
	case destinations.None:
	}

	return nil, fmt.Errorf("unsupported destination type: %s", tp)
}
