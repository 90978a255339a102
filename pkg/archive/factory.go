package archive

import (
	"context"
	"fmt"
)

// Type selects an archive backend.
type Type string

const (
	TypeNone Type = ""
	TypeFS   Type = "fs"
	TypeS3   Type = "s3"
	TypeGCS  Type = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type       Type
	Dir        string
	S3Bucket   string
	S3Region   string
	S3Prefix   string
	S3Endpoint string
	GCSBucket  string
	GCSPrefix  string
}

// New opens the configured backend. TypeNone returns a nil Store and no
// error; callers treat that as "archiving disabled".
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeNone:
		return nil, nil
	case TypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/evidence"
		}
		return NewFileStore(dir)
	case TypeS3:
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case TypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}
