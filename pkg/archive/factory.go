package archive

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend selects where revisions live.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// Config describes an archive backend. An empty Backend disables archiving.
type Config struct {
	Backend    Backend `yaml:"backend"`
	Dir        string  `yaml:"dir"`
	S3Bucket   string  `yaml:"s3_bucket"`
	S3Region   string  `yaml:"s3_region"`
	S3Endpoint string  `yaml:"s3_endpoint"`
	GCSBucket  string  `yaml:"gcs_bucket"`
	Prefix     string  `yaml:"prefix"`
}

// NewStore builds the Store named by cfg. It returns nil, nil when archiving
// is disabled.
func NewStore(ctx context.Context, cfg Config, dataDir string) (Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(dataDir, "revisions")
		}
		return NewFileStore(dir)
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend requires a bucket")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.Prefix,
		})
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("archive: gcs backend requires a bucket")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q (valid: fs, s3, gcs)", cfg.Backend)
	}
}
