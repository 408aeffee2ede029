// Package archive uploads archived row batches to S3-compatible object
// storage as a supplemental durability measure behind the daily
// archival job: stage, compress, upload.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Config holds the archival target; Bucket and Endpoint must be set for
// the uploader to be constructed (callers skip S3 entirely otherwise).
type S3Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Uploader writes gzipped JSON archives to the configured bucket.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

// NewS3Uploader builds the client against the configured endpoint
// (AWS S3, Cloudflare R2, or MinIO all speak the same API).
func NewS3Uploader(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" || cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 archive: bucket and endpoint are required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 archive config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &cfg.Endpoint
		o.UsePathStyle = true
	})

	return &S3Uploader{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		log:      log.With().Str("component", "s3_archive").Logger(),
	}, nil
}

// UploadJSON gzips the JSON encoding of v and uploads it under key.
func (u *S3Uploader) UploadJSON(ctx context.Context, key string, v interface{}) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		return fmt.Errorf("encode archive %s: %w", key, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress archive %s: %w", key, err)
	}

	contentType := "application/gzip"
	if _, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: &contentType,
	}); err != nil {
		return fmt.Errorf("upload archive %s: %w", key, err)
	}

	u.log.Debug().Str("key", key).Int("bytes", buf.Len()).Msg("archive uploaded")
	return nil
}
