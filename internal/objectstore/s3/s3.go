// Package s3 implements cua.ObjectStore over AWS S3 (or any S3-compatible
// endpoint) using aws-sdk-go-v2. Screenshot and download artifacts are
// written with Put and read back through a presigned GET URL good for
// roughly one year, matching the long-lived links the dashboard embeds in
// iteration history.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	cua "github.com/onkernel/cua-agent"
	"github.com/onkernel/cua-agent/internal/retry"
)

// Store implements cua.ObjectStore over a single S3 bucket.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

var _ cua.ObjectStore = (*Store)(nil)

// Config selects the bucket, region, and (optionally) a non-AWS endpoint
// for S3-compatible object storage. AccessKeyID/SecretAccessKey are only
// needed against non-AWS endpoints that don't participate in the default
// credential chain (instance role, env vars, shared config); leave both
// empty to use that chain.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, e.g. for MinIO or R2
	AccessKeyID     string
	SecretAccessKey string
}

// New loads AWS credentials — static ones from cfg if given, otherwise the
// environment/shared config chain — and constructs a Store bound to
// cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// Put uploads data at path with contentType, retrying transient failures
// (network errors, S3 5xx) with exponential backoff — screenshots and
// downloads are captured mid-task and a single dropped connection shouldn't
// lose them.
func (s *Store) Put(ctx context.Context, path string, data []byte, contentType string) error {
	err := retry.Do(ctx, "s3.put", func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(path),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", path, err)
	}
	return nil
}

// SignedURL returns a presigned GET URL for path valid for ttl seconds.
func (s *Store) SignedURL(ctx context.Context, path string, ttl int64) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(time.Duration(ttl)*time.Second))
	if err != nil {
		return "", fmt.Errorf("s3: presign %s: %w", path, err)
	}
	return req.URL, nil
}
