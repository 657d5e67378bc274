// Package s3 publishes http-01 challenge responses to an Amazon S3 or
// S3-compatible bucket fronting the validated domains.
package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/certgw/store"
)

// Compile-time check that Store implements store.ChallengeStore.
var _ store.ChallengeStore = (*Store)(nil)

// Client defines the S3 operations used by Store. It is satisfied by
// *s3aws.Client and by mocks in tests.
type Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3aws.DeleteObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.DeleteObjectOutput, error)
}

// Store publishes challenge response bodies as bucket objects.
type Store struct {
	client Client
	bucket string
}

// Config contains configuration for the bucket store.
type Config struct {
	Bucket      string
	Region      string
	AccessKeyID string
	SecretKey   string
	Endpoint    string // For S3-compatible services like MinIO
	PathStyle   bool   // Required for MinIO and some S3-compatible services
}

// Option configures a Store.
type Option func(*options)

type options struct {
	client Client
}

// WithClient sets a pre-configured S3 client. Primarily used for testing
// with mocks.
func WithClient(client Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// New creates a bucket-backed challenge store.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("challenge store bucket must not be empty")
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	client := o.client
	if client == nil {
		if cfg.Region == "" {
			return nil, fmt.Errorf("challenge store region must not be empty")
		}
		awsOptions := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions,
				awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID,
					cfg.SecretKey,
					"",
				)),
			)
		}

		awsConfig, err := awsconfig.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		client = s3aws.NewFromConfig(awsConfig, func(o *s3aws.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.PathStyle
		})
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put uploads a challenge response body. The object is written with a
// text/plain content type so the validation server reads the exact bytes
// back.
func (s *Store) Put(ctx context.Context, path string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return classifyError("put", path, err)
	}
	log.Debug().Str("bucket", s.bucket).Str("path", path).Msg("published challenge response")
	return nil
}

// Delete removes a challenge response object. Deleting an object that does
// not exist succeeds, matching the S3 DeleteObject contract, so withdrawal
// is safe to repeat.
func (s *Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3aws.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return classifyError("delete", path, err)
	}
	log.Debug().Str("bucket", s.bucket).Str("path", path).Msg("withdrew challenge response")
	return nil
}
