package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend stores archives in S3 or MinIO.
type S3Backend struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	pathPrefix string
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.default.svc:9000").
	// Leave empty for AWS S3.
	Endpoint string

	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS for a custom endpoint
	UseSSL bool

	// PathPrefix is prepended to all keys
	PathPrefix string
}

// NewS3Backend creates a new S3/MinIO backend.
func NewS3Backend(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Backend{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

func (b *S3Backend) fullKey(key string) string {
	if b.pathPrefix == "" {
		return key
	}
	return b.pathPrefix + "/" + key
}

func (b *S3Backend) Put(ctx context.Context, key string, data []byte, contentType string) (*Ref, error) {
	full := b.fullKey(key)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(full),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	return &Ref{
		URI:       fmt.Sprintf("s3://%s/%s", b.bucket, full),
		Size:      int64(len(data)),
		Checksum:  checksum(data),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotArchived)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return result.Body, nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]*Ref, error) {
	var refs []*Ref
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.fullKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			refs = append(refs, &Ref{
				URI:       fmt.Sprintf("s3://%s/%s", b.bucket, aws.ToString(obj.Key)),
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	return refs, nil
}

func (b *S3Backend) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	result, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return result.URL, nil
}

var _ Backend = (*S3Backend)(nil)
