// internal/media/s3.go
package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/team4edu/edu-backend-go/internal/metrics"
)

// S3Client wraps the AWS S3 client for file uploads and deletes.
type S3Client struct {
	client    *s3.Client // AWS S3 client
	bucket    string     // Bucket holding uploaded files
	publicURL string     // Base URL objects are served from, without trailing slash
	pathStyle bool       // Whether the bucket appears as the first path segment of object URLs
}

// S3Options configures NewS3Client.
type S3Options struct {
	Endpoint  string // S3-compatible endpoint, empty for AWS
	Region    string
	Bucket    string
	AccessKey string // Optional static credentials
	SecretKey string
	PublicURL string // CDN base URL, empty to serve from the bucket endpoint
}

// NewS3Client creates a new S3 client. It supports both AWS S3 and S3-compatible
// services like MinIO, which need path-style addressing.
func NewS3Client(ctx context.Context, opts S3Options) (*S3Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(opts.Endpoint))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     opts.AccessKey,
					SecretAccessKey: opts.SecretKey,
				}, nil
			})))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	pathStyle := opts.Endpoint != ""
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
	})

	publicURL := strings.TrimSuffix(opts.PublicURL, "/")
	switch {
	case publicURL != "":
		pathStyle = false
	case opts.Endpoint != "":
		publicURL = strings.TrimSuffix(opts.Endpoint, "/") + "/" + opts.Bucket
	default:
		publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", opts.Bucket, opts.Region)
	}

	return &S3Client{
		client:    client,
		bucket:    opts.Bucket,
		publicURL: publicURL,
		pathStyle: pathStyle,
	}, nil
}

// Store uploads obj under prefix and returns its public URL. The token is not
// needed for direct S3 access.
func (s *S3Client) Store(ctx context.Context, prefix string, obj Object, token string) (string, error) {
	key := objectKey(prefix, obj.Name)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        obj.Body,
		ContentType: aws.String(obj.ContentType),
	}
	if obj.Size >= 0 {
		input.ContentLength = aws.Int64(obj.Size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		metrics.Get().ObjectOps.WithLabelValues("put", "error").Inc()
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	metrics.Get().ObjectOps.WithLabelValues("put", "ok").Inc()
	return objectURL(s.publicURL, key), nil
}

// Delete removes the object behind url. S3 reports success for missing keys.
func (s *S3Client) Delete(ctx context.Context, url string) error {
	bucketPrefix := ""
	if s.pathStyle {
		bucketPrefix = s.bucket
	}
	key, err := keyFromURL(url, bucketPrefix)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		metrics.Get().ObjectOps.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	metrics.Get().ObjectOps.WithLabelValues("delete", "ok").Inc()
	return nil
}
