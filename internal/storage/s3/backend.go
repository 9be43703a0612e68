// Package s3 provides an S3-compatible object store backend with metrics.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/metrics"
	"github.com/cloudcode/cloudcode/internal/retry"
	"github.com/cloudcode/cloudcode/internal/storage"
)

const backendType = "s3"

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string // empty uses the AWS default resolver
	Bucket    string
	AccessKey string // empty uses the default credential chain
	SecretKey string
	Region    string
	UseSSL    bool
}

// Backend implements storage.Backend using S3/MinIO.
type Backend struct {
	client *s3.Client
	bucket string
}

// New creates a new S3 backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint, err := endpointURL(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Backend{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// endpointURL normalizes a configured endpoint. A bare host gets a scheme
// chosen by useSSL.
func endpointURL(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", nil
	}
	if !strings.Contains(endpoint, "://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid S3 endpoint %q", endpoint)
	}
	return u.String(), nil
}

// Ping verifies the bucket is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	metrics.RecordStoreOperation(backendType, "head_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", b.bucket, err)
	}
	return nil
}

// ListPage lists one page of objects under a prefix.
func (b *Backend) ListPage(ctx context.Context, in storage.ListInput) (*storage.ListPage, error) {
	start := time.Now()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(in.Prefix),
	}
	if in.Token != "" {
		input.ContinuationToken = aws.String(in.Token)
	}
	if in.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(in.MaxKeys)
	}

	out, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		metrics.RecordStoreOperation(backendType, "list_objects", time.Since(start), false)
		return nil, classify(fmt.Errorf("list %s: %w", in.Prefix, err))
	}
	metrics.RecordStoreOperation(backendType, "list_objects", time.Since(start), true)

	page := &storage.ListPage{
		Objects:   make([]storage.ObjectInfo, 0, len(out.Contents)),
		Truncated: aws.ToBool(out.IsTruncated),
		NextToken: aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		page.Objects = append(page.Objects, storage.ObjectInfo{
			Key:  *obj.Key,
			Size: aws.ToInt64(obj.Size),
		})
	}

	logging.Debug("S3 list page",
		zap.String("prefix", in.Prefix),
		zap.Int("objects", len(page.Objects)),
		zap.Bool("truncated", page.Truncated))

	return page, nil
}

// GetObject retrieves an object from S3.
func (b *Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStoreOperation(backendType, "get_object", time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, 0, fmt.Errorf("get object %s: %w", key, storage.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}

	metrics.RecordStoreOperation(backendType, "get_object", time.Since(start), true)
	return result.Body, aws.ToInt64(result.ContentLength), nil
}

// PutObject uploads content to S3.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		metrics.RecordStoreOperation(backendType, "put_object", time.Since(start), false)
		return classify(fmt.Errorf("put object %s: %w", key, err))
	}

	metrics.RecordStoreOperation(backendType, "put_object", time.Since(start), true)
	logging.Debug("S3 put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// CopyObject copies an S3 object from srcKey to dstKey within the bucket.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(b.bucket, srcKey)),
	})
	if err != nil {
		metrics.RecordStoreOperation(backendType, "copy_object", time.Since(start), false)
		return classify(fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err))
	}

	metrics.RecordStoreOperation(backendType, "copy_object", time.Since(start), true)
	logging.Debug("S3 copy object", zap.String("src", srcKey), zap.String("dst", dstKey))
	return nil
}

// classify marks throttling and server-side failures as transient.
// The SDK's own retryer has already given up on them by the time they surface here.
func classify(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 429 || code >= 500 {
			return retry.Transient(err)
		}
	}
	return err
}

// copySource builds the x-amz-copy-source value. Keys are URL-encoded
// segment by segment so that spaces and unicode survive the header.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// DeleteObject removes an object from S3.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStoreOperation(backendType, "delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	metrics.RecordStoreOperation(backendType, "delete_object", time.Since(start), true)
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// ObjectExists checks if an object exists in S3.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordStoreOperation(backendType, "head_object", time.Since(start), false)
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", key, err)
	}

	metrics.RecordStoreOperation(backendType, "head_object", time.Since(start), true)
	return true, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return backendType }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }
