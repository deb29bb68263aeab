// Package s3 implements blobstore.Store against an S3-compatible bucket via
// minio-go, for deployments where the downloader collaborator lands shards
// in object storage instead of a local CCINDEX_ROOT/PARQUET_ROOT.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/ccindex/pkg/blobstore"
)

const (
	otelPackageName = "github.com/kalbasit/ccindex/pkg/blobstore/s3"

	s3NoSuchKey = "NoSuchKey"
)

var (
	// ErrInvalidConfig is returned if the S3 configuration is invalid.
	ErrInvalidConfig = errors.New("invalid S3 configuration")

	// ErrBucketNotFound is returned if the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrEndpointMissingScheme is returned if Config.Endpoint has no scheme.
	ErrEndpointMissingScheme = errors.New("S3 endpoint must include scheme (http:// or https://)")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Config describes how to reach the bucket backing a Store.
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Validate checks that cfg has everything New needs.
func (cfg Config) Validate() error {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return ErrInvalidConfig
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" {
		return ErrEndpointMissingScheme
	}

	return nil
}

// Store is a blobstore.Store backed by a single S3 bucket; keys map
// directly onto object names.
type Store struct {
	client *minio.Client
	bucket string
}

// New validates cfg, connects to the bucket, and confirms it is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	endpointURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, ErrEndpointMissingScheme
	}

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpointURL.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       endpointURL.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    otelhttp.NewTransport(http.DefaultTransport),
	})
	if err != nil {
		return nil, fmt.Errorf("creating MinIO client: %w", err)
	}

	if err := testBucketAccess(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("testing bucket access: %w", err)
	}

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Has reports whether key exists in the bucket.
func (s *Store) Has(ctx context.Context, key string) bool {
	_, span := tracer.Start(ctx, "s3.Has",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})

	return err == nil
}

// Get opens key for reading. The caller must close the returned ReadCloser.
func (s *Store) Get(ctx context.Context, key string) (int64, io.ReadCloser, error) {
	_, span := tracer.Start(ctx, "s3.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("getting %q from S3: %w", key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close() //nolint:errcheck

		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return 0, nil, blobstore.ErrNotFound
		}

		return 0, nil, fmt.Errorf("stating %q in S3: %w", key, err)
	}

	return info.Size, obj, nil
}

// OpenReaderAt opens key for random-access reads, satisfying
// blobstore.RandomAccessStore. *minio.Object implements io.ReaderAt
// directly (each ReadAt issues a ranged GET), so no extra buffering layer
// is needed.
func (s *Store) OpenReaderAt(ctx context.Context, key string) (int64, blobstore.ReaderAtCloser, error) {
	_, span := tracer.Start(ctx, "s3.OpenReaderAt",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("getting %q from S3: %w", key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close() //nolint:errcheck

		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return 0, nil, blobstore.ErrNotFound
		}

		return 0, nil, fmt.Errorf("stating %q in S3: %w", key, err)
	}

	return info.Size, obj, nil
}

// Put writes body to key, overwriting any existing object.
func (s *Store) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	_, span := tracer.Start(ctx, "s3.Put",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	info, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		body,
		-1, // streamed, size unknown up front
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return 0, fmt.Errorf("putting %q to S3: %w", key, err)
	}

	return info.Size, nil
}

// Delete removes key from the bucket.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "s3.Delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return blobstore.ErrNotFound
		}

		return fmt.Errorf("checking if %q exists: %w", key, err)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting %q from S3: %w", key, err)
	}

	return nil
}

// Walk calls fn with every object key under prefix.
func (s *Store) Walk(ctx context.Context, prefix string, fn func(key string) error) error {
	_, span := tracer.Start(ctx, "s3.Walk",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("prefix", prefix)))
	defer span.End()

	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}

	for object := range s.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			return object.Err
		}

		if strings.HasSuffix(object.Key, "/") {
			continue
		}

		if err := fn(object.Key); err != nil {
			return err
		}
	}

	return nil
}

func testBucketAccess(ctx context.Context, client *minio.Client, bucket string) error {
	log := zerolog.Ctx(ctx)

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		log.Error().Err(err).Str("bucket", bucket).Msg("error checking bucket existence")

		return fmt.Errorf("checking bucket existence: %w", err)
	}

	if !exists {
		log.Error().Str("bucket", bucket).Msg("bucket does not exist")

		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	return nil
}
