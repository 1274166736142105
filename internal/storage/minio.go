package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"github.com/minio/minio-go/v7/pkg/s3utils"
	"go.uber.org/zap"

	"github.com/radif/fileservice/internal/apperr"
	"github.com/radif/fileservice/internal/metrics"
)

// cacheControl is applied to every public object; keys are content-unique so objects never change.
const cacheControl = "public, max-age=31536000"

// S3Options configures the public object store. It works with AWS S3 and with any
// S3-compatible service (MinIO, ArvanCloud) through ServiceURL.
type S3Options struct {
	Bucket string
	Region string
	// ServiceURL is the endpoint of an S3-compatible service, e.g. "http://localhost:9000".
	// Empty means AWS S3.
	ServiceURL string
	// PublicBaseURL, when set, replaces the synthesized object URL (CDN in front of the bucket).
	PublicBaseURL  string
	ForcePathStyle bool
	AccessKey      string
	SecretKey      string
	// CreateBucket creates the bucket with a public-read policy when it does not exist.
	CreateBucket bool
}

// S3Backend stores content in an S3-compatible bucket. It serves the Public tag.
type S3Backend struct {
	client *minio.Client
	opts   S3Options
	logger *zap.Logger
}

// NewS3Backend creates the object store client and, if requested, bootstraps the bucket.
func NewS3Backend(ctx context.Context, opts S3Options, logger *zap.Logger) (*S3Backend, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, apperr.ErrBackendUnavailable.New("remote storage bucket is not configured")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	endpoint, secure, err := resolveEndpoint(opts.ServiceURL)
	if err != nil {
		return nil, err
	}

	var creds *credentials.Credentials
	if opts.AccessKey != "" {
		creds = credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		})
	}

	lookup := minio.BucketLookupAuto
	if opts.ForcePathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        creds,
		Secure:       secure,
		Region:       opts.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	b := newS3Backend(client, opts, logger)
	if opts.CreateBucket {
		if err := b.ensureBucket(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func newS3Backend(client *minio.Client, opts S3Options, logger *zap.Logger) *S3Backend {
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	opts.ServiceURL = strings.TrimRight(opts.ServiceURL, "/")
	return &S3Backend{
		client: client,
		opts:   opts,
		logger: logger.Named("s3_storage").With(zap.String("bucket", opts.Bucket)),
	}
}

// Tag implements Backend.
func (b *S3Backend) Tag() Tag { return Public }

// Save implements Backend. Objects are written with server-side encryption (SSE-S3) and a
// one-year cache lifetime.
func (b *S3Backend) Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (u string, err error) {
	defer func() { metrics.ObserveBackend(string(Public), "save", err) }()

	info, err := b.client.PutObject(ctx, b.opts.Bucket, key, r, size, minio.PutObjectOptions{
		ContentType:          contentType,
		CacheControl:         cacheControl,
		ServerSideEncryption: encrypt.NewSSE(),
	})
	if err != nil {
		b.logger.Error("put object failed", zap.String("key", key), zap.Error(err))
		return "", apperr.ErrStorageWriteFailed.Wrap(fmt.Errorf("put object %q: %w", key, err))
	}

	b.logger.Info("object uploaded", zap.String("key", key), zap.Int64("size", info.Size))
	return b.PublicURL(key), nil
}

// Exists implements Backend. A missing key yields false and other failures are errors.
// A missing bucket also reads as false: the HEAD 404 carries no body, and minio-go reports
// it as NoSuchKey.
func (b *S3Backend) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func() { metrics.ObserveBackend(string(Public), "exists", err) }()

	_, err = b.client.StatObject(ctx, b.opts.Bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		b.logger.Debug("object does not exist", zap.String("key", key))
		return false, nil
	}
	b.logger.Error("stat object failed", zap.String("key", key), zap.Error(err))
	return false, fmt.Errorf("stat object %q: %w", key, err)
}

// Fetch implements Backend. The returned *minio.Object supports Seek.
func (b *S3Backend) Fetch(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	defer func() { metrics.ObserveBackend(string(Public), "fetch", err) }()

	obj, err := b.client.GetObject(ctx, b.opts.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	// GetObject is lazy; Stat performs the request and surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, apperr.ErrNotFound.New("object %s", key)
		}
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	return obj, nil
}

// Delete implements Backend. minio-go reports success only for a 204 No Content response;
// any other status comes back as an error.
func (b *S3Backend) Delete(ctx context.Context, key string) (err error) {
	defer func() { metrics.ObserveBackend(string(Public), "delete", err) }()

	if err := b.client.RemoveObject(ctx, b.opts.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		b.logger.Warn("remove object failed", zap.String("key", key), zap.Error(err))
		return apperr.ErrStorageDeleteFailed.Wrap(fmt.Errorf("remove object %q: %w", key, err))
	}

	b.logger.Info("object deleted", zap.String("key", key))
	return nil
}

// PublicURL returns the browser-accessible URL for key. The key is percent-encoded with path
// separators preserved.
//
//	CDN:            https://cdn.example.com/2024/01/15/abc12345/x.mp3
//	custom service: http://localhost:9000/bucket/2024/01/15/abc12345/x.mp3
//	AWS path-style: https://s3.us-east-1.amazonaws.com/bucket/2024/...
//	AWS default:    https://bucket.s3.us-east-1.amazonaws.com/2024/...
func (b *S3Backend) PublicURL(key string) string {
	encoded := s3utils.EncodePath(strings.TrimLeft(key, "/"))

	switch {
	case b.opts.PublicBaseURL != "":
		return b.opts.PublicBaseURL + "/" + encoded
	case b.opts.ServiceURL != "":
		return b.opts.ServiceURL + "/" + b.opts.Bucket + "/" + encoded
	case b.opts.ForcePathStyle:
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", b.opts.Region, b.opts.Bucket, encoded)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", b.opts.Bucket, b.opts.Region, encoded)
	}
}

// ensureBucket creates the bucket if it is missing and applies a public-read policy. Public
// access is granted through the bucket policy, never through object ACLs.
func (b *S3Backend) ensureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.opts.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := b.client.MakeBucket(ctx, b.opts.Bucket, minio.MakeBucketOptions{Region: b.opts.Region}); err != nil {
			return fmt.Errorf("create bucket %q: %w", b.opts.Bucket, err)
		}
		b.logger.Info("bucket created")
	}

	if err := b.client.SetBucketPolicy(ctx, b.opts.Bucket, publicReadPolicy(b.opts.Bucket)); err != nil {
		return fmt.Errorf("set bucket policy: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || (resp.StatusCode == http.StatusNotFound && resp.Code == "")
}

// resolveEndpoint turns a service URL into the host and TLS flag minio-go expects.
func resolveEndpoint(serviceURL string) (string, bool, error) {
	if serviceURL == "" {
		return "s3.amazonaws.com", true, nil
	}
	u, err := url.Parse(serviceURL)
	if err != nil || u.Host == "" {
		return "", false, apperr.ErrBackendUnavailable.New("invalid remote storage service URL %q", serviceURL)
	}
	return u.Host, u.Scheme == "https", nil
}

// publicReadPolicy returns a bucket policy that allows anonymous GET on all objects.
func publicReadPolicy(bucket string) string {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":    "Allow",
				"Principal": "*",
				"Action":    "s3:GetObject",
				"Resource":  fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
			},
		},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}
