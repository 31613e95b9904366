package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOOptions configures an S3-compatible store.
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// MinIOStore stores objects in an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinIOStore creates the client. Call EnsureBucket before first use
// against a fresh deployment.
func NewMinIOStore(opts MinIOOptions) (*MinIOStore, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("NewMinIOStore: endpoint and bucket are required")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("NewMinIOStore: %w", err)
	}

	return &MinIOStore{client: client, bucket: opts.Bucket, region: opts.Region}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinIOStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyMinIO("EnsureBucket", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return classifyMinIO("EnsureBucket", s.bucket, err)
	}
	return nil
}

// Put uploads data in a single request, which S3 applies atomically.
func (s *MinIOStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if opts.IfAbsent {
		if _, err := s.Stat(ctx, key); err == nil {
			return fmt.Errorf("Put %s: %w", key, ErrPreconditionFailed)
		}
	}

	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if opts.SHA256 != "" {
		putOpts.UserMetadata = map[string]string{MetadataSHA256: opts.SHA256}
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), putOpts)
	if err != nil {
		return classifyMinIO("Put", key, err)
	}
	return nil
}

// Get downloads the object bytes.
func (s *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinIO("Get", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinIO("Get", key, err)
	}
	return data, nil
}

// Stat returns object attributes or ErrNotFound.
func (s *MinIOStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classifyMinIO("Stat", key, err)
	}
	return &ObjectInfo{
		Key:         key,
		Size:        info.Size,
		SHA256:      lookupMetadata(info.UserMetadata, MetadataSHA256),
		ContentType: info.ContentType,
		Updated:     info.LastModified,
	}, nil
}

// URI returns s3://bucket/key.
func (s *MinIOStore) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func classifyMinIO(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return failure.Wrap(failure.PermissionDenied, op, err)
	case "NoSuchBucket":
		return failure.Wrap(failure.PermissionDenied, op, err)
	}
	if resp.StatusCode == http.StatusForbidden {
		return failure.Wrap(failure.PermissionDenied, op, err)
	}
	return failure.Wrap(failure.StorageUnavailable, op, err)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
