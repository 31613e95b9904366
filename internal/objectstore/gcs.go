package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/finance-elt/internal/failure"
	"google.golang.org/api/googleapi"
)

// GCSStore stores objects in a Google Cloud Storage bucket.
// It holds one shared client; storage.Client is safe for concurrent use.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a GCS-backed store using Application Default Credentials.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSStore: create storage client: %w", err)
	}
	return NewGCSStoreWithClient(client, bucket), nil
}

// NewGCSStoreWithClient wraps an existing client.
func NewGCSStoreWithClient(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Put uploads data under key. The object only becomes visible once the
// writer is closed successfully; a failed copy cancels the upload.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(key)
	if opts.IfAbsent {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = opts.ContentType
	if opts.SHA256 != "" {
		w.Metadata = map[string]string{MetadataSHA256: opts.SHA256}
	}

	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return classifyGCS("Put", key, err)
	}

	if err := w.Close(); err != nil {
		return classifyGCS("Put", key, err)
	}

	return nil
}

// Get downloads the object bytes.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, classifyGCS("Get", key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, classifyGCS("Get", key, err)
	}
	return data, nil
}

// Stat returns object attributes or ErrNotFound.
func (s *GCSStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return nil, classifyGCS("Stat", key, err)
	}
	return &ObjectInfo{
		Key:         key,
		Size:        attrs.Size,
		SHA256:      lookupMetadata(attrs.Metadata, MetadataSHA256),
		ContentType: attrs.ContentType,
		Updated:     attrs.Updated,
	}, nil
}

// URI returns gs://bucket/key.
func (s *GCSStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

func classifyGCS(op, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return failure.Wrap(failure.PermissionDenied, op, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%s %s: %w", op, key, ErrPreconditionFailed)
		case http.StatusUnauthorized, http.StatusForbidden:
			return failure.Wrap(failure.PermissionDenied, op, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
		}
	}

	return failure.Wrap(failure.StorageUnavailable, op, err)
}
