// Package objectstore abstracts the durable object storage used for staged artifacts.
package objectstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ErrPreconditionFailed is returned when a conditional write loses a race.
var ErrPreconditionFailed = errors.New("object write precondition failed")

// MetadataSHA256 is the user metadata key holding the content hash of an object.
const MetadataSHA256 = "sha256"

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	SHA256      string
	ContentType string
	Updated     time.Time
}

// PutOptions controls a write.
type PutOptions struct {
	ContentType string
	SHA256      string
	// IfAbsent makes the write fail with ErrPreconditionFailed when the key exists.
	IfAbsent bool
}

// Store is a minimal put/get/stat object store. Writes are all-or-nothing:
// readers observe either the previous object or the complete new one.
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	// URI returns a backend-qualified address such as gs://bucket/key.
	URI(key string) string
}

func lookupMetadata(md map[string]string, key string) string {
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
