package objectstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. It is safe for concurrent use and keeps
// a write counter per key so tests can assert idempotent staging.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
	writes  map[string]int

	// FailNext, when set, is returned (and cleared) by the next Put.
	FailNext error
}

type memoryObject struct {
	data []byte
	info ObjectInfo
}

// NewMemoryStore creates an empty store whose URIs use the given bucket name.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string]memoryObject),
		writes:  make(map[string]int),
	}
}

// Put stores a copy of data.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	if _, exists := s.objects[key]; exists && opts.IfAbsent {
		return fmt.Errorf("Put %s: %w", key, ErrPreconditionFailed)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = memoryObject{
		data: buf,
		info: ObjectInfo{
			Key:         key,
			Size:        int64(len(buf)),
			SHA256:      opts.SHA256,
			ContentType: opts.ContentType,
			Updated:     time.Now(),
		},
	}
	s.writes[key]++
	return nil
}

// Get returns a copy of the stored bytes.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("Get %s: %w", key, ErrNotFound)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

// Stat returns object attributes or ErrNotFound.
func (s *MemoryStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("Stat %s: %w", key, ErrNotFound)
	}
	info := obj.info
	return &info, nil
}

// URI returns mem://bucket/key.
func (s *MemoryStore) URI(key string) string {
	return fmt.Sprintf("mem://%s/%s", s.bucket, key)
}

// Writes reports how many times key has been written.
func (s *MemoryStore) Writes(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[key]
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GCSStore)(nil)
	_ Store = (*MinIOStore)(nil)
)
