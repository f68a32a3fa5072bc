package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process memory. Used by tests and for
// fully ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data     []byte
	modified time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func memKey(bucket, key string) string { return bucket + "/" + key }

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[memKey(bucket, key)] = memObject{data: data, modified: time.Now()}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[memKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	delete(s.objects, memKey(bucket, key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	full := memKey(bucket, prefix)

	s.mu.RLock()
	var infos []ObjectInfo
	for k, obj := range s.objects {
		if !strings.HasPrefix(k, full) {
			continue
		}
		infos = append(infos, ObjectInfo{
			Key:      strings.TrimPrefix(k, bucket+"/"),
			Size:     int64(len(obj.data)),
			Modified: obj.modified,
		})
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *MemoryStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[memKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return "memory://" + memKey(bucket, key), nil
}

func (s *MemoryStore) EnsureBucket(ctx context.Context, bucket string) error { return nil }

func (s *MemoryStore) Type() string { return "memory" }

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
