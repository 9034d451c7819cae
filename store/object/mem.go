package object

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store and Presigner used as the test seam.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]Object
	pending map[string]string
	// Puts counts all successful writes, for asserting exactly-once behavior.
	Puts int
}

var _ Store = &MemStore{}
var _ Presigner = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]Object)}
}

func (m *MemStore) Put(_ context.Context, key string, body []byte, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Key: key, Body: append([]byte(nil), body...), Metadata: metadata}
	m.Puts++
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var obj, ok = m.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}

func (m *MemStore) Head(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var obj, ok = m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return obj.Metadata, nil
}

func (m *MemStore) Copy(_ context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var obj, ok = m.objects[srcKey]
	if !ok {
		return ErrNotFound
	}
	obj.Key = dstKey
	m.objects[dstKey] = obj
	return nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) PresignPut(_ context.Context, key, contentType string, metadata map[string]string) (string, error) {
	// The returned URL is recognized by test HTTP clients; metadata is
	// applied when the client PUTs through PutPresigned.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = metadata
	return fmt.Sprintf("mem://%s?content-type=%s", key, contentType), nil
}

func (m *MemStore) PresignGet(_ context.Context, key string) (string, error) {
	return fmt.Sprintf("mem://%s", key), nil
}

// PutPresigned fulfills a previously presigned PUT, attaching the metadata
// that the presign call embedded.
func (m *MemStore) PutPresigned(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	var metadata = m.pending
	m.mu.Unlock()
	return m.Put(ctx, key, body, metadata)
}
