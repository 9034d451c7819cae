// Package object abstracts the cloud object store holding receipt blobs,
// batch manifests, vendor outputs, and dead letters.
package object

import (
	"context"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
)

// Metadata keys attached to every object put under uploads/. They bridge
// the trace across the asynchronous object-created boundary.
const (
	MetaTraceId = "trace-id"
	MetaUserId  = "user-id"
)

// PresignLifetime bounds how long an issued upload or download URL is
// honored by the store.
const PresignLifetime = 30 * time.Minute

// Object is a stored blob together with its user metadata.
type Object struct {
	Key      string
	Body     []byte
	Metadata map[string]string
}

// Store is the object-store capability the pipeline depends on.
// S3Store implements it against AWS; MemStore implements it for tests.
type Store interface {
	Put(ctx context.Context, key string, body []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) (Object, error)
	Head(ctx context.Context, key string) (map[string]string, error)
	// Copy duplicates srcKey to dstKey, carrying metadata along.
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Presigner issues time-bounded URLs for direct client access.
type Presigner interface {
	// PresignPut returns a URL authorizing one PUT of |key| with the given
	// content type and object metadata.
	PresignPut(ctx context.Context, key, contentType string, metadata map[string]string) (string, error)
	// PresignGet returns a URL authorizing one GET of |key|.
	PresignGet(ctx context.Context, key string) (string, error)
}

// UploadMetadata builds the metadata attached to a receipt upload.
func UploadMetadata(trace ids.TraceId, user ids.UserId) map[string]string {
	return map[string]string{
		MetaTraceId: string(trace),
		MetaUserId:  string(user),
	}
}
