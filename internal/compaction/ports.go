package compaction

import (
	"context"

	"github.com/SebastienMelki/mailvault/internal/objectstore"
)

// ObjectStore is the storage surface the compaction module drives. It is the
// subset of the object store client the engine, lock, and status store need;
// tests substitute an in-memory implementation.
type ObjectStore interface {
	// Put overwrites key unconditionally.
	Put(ctx context.Context, key string, body []byte) error
	// PutIf writes key only when the stored ETag matches expectedETag, or when
	// expectedETag is empty and the key does not exist. A failed condition
	// surfaces as objectstore.ErrPreconditionFailed.
	PutIf(ctx context.Context, key string, body []byte, expectedETag string) error
	// Get returns the body and ETag of key, or (nil, "", nil) when absent.
	Get(ctx context.Context, key string) ([]byte, string, error)
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ListDirect returns the immediate child prefixes under prefix, with the
	// prefix and trailing slash stripped.
	ListDirect(ctx context.Context, prefix string) ([]string, error)
	// ListFiles returns every object key under prefix.
	ListFiles(ctx context.Context, prefix string) ([]string, error)
}

var _ ObjectStore = (*objectstore.Client)(nil)
