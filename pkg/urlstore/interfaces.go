package urlstore

import (
	"context"
	"time"
)

// HashTable is the interface HashStore satisfies; consumers (hashpool,
// cleaner, shortener) depend on this rather than the concrete sqldb
// type so unit tests can substitute an in-memory fake.
type HashTable interface {
	NextSequence(ctx context.Context, n int) ([]int64, error)
	InsertIfAbsent(ctx context.Context, hashes []string) error
	ClaimAvailable(ctx context.Context, n int) ([]string, error)
	MarkUsed(ctx context.Context, hash string) error
	ReleaseAvailable(ctx context.Context, hashes []string) error
	Delete(ctx context.Context, hashes []string) error
}

// URLTable is the interface URLStore satisfies.
type URLTable interface {
	Insert(ctx context.Context, hash, url string) (bool, error)
	FindByHash(ctx context.Context, hash string) (string, bool, error)
	FindByURL(ctx context.Context, url string) (string, bool, error)
	FindOldHashes(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteByHashes(ctx context.Context, hashes []string) error
}

var (
	_ HashTable = (*HashStore)(nil)
	_ URLTable  = (*URLStore)(nil)
)
