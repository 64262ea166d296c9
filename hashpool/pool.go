package hashpool

import (
	"context"
	"errors"

	"encore.app/pkg/sharedcache"
	"encore.app/pkg/shorterr"
)

// queue is the narrow view of pkg/sharedcache.Redis the pool needs,
// mirroring pkg/urlstore's HashTable/URLTable interface pattern so
// pool tests run against an in-memory fake instead of live Redis.
type queue interface {
	PushBack(ctx context.Context, key, value string) error
	PopFront(ctx context.Context, key string) (string, error)
	Len(ctx context.Context, key string) (int64, error)
}

// Pool is the shared FIFO queue of pre-allocated hashes (C5): a thin
// wrapper over the shared cache's list operations. popFront is atomic
// across process instances because it maps directly onto Redis LPOP;
// size is advisory only, per the "never load-bearing" contract.
type Pool struct {
	cache queue
	key   string
}

// ErrEmpty is returned by Pop when the pool currently holds no hashes.
var ErrEmpty = shorterr.NoAvailableHash("hashpool: pool empty")

// NewPool creates a Pool backed by the given queue and list key.
func NewPool(cache queue, key string) *Pool {
	return &Pool{cache: cache, key: key}
}

// Push appends hash to the back of the pool.
func (p *Pool) Push(ctx context.Context, hash string) error {
	if err := p.cache.PushBack(ctx, p.key, hash); err != nil {
		return shorterr.Transient("hashpool: push", err)
	}
	return nil
}

// PushMany pushes each hash in order, stopping at the first failure.
func (p *Pool) PushMany(ctx context.Context, hashes []string) error {
	for _, h := range hashes {
		if err := p.Push(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// Pop removes and returns the hash at the front of the pool, or
// ErrEmpty if the pool currently holds none.
func (p *Pool) Pop(ctx context.Context) (string, error) {
	hash, err := p.cache.PopFront(ctx, p.key)
	if err != nil {
		if errors.Is(err, sharedcache.ErrMiss) {
			return "", ErrEmpty
		}
		return "", shorterr.Transient("hashpool: pop", err)
	}
	return hash, nil
}

// Size reports the pool's current length. Advisory only: never used to
// gate correctness decisions, only refill scheduling and metrics.
func (p *Pool) Size(ctx context.Context) (int64, error) {
	n, err := p.cache.Len(ctx, p.key)
	if err != nil {
		return 0, shorterr.Transient("hashpool: size", err)
	}
	return n, nil
}
