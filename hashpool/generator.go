package hashpool

import (
	"context"
	"log"

	"encore.app/pkg/base62"
	"encore.app/pkg/shorterr"
)

// hashTable is the narrow slice of pkg/urlstore.HashTable the
// generator needs.
type hashTable interface {
	NextSequence(ctx context.Context, n int) ([]int64, error)
	InsertIfAbsent(ctx context.Context, hashes []string) error
}

// GenerationMetrics counts the outcomes of batch generation, backing
// the hash.generation.* sink names.
type GenerationMetrics struct {
	Total   func(n int64)
	Success func(n int64)
	Error   func(n int64)
	OnTheFly func(n int64)
}

// Generator batch-produces new identifiers from the monotone sequence
// in C2 (C6): pull n fresh sequence values, base62-encode them, and
// persist them as available rows. Errors are classified by the
// caller's retry policy; this type only reports counts to the sink.
type Generator struct {
	table     hashTable
	pool      *Pool
	metrics   GenerationMetrics
	batchSize int
}

// NewGenerator creates a Generator. batchSize is clamped to [1,1000]
// per the configuration bounds.
func NewGenerator(table hashTable, pool *Pool, batchSize int, metrics GenerationMetrics) *Generator {
	if batchSize < 1 {
		batchSize = 1
	}
	if batchSize > 1000 {
		batchSize = 1000
	}
	return &Generator{table: table, pool: pool, batchSize: batchSize, metrics: metrics}
}

// GenerateBatch requests batchSize fresh sequence values, encodes each
// to base62, and inserts them into C2 as available — then pushes them
// onto the shared pool so a concurrent refill tick sees them
// immediately rather than waiting for the next claimAvailable scan.
func (g *Generator) GenerateBatch(ctx context.Context) ([]string, error) {
	g.count(g.metrics.Total, int64(g.batchSize))

	seqs, err := g.table.NextSequence(ctx, g.batchSize)
	if err != nil {
		g.count(g.metrics.Error, int64(g.batchSize))
		return nil, shorterr.Transient("hashpool: generate batch: next sequence", err)
	}

	hashes, err := base62.EncodeBatch(seqs)
	if err != nil {
		g.count(g.metrics.Error, int64(len(seqs)))
		return nil, shorterr.Integrity("hashpool: generate batch: encode", err)
	}

	if err := g.table.InsertIfAbsent(ctx, hashes); err != nil {
		g.count(g.metrics.Error, int64(len(hashes)))
		return nil, shorterr.Transient("hashpool: generate batch: insert", err)
	}

	if g.pool != nil {
		if err := g.pool.PushMany(ctx, hashes); err != nil {
			log.Printf("[WARN] hashpool: generated batch but push to pool failed: %v", err)
		}
	}

	g.count(g.metrics.Success, int64(len(hashes)))
	return hashes, nil
}

func (g *Generator) count(fn func(int64), n int64) {
	if fn != nil {
		fn(n)
	}
}
