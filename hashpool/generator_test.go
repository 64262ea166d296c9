package hashpool

import (
	"context"
	"testing"

	"encore.app/pkg/urlstore/urlstoretest"
)

func TestGenerateBatchProducesAndPushesHashes(t *testing.T) {
	table := urlstoretest.NewFakeHashTable()
	pool := NewPool(newFakeQueue(), "hash:pool")

	var total, success int64
	metrics := GenerationMetrics{
		Total:   func(n int64) { total += n },
		Success: func(n int64) { success += n },
	}

	gen := NewGenerator(table, pool, 5, metrics)
	hashes, err := gen.GenerateBatch(context.Background())
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if len(hashes) != 5 {
		t.Fatalf("got %d hashes, want 5", len(hashes))
	}
	if total != 5 || success != 5 {
		t.Fatalf("metrics total=%d success=%d, want 5/5", total, success)
	}

	size, err := pool.Size(context.Background())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 5 {
		t.Fatalf("pool size = %d, want 5 (generated hashes must be pushed)", size)
	}
}

func TestGenerateBatchClampsSize(t *testing.T) {
	table := urlstoretest.NewFakeHashTable()
	gen := NewGenerator(table, nil, 5000, GenerationMetrics{})
	hashes, err := gen.GenerateBatch(context.Background())
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if len(hashes) != 1000 {
		t.Fatalf("got %d hashes, want clamp to 1000", len(hashes))
	}
}

func TestGenerateBatchInsertsAsAvailable(t *testing.T) {
	table := urlstoretest.NewFakeHashTable()
	gen := NewGenerator(table, nil, 3, GenerationMetrics{})

	hashes, err := gen.GenerateBatch(context.Background())
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	for _, h := range hashes {
		avail, exists := table.IsAvailable(h)
		if !exists || !avail {
			t.Fatalf("hash %q not recorded as available", h)
		}
	}
}
