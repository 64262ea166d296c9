package hashpool

import (
	"container/list"
	"context"
	"sync"
	"testing"

	"encore.app/pkg/sharedcache"
)

// fakeQueue is an in-memory stand-in for sharedcache.Redis's list ops.
type fakeQueue struct {
	mu   sync.Mutex
	data map[string]*list.List
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{data: make(map[string]*list.List)}
}

func (f *fakeQueue) PushBack(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.data[key]
	if !ok {
		l = list.New()
		f.data[key] = l
	}
	l.PushBack(value)
	return nil
}

func (f *fakeQueue) PopFront(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.data[key]
	if !ok || l.Len() == 0 {
		return "", sharedcache.ErrMiss
	}
	front := l.Front()
	l.Remove(front)
	return front.Value.(string), nil
}

func (f *fakeQueue) Len(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.data[key]
	if !ok {
		return 0, nil
	}
	return int64(l.Len()), nil
}

func TestPoolPushPop(t *testing.T) {
	p := NewPool(newFakeQueue(), "hash:pool")
	ctx := context.Background()

	if err := p.Push(ctx, "abc"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got, err := p.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got != "abc" {
		t.Fatalf("Pop = %q, want abc", got)
	}
}

func TestPoolPopEmptyReturnsErrEmpty(t *testing.T) {
	p := NewPool(newFakeQueue(), "hash:pool")
	if _, err := p.Pop(context.Background()); err != ErrEmpty {
		t.Fatalf("Pop on empty = %v, want ErrEmpty", err)
	}
}

func TestPoolFIFOOrder(t *testing.T) {
	p := NewPool(newFakeQueue(), "hash:pool")
	ctx := context.Background()

	if err := p.PushMany(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("PushMany: %v", err)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := p.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got != want {
			t.Fatalf("Pop = %q, want %q", got, want)
		}
	}
}

func TestPoolSize(t *testing.T) {
	p := NewPool(newFakeQueue(), "hash:pool")
	ctx := context.Background()
	_ = p.PushMany(ctx, []string{"a", "b"})

	size, err := p.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 2 {
		t.Fatalf("Size = %d, want 2", size)
	}
}
