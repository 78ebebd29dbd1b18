package telegraph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestQuotaStore(t *testing.T, limit int) *QuotaStore {
	t.Helper()
	q, err := NewQuotaStore(QuotaStoreOpts{DB: openTestDB(t), FreeRequests: limit})
	if err != nil {
		t.Fatalf("NewQuotaStore: %v", err)
	}
	return q
}

func TestNewQuotaStore_Validation(t *testing.T) {
	if _, err := NewQuotaStore(QuotaStoreOpts{}); err == nil {
		t.Error("expected error for nil db")
	}
	if _, err := NewQuotaStore(QuotaStoreOpts{DB: openTestDB(t), FreeRequests: -1}); err == nil {
		t.Error("expected error for negative limit")
	}
}

func TestQuotaStore_ConsumeUntilExhausted(t *testing.T) {
	q := newTestQuotaStore(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Consume(ctx, alice); err != nil {
			t.Fatalf("Consume %d: %v", i, err)
		}
	}
	if err := q.Consume(ctx, alice); !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("third Consume = %v, want ErrQuotaExhausted", err)
	}
	if n, _ := q.Remaining(ctx, alice); n != 0 {
		t.Errorf("Remaining = %d, want 0", n)
	}
	if n, _ := q.Remaining(ctx, bob); n != 2 {
		t.Errorf("untouched user Remaining = %d, want 2", n)
	}
}

func TestQuotaStore_RestoreCapsAtLimit(t *testing.T) {
	q := newTestQuotaStore(t, 3)
	ctx := context.Background()

	q.Consume(ctx, alice)
	q.Restore(ctx, alice)
	q.Restore(ctx, alice)
	if n, _ := q.Remaining(ctx, alice); n != 3 {
		t.Errorf("Remaining = %d, want 3", n)
	}
}

func TestQuotaStore_ResetAll(t *testing.T) {
	q := newTestQuotaStore(t, 1)
	ctx := context.Background()
	q.Consume(ctx, alice)
	q.Consume(ctx, bob)

	n, err := q.ResetAll(ctx)
	if err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if n != 2 {
		t.Errorf("ResetAll touched %d rows, want 2", n)
	}
	if err := q.Consume(ctx, alice); err != nil {
		t.Errorf("Consume after reset = %v", err)
	}
}

func TestQuotaStore_Disabled(t *testing.T) {
	q := newTestQuotaStore(t, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := q.Consume(ctx, alice); err != nil {
			t.Fatalf("Consume with quotas disabled: %v", err)
		}
	}
	if n, _ := q.Remaining(ctx, alice); n != Unlimited {
		t.Errorf("Remaining = %d, want Unlimited", n)
	}
}

func TestQuotaStore_ConcurrentConsume(t *testing.T) {
	q := newTestQuotaStore(t, 5)
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Consume(context.Background(), alice) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 5 {
		t.Errorf("successful consumes = %d, want 5", ok.Load())
	}
}
