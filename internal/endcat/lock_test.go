package endcat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"endcat-go/internal/endcat"
)

func TestKeyedMutex_Lock(t *testing.T) {
	t.Run("serializes the same key", func(t *testing.T) {
		k := endcat.NewKeyedMutex()
		ctx := context.Background()

		var mu sync.Mutex
		active, peak := 0, 0

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := k.Lock(ctx, "u1")
				if err != nil {
					t.Errorf("Lock() error = %v", err)
					return
				}
				mu.Lock()
				active++
				peak = max(peak, active)
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				unlock()
			}()
		}
		wg.Wait()

		if peak != 1 {
			t.Errorf("peak holders = %d, want 1", peak)
		}
		if k.Len() != 0 {
			t.Errorf("Len() = %d after all unlocks, want 0", k.Len())
		}
	})

	t.Run("different keys do not block", func(t *testing.T) {
		k := endcat.NewKeyedMutex()
		ctx := context.Background()

		unlockA, err := k.Lock(ctx, "a")
		if err != nil {
			t.Fatalf("Lock(a) error = %v", err)
		}
		defer unlockA()

		done := make(chan struct{})
		go func() {
			unlockB, err := k.Lock(ctx, "b")
			if err == nil {
				unlockB()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Lock(b) blocked behind a")
		}
	})

	t.Run("context cancellation while waiting", func(t *testing.T) {
		var k endcat.KeyedMutex

		unlock, err := k.Lock(context.Background(), "u1")
		if err != nil {
			t.Fatalf("Lock() error = %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		if _, err := k.Lock(ctx, "u1"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Lock() error = %v, want context.DeadlineExceeded", err)
		}
		if k.Len() != 1 {
			t.Errorf("Len() = %d while held, want 1", k.Len())
		}

		unlock()
		if k.Len() != 0 {
			t.Errorf("Len() = %d after unlock, want 0", k.Len())
		}
	})

	t.Run("unlock is idempotent", func(t *testing.T) {
		k := endcat.NewKeyedMutex()
		unlock, err := k.Lock(context.Background(), "u1")
		if err != nil {
			t.Fatalf("Lock() error = %v", err)
		}
		unlock()
		unlock()

		if _, ok := k.TryLock("u1"); !ok {
			t.Error("TryLock() after double unlock = false, want true")
		}
	})
}

func TestKeyedMutex_TryLock(t *testing.T) {
	k := endcat.NewKeyedMutex()

	unlock, ok := k.TryLock("root")
	if !ok {
		t.Fatal("TryLock() on free key = false, want true")
	}

	if _, ok := k.TryLock("root"); ok {
		t.Error("TryLock() on held key = true, want false")
	}
	if _, ok := k.TryLock("other"); !ok {
		t.Error("TryLock() on other key = false, want true")
	}

	unlock()

	again, ok := k.TryLock("root")
	if !ok {
		t.Fatal("TryLock() after unlock = false, want true")
	}
	again()
}
