package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "k")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("%d holders inside at once, want 1", maxInside)
	}
	if km.Len() != 0 {
		t.Errorf("Len = %d after all unlocks, want 0", km.Len())
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()
	unlockA, err := km.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock on held key = %v, want deadline exceeded", err)
	}

	unlock()
	unlock() // second call is a no-op
	if km.Len() != 0 {
		t.Errorf("Len = %d, want 0", km.Len())
	}
}

func TestDedupKey(t *testing.T) {
	if DedupKey("c", "ab", "x") == DedupKey("c", "a", "bx") {
		t.Error("keys of different scopes collide")
	}
	if DedupKey("c", "", "h") != DedupKey("c", "", "h") {
		t.Error("DedupKey is not deterministic")
	}
}
