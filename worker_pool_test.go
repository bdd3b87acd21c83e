package hybridstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkerPoolRunsAllTasks(t *testing.T) {
	pool := newWorkerPool(4)
	defer pool.close()

	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := pool.submit(context.Background(), func() {
			defer wg.Done()
			n.Add(1)
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	if n.Load() != 100 {
		t.Fatalf("ran %d tasks, want 100", n.Load())
	}
}

func TestWorkerPoolSubmitAfterCloseFails(t *testing.T) {
	pool := newWorkerPool(2)
	pool.close()
	if err := pool.submit(context.Background(), func() {}); err != ErrPoolStopped {
		t.Fatalf("submit after close = %v, want ErrPoolStopped", err)
	}
}

func TestWorkerPoolCloseIsIdempotent(t *testing.T) {
	pool := newWorkerPool(2)
	pool.close()
	pool.close()
}

func TestWorkerPoolDefaultSize(t *testing.T) {
	pool := newWorkerPool(0)
	defer pool.close()
	if pool.numWorkers < 2 {
		t.Fatalf("default pool size = %d, want at least 2", pool.numWorkers)
	}
}
