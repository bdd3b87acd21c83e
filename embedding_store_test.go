package hybridstore

import "testing"

func TestEmbeddingStoreUpsertAndGet(t *testing.T) {
	s, err := openEmbeddingStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("openEmbeddingStore: %v", err)
	}
	if err := s.upsert(1, []float32{1, 2, 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	v, ok := s.get(1)
	if !ok || len(v) != 3 {
		t.Fatalf("get(1) = %v, %v", v, ok)
	}
}

func TestEmbeddingStoreDimensionMismatchRejected(t *testing.T) {
	s, err := openEmbeddingStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("openEmbeddingStore: %v", err)
	}
	if err := s.upsert(1, []float32{1, 2, 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.upsert(2, []float32{1, 2}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestEmbeddingStoreAppendFlushAndReloadTailWins(t *testing.T) {
	dir := t.TempDir()
	s, err := openEmbeddingStore(dir, nil)
	if err != nil {
		t.Fatalf("openEmbeddingStore: %v", err)
	}
	if err := s.upsert(1, []float32{1, 0, 0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.appendFlush([]kv{{Key: 1, Value: []byte("v1")}}); err != nil {
		t.Fatalf("appendFlush: %v", err)
	}

	if err := s.upsert(1, []float32{0, 1, 0}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.appendFlush([]kv{{Key: 1, Value: []byte("v2")}}); err != nil {
		t.Fatalf("appendFlush: %v", err)
	}

	reopened, err := openEmbeddingStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, ok := reopened.get(1)
	if !ok {
		t.Fatal("expected key 1 to be present after reload")
	}
	if v[0] != 0 || v[1] != 1 {
		t.Fatalf("tail-latest-wins violated: got %v, want [0,1,0]", v)
	}
}

func TestEmbeddingStoreTombstoneMeansAbsentAfterReload(t *testing.T) {
	dir := t.TempDir()
	s, err := openEmbeddingStore(dir, nil)
	if err != nil {
		t.Fatalf("openEmbeddingStore: %v", err)
	}
	if err := s.upsert(1, []float32{1, 2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.appendFlush([]kv{{Key: 1, Value: []byte("v")}}); err != nil {
		t.Fatalf("appendFlush: %v", err)
	}
	s.markDeleted(1)
	if err := s.appendFlush([]kv{{Key: 1, Value: tombstoneValue}}); err != nil {
		t.Fatalf("appendFlush tombstone: %v", err)
	}

	reopened, err := openEmbeddingStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.get(1); ok {
		t.Fatal("expected key 1 to be absent after tombstone reload")
	}
}

func TestIsDeletedMarkerVector(t *testing.T) {
	if !isDeletedMarkerVector(deletedMarkerVector(4)) {
		t.Fatal("deletedMarkerVector should be recognized as the marker")
	}
	if isDeletedMarkerVector([]float32{1, 2, 3}) {
		t.Fatal("ordinary vector should not be recognized as the marker")
	}
}
