package hybridstore

import (
	"fmt"
	"path/filepath"
	"testing"
)

// hashEmbed is a deterministic, dependency-free stand-in for a real
// embedding model: it spreads each byte of v across a fixed-width vector so
// that distinct strings produce distinct, stable directions.
func hashEmbed(dim int) func(string) []float32 {
	return func(v string) []float32 {
		vec := make([]float32, dim)
		for i, b := range []byte(v) {
			vec[i%dim] += float32(b)
		}
		if isZeroVector(vec) {
			vec[0] = 1
		}
		return vec
	}
}

func openTestStore(t *testing.T, dim int) *Store {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.RunBudget = 8192
	cfg.L0Limit = 3
	cfg.Embed = hashEmbed(dim)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Scenario 1: put 128 records, get each, assert equality.
func TestStorePutGet128Records(t *testing.T) {
	s := openTestStore(t, 8)
	for i := uint64(0); i < 128; i++ {
		v := fmt.Sprintf("value-%d", i)
		if err := s.Put(i, v); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := uint64(0); i < 128; i++ {
		want := fmt.Sprintf("value-%d", i)
		got, err := s.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if got != want {
			t.Fatalf("Get(%d) = %q, want %q", i, got, want)
		}
	}
}

// Scenario 2: put 128, delete 0-63, check visibility.
func TestStoreDeleteRangeVisibility(t *testing.T) {
	s := openTestStore(t, 8)
	for i := uint64(0); i < 128; i++ {
		if err := s.Put(i, fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := uint64(0); i < 64; i++ {
		if err := s.Del(i); err != nil {
			t.Fatalf("Del(%d): %v", i, err)
		}
	}
	for i := uint64(0); i < 64; i++ {
		got, err := s.Get(i)
		if err != nil || got != "" {
			t.Fatalf("Get(%d) = %q, %v, want empty", i, got, err)
		}
	}
	for i := uint64(64); i < 128; i++ {
		want := fmt.Sprintf("v%d", i)
		got, err := s.Get(i)
		if err != nil || got != want {
			t.Fatalf("Get(%d) = %q, %v, want %q", i, got, err, want)
		}
	}
}

// Scenario 3: upsert key 7 twice with precomputed vectors, knn_hnsw finds
// the latest value.
func TestStorePutPrecomputedUpsertThenKnnHNSW(t *testing.T) {
	s := openTestStore(t, 4)
	if err := s.PutPrecomputed(7, "first", []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("PutPrecomputed 1: %v", err)
	}
	if err := s.PutPrecomputed(7, "second", []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("PutPrecomputed 2: %v", err)
	}

	results, err := s.KnnHNSW([]float32{0, 1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("KnnHNSW: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("KnnHNSW returned %d results, want 1", len(results))
	}
	if results[0].Key != 7 || results[0].Value != "second" {
		t.Fatalf("KnnHNSW result = %+v, want key=7 value=second", results[0])
	}
}

// Scenario 4: insert 200 records (forcing a flush), sample gets.
func TestStoreFlushThenSampleGet(t *testing.T) {
	s := openTestStore(t, 8)
	for i := uint64(0); i < 200; i++ {
		if err := s.Put(i, fmt.Sprintf("val-%d-padded-a-bit-more", i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := uint64(0); i < 200; i += 13 {
		want := fmt.Sprintf("val-%d-padded-a-bit-more", i)
		got, err := s.Get(i)
		if err != nil || got != want {
			t.Fatalf("Get(%d) = %q, %v, want %q", i, got, err, want)
		}
	}
}

// Scenario 5: save snapshot serially and in parallel to two roots, load
// each into a fresh store sharing the same embeddings, compare top-5 label
// sets against the pre-save store.
func TestStoreSnapshotSaveLoadAgreement(t *testing.T) {
	s := openTestStore(t, 8)
	for i := uint64(0); i < 100; i++ {
		if err := s.Put(i, fmt.Sprintf("doc-%d", i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	serialRoot := filepath.Join(t.TempDir(), "serial-snap")
	parallelRoot := filepath.Join(t.TempDir(), "parallel-snap")
	if err := s.SaveSnapshot(serialRoot, true); err != nil {
		t.Fatalf("SaveSnapshot serial: %v", err)
	}
	if err := s.SaveSnapshot(parallelRoot, false); err != nil {
		t.Fatalf("SaveSnapshot parallel: %v", err)
	}

	query := hashEmbed(8)("doc-42")
	before, err := s.KnnHNSW(query, 5)
	if err != nil {
		t.Fatalf("KnnHNSW before: %v", err)
	}
	beforeKeys := map[uint64]bool{}
	for _, r := range before {
		beforeKeys[r.Key] = true
	}

	for _, root := range []string{serialRoot, parallelRoot} {
		fresh := openTestStore(t, 8)
		fresh.embed = s.embed // share embeddings.bin contents in memory
		if err := fresh.LoadSnapshot(root); err != nil {
			t.Fatalf("LoadSnapshot(%s): %v", root, err)
		}
		after, err := fresh.KnnHNSW(query, 5)
		if err != nil {
			t.Fatalf("KnnHNSW after(%s): %v", root, err)
		}
		afterKeys := map[uint64]bool{}
		for _, r := range after {
			afterKeys[r.Key] = true
		}
		if len(beforeKeys) != len(afterKeys) {
			t.Fatalf("root %s: result count differs before=%d after=%d", root, len(beforeKeys), len(afterKeys))
		}
		for key := range beforeKeys {
			if !afterKeys[key] {
				t.Fatalf("root %s: key %d in top-5 before save but not after load", root, key)
			}
		}
	}
}

// Scenario 6: delete 50 of 100 keys, save snapshot, reopen, knn_hnsw never
// returns a deleted key.
func TestStoreSnapshotNeverReturnsDeletedKeys(t *testing.T) {
	s := openTestStore(t, 8)
	for i := uint64(0); i < 100; i++ {
		if err := s.Put(i, fmt.Sprintf("doc-%d", i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	deleted := map[uint64]bool{}
	for i := uint64(0); i < 50; i++ {
		if err := s.Del(i); err != nil {
			t.Fatalf("Del(%d): %v", i, err)
		}
		deleted[i] = true
	}

	root := filepath.Join(t.TempDir(), "snap")
	if err := s.SaveSnapshot(root, false); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	fresh := openTestStore(t, 8)
	fresh.embed = s.embed
	if err := fresh.LoadSnapshot(root); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	for i := uint64(50); i < 70; i++ {
		query := hashEmbed(8)(fmt.Sprintf("doc-%d", i))
		results, err := fresh.KnnHNSW(query, 20)
		if err != nil {
			t.Fatalf("KnnHNSW: %v", err)
		}
		for _, r := range results {
			if deleted[r.Key] {
				t.Fatalf("query doc-%d: deleted key %d appeared in results", i, r.Key)
			}
		}
	}
}

func TestStoreKnnExactBaselineRanksBySimilarity(t *testing.T) {
	s := openTestStore(t, 4)
	if err := s.PutPrecomputed(1, "a", []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("PutPrecomputed: %v", err)
	}
	if err := s.PutPrecomputed(2, "b", []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("PutPrecomputed: %v", err)
	}

	results, err := s.Knn([]float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Knn: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Knn returned %d results, want 2", len(results))
	}
	if results[0].Key != 1 {
		t.Fatalf("closest key = %d, want 1", results[0].Key)
	}
}

func TestStoreKnnKZeroReturnsEmpty(t *testing.T) {
	s := openTestStore(t, 4)
	results, err := s.Knn([]float32{1, 0, 0, 0}, 0)
	if err != nil {
		t.Fatalf("Knn: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Knn(k=0) = %v, want empty", results)
	}
}

func TestStoreKnnHNSWEmptyGraphReturnsEmpty(t *testing.T) {
	s := openTestStore(t, 4)
	results, err := s.KnnHNSW([]float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("KnnHNSW: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("KnnHNSW on empty graph = %v, want empty", results)
	}
}

func TestStoreKnnHNSWTextPadsWithSentinelKey(t *testing.T) {
	s := openTestStore(t, 4)
	if err := s.Put(1, "only one record"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	results, err := s.KnnHNSWText("a distinct query text", 5)
	if err != nil {
		t.Fatalf("KnnHNSWText: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("KnnHNSWText returned %d results, want 5 (padded)", len(results))
	}

	sawSentinel := false
	sentinelKey := ^uint64(0)
	for _, r := range results {
		if r.Key == sentinelKey {
			sawSentinel = true
			if r.Value != "a distinct query text" {
				t.Fatalf("sentinel padding value = %q, want the query text", r.Value)
			}
		}
	}
	if !sawSentinel {
		t.Fatal("expected at least one sentinel-key padding entry")
	}
}

func TestStoreScanEmptyWhenK1GreaterThanK2(t *testing.T) {
	s := openTestStore(t, 4)
	if err := s.Put(1, "x"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Scan(10, 1)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Scan(10,1) = %v, want empty", got)
	}
}

func TestStoreResetClearsEverything(t *testing.T) {
	s := openTestStore(t, 4)
	for i := uint64(0); i < 20; i++ {
		if err := s.Put(i, fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for i := uint64(0); i < 20; i++ {
		got, err := s.Get(i)
		if err != nil || got != "" {
			t.Fatalf("Get(%d) after reset = %q, %v, want empty", i, got, err)
		}
	}
	results, err := s.KnnHNSW([]float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("KnnHNSW after reset: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("KnnHNSW after reset = %v, want empty", results)
	}
}

func TestStoreOperationsAfterCloseReturnErrClosed(t *testing.T) {
	s := openTestStore(t, 4)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Put(1, "x"); err != ErrClosed {
		t.Fatalf("Put after close = %v, want ErrClosed", err)
	}
	if _, err := s.Get(1); err != ErrClosed {
		t.Fatalf("Get after close = %v, want ErrClosed", err)
	}
}
