package hybridstore

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// tombstoneValue is the reserved byte-string value marking a deletion.
var tombstoneValue = []byte("~DELETED~")

func isTombstone(v []byte) bool {
	return string(v) == string(tombstoneValue)
}

// flushHook is invoked with every (key, value) that was live in the memtable
// at the moment it was frozen, just before the frozen entries are written to
// a SortedRun. HybridStore wires this to append the current embedding (or
// the deleted-marker vector for tombstones) to the EmbeddingStore log, per
// §4.4 — the LSM engine itself has no notion of embeddings.
type flushHook func(frozen []kv)

// lsmEngine implements the LSM write path: memtable admission, flush to
// level 0, and leveled compaction (§4.3). It is single-threaded for logical
// operations per §5 — callers do not need to hold a lock across a sequence
// of put/get/del/scan calls, and the engine does not take one internally.
type lsmEngine struct {
	dir       string
	cfg       *Config
	memtable  *memtable
	levels    map[int][]*sortedRun
	timestamp uint64
	onFlush   flushHook
}

func openLSMEngine(cfg *Config) (*lsmEngine, error) {
	e := &lsmEngine{
		dir:      cfg.Dir,
		cfg:      cfg,
		memtable: newMemtable(),
		levels:   make(map[int][]*sortedRun),
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("hybridstore: mkdir %s: %w", cfg.Dir, joinErr(ErrIO, err))
	}
	if err := e.loadLevels(); err != nil {
		return nil, err
	}
	return e, nil
}

// loadLevels scans dir for level-N directories (the directory listing is the
// catalog; there is no separate manifest — see SPEC_FULL.md §12) and opens
// every *.run file found, skipping any that fail to parse with a corruption
// warning rather than aborting the whole open.
func (e *lsmEngine) loadLevels() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("hybridstore: read dir %s: %w", e.dir, joinErr(ErrIO, err))
	}
	var maxTimestamp uint64
	for _, ent := range entries {
		if !ent.IsDir() || !strings.HasPrefix(ent.Name(), "level-") {
			continue
		}
		level, err := strconv.Atoi(strings.TrimPrefix(ent.Name(), "level-"))
		if err != nil {
			e.logf("skipping unparseable level directory %q", ent.Name())
			continue
		}
		levelDir := filepath.Join(e.dir, ent.Name())
		runFiles, err := os.ReadDir(levelDir)
		if err != nil {
			e.logf("skipping unreadable level directory %q: %v", ent.Name(), err)
			continue
		}
		var runs []*sortedRun
		for _, rf := range runFiles {
			if rf.IsDir() || !strings.HasSuffix(rf.Name(), ".run") {
				continue
			}
			run, err := openSortedRun(filepath.Join(levelDir, rf.Name()))
			if err != nil {
				e.logf("discarding corrupt run %q: %v", rf.Name(), err)
				continue
			}
			runs = append(runs, run)
			if run.header.timestamp > maxTimestamp {
				maxTimestamp = run.header.timestamp
			}
		}
		sort.Slice(runs, func(i, j int) bool { return runs[i].header.timestamp < runs[j].header.timestamp })
		if len(runs) > 0 {
			e.levels[level] = runs
		}
	}
	e.timestamp = maxTimestamp
	return nil
}

func (e *lsmEngine) logf(format string, args ...any) {
	if e.cfg.Logf != nil {
		e.cfg.Logf(format, args...)
		return
	}
	fmt.Fprintf(os.Stderr, "hybridstore: "+format+"\n", args...)
}

func (e *lsmEngine) nextTimestamp() uint64 {
	e.timestamp++
	return e.timestamp
}

// predictedSize implements §4.3 step 1: the post-insert memtable size had
// this put already been applied.
func (e *lsmEngine) predictedSize(key uint64, value []byte) int64 {
	if old, ok := e.memtable.search(key); ok {
		return e.memtable.size() - int64(len(old)) + int64(len(value))
	}
	return e.memtable.size() + 12 + int64(len(value))
}

func (e *lsmEngine) runBudgetExceeded(predicted int64) bool {
	return predicted+sortedRunHeaderSize+bloomFilterSize > e.cfg.RunBudget
}

// put implements §4.3's write path, flushing first when the budget would be
// exceeded and the memtable is non-empty.
func (e *lsmEngine) put(key uint64, value []byte) error {
	predicted := e.predictedSize(key, value)
	if e.runBudgetExceeded(predicted) && !e.memtable.isEmpty() {
		if err := e.flush(); err != nil {
			return err
		}
	}
	e.memtable.insert(key, value)
	return nil
}

func (e *lsmEngine) del(key uint64) error {
	return e.put(key, tombstoneValue)
}

// get implements §4.3's read path: memtable first, then level by level,
// short-circuiting after the first level that yields a result.
func (e *lsmEngine) get(key uint64) ([]byte, error) {
	if v, ok := e.memtable.search(key); ok {
		if isTombstone(v) {
			return nil, nil
		}
		return v, nil
	}

	levelNums := e.sortedLevelNumbers()
	for _, level := range levelNums {
		runs := e.levels[level]
		var best *sortedRun
		var bestValue []byte
		var bestTimestamp uint64
		found := false
		for _, r := range runs {
			if key < r.header.minKey || key > r.header.maxKey {
				continue
			}
			value, ok, err := r.lookup(key)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if !found || r.header.timestamp > bestTimestamp {
				found = true
				best = r
				bestValue = value
				bestTimestamp = r.header.timestamp
			}
		}
		if found {
			_ = best
			if isTombstone(bestValue) {
				return nil, nil
			}
			return bestValue, nil
		}
	}
	return nil, nil
}

func (e *lsmEngine) sortedLevelNumbers() []int {
	nums := make([]int, 0, len(e.levels))
	for l := range e.levels {
		nums = append(nums, l)
	}
	sort.Ints(nums)
	return nums
}

// scanCandidate is one entry in the merge heap: a key, its record's
// timestamp (memtable entries are given the maximum uint64 timestamp, i.e.
// always newest), its value, and the iterator it came from.
type scanCandidate struct {
	key       uint64
	timestamp uint64
	value     []byte
	source    int // index into the sources slice, for advancing after pop
}

type scanHeap []scanCandidate

func (h scanHeap) Len() int { return len(h) }
func (h scanHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].timestamp > h[j].timestamp // -timestamp ordering: larger ts first
}
func (h scanHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scanHeap) Push(x any)        { *h = append(*h, x.(scanCandidate)) }
func (h *scanHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeSource abstracts "the next (key,value,timestamp) ascending by key"
// over either the memtable's range or one SortedRun's range, so scan's
// k-way merge can treat them uniformly.
type mergeSource interface {
	valid() bool
	peekKey() uint64
	peekValue() ([]byte, error)
	timestamp() uint64
	advance()
}

type memtableSource struct {
	entries []kv
	pos     int
	ts      uint64
}

func (s *memtableSource) valid() bool          { return s.pos < len(s.entries) }
func (s *memtableSource) peekKey() uint64      { return s.entries[s.pos].Key }
func (s *memtableSource) peekValue() ([]byte, error) { return s.entries[s.pos].Value, nil }
func (s *memtableSource) timestamp() uint64    { return s.ts }
func (s *memtableSource) advance()             { s.pos++ }

type runSource struct {
	run *sortedRun
	pos int
	end int
}

func (s *runSource) valid() bool     { return s.pos < s.end }
func (s *runSource) peekKey() uint64 { return s.run.keyAt(s.pos) }
func (s *runSource) peekValue() ([]byte, error) {
	return s.run.readValue(s.pos)
}
func (s *runSource) timestamp() uint64 { return s.run.header.timestamp }
func (s *runSource) advance()          { s.pos++ }

// scan implements §4.3's k-way merge across the memtable and every
// intersecting SortedRun, suppressing tombstones and older duplicates.
// Returns an empty slice (not an error) when k1 > k2.
func (e *lsmEngine) scan(k1, k2 uint64) ([]kv, error) {
	if k1 > k2 {
		return nil, nil
	}

	var sources []mergeSource
	memEntries := e.memtable.scan(k1, k2)
	if len(memEntries) > 0 {
		sources = append(sources, &memtableSource{entries: memEntries, ts: ^uint64(0)})
	}
	for _, level := range e.sortedLevelNumbers() {
		for _, r := range e.levels[level] {
			if !r.overlaps(k1, k2) {
				continue
			}
			start := r.rangeLowerBound(k1)
			end := r.rangeLowerBound(k2 + 1)
			if k2 == ^uint64(0) {
				end = r.count()
			}
			if start >= end {
				continue
			}
			sources = append(sources, &runSource{run: r, pos: start, end: end})
		}
	}

	h := &scanHeap{}
	heap.Init(h)
	for i, s := range sources {
		if !s.valid() {
			continue
		}
		v, err := s.peekValue()
		if err != nil {
			return nil, err
		}
		heap.Push(h, scanCandidate{key: s.peekKey(), timestamp: s.timestamp(), value: v, source: i})
	}

	var out []kv
	for h.Len() > 0 {
		top := heap.Pop(h).(scanCandidate)
		src := sources[top.source]
		src.advance()
		if src.valid() {
			v, err := src.peekValue()
			if err != nil {
				return nil, err
			}
			heap.Push(h, scanCandidate{key: src.peekKey(), timestamp: src.timestamp(), value: v, source: top.source})
		}

		// Drain and discard any older duplicates of the same key still at
		// the top of the heap before deciding whether to emit.
		for h.Len() > 0 && (*h)[0].key == top.key {
			dup := heap.Pop(h).(scanCandidate)
			dsrc := sources[dup.source]
			dsrc.advance()
			if dsrc.valid() {
				v, err := dsrc.peekValue()
				if err != nil {
					return nil, err
				}
				heap.Push(h, scanCandidate{key: dsrc.peekKey(), timestamp: dsrc.timestamp(), value: v, source: dup.source})
			}
		}

		if isTombstone(top.value) {
			continue
		}
		out = append(out, kv{Key: top.key, Value: top.value})
	}
	return out, nil
}

// flush freezes the memtable into a SortedRun at level 0, invokes onFlush
// with the frozen entries first (so EmbeddingStore sees them before the
// memtable is cleared), then compacts if level 0 now overflows.
func (e *lsmEngine) flush() error {
	if e.memtable.isEmpty() {
		return nil
	}

	var frozen []kv
	for n := e.memtable.first(); n != nil; n = n.forward[0] {
		frozen = append(frozen, kv{Key: n.key, Value: n.value})
	}

	if e.onFlush != nil {
		e.onFlush(frozen)
	}

	records := make([]sortedRunRecord, len(frozen))
	for i, f := range frozen {
		records[i] = sortedRunRecord{Key: f.Key, Value: f.Value}
	}

	ts := e.nextTimestamp()
	levelDir := filepath.Join(e.dir, "level-0")
	if err := os.MkdirAll(levelDir, 0o755); err != nil {
		return fmt.Errorf("hybridstore: mkdir %s: %w", levelDir, joinErr(ErrIO, err))
	}
	path := filepath.Join(levelDir, fmt.Sprintf("%d.run", ts))
	run, err := writeSortedRun(path, ts, records)
	if err != nil {
		return err
	}

	e.levels[0] = append(e.levels[0], run)
	e.memtable.reset()

	return e.maybeCompact()
}

// close flushes any pending writes. There is no background flush timer in
// this design — flush is purely size-triggered — so Close performs one last
// flush on a non-empty memtable, matching "last successfully flushed state
// recovers" (§1) across process exit.
func (e *lsmEngine) close() error {
	return e.flush()
}

// resetState empties the memtable and deletes every level directory,
// leaving the engine ready to accept writes as if newly opened.
func (e *lsmEngine) resetState() error {
	e.memtable.reset()
	e.levels = make(map[int][]*sortedRun)
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("hybridstore: read dir %s: %w", e.dir, joinErr(ErrIO, err))
	}
	for _, ent := range entries {
		if ent.IsDir() && strings.HasPrefix(ent.Name(), "level-") {
			if err := os.RemoveAll(filepath.Join(e.dir, ent.Name())); err != nil {
				return fmt.Errorf("hybridstore: remove %s: %w", ent.Name(), joinErr(ErrIO, err))
			}
		}
	}
	e.timestamp = 0
	return nil
}
