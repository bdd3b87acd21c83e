package hybridstore

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// levelCapacity implements §4.3: level 0 holds L0Limit files; level L>=1
// holds 2^(L+1) files.
func (e *lsmEngine) levelCapacity(level int) int {
	if level == 0 {
		return e.cfg.L0Limit
	}
	return 1 << (level + 1)
}

// maybeCompact checks every level in ascending order and compacts the first
// one found to be over capacity. Compaction of one level can push the next
// level over capacity in turn, so this repeats until no level overflows.
//
// The grounding example's own compactSegments() stops short of this: its own
// comment admits "we'll skip the actual merging logic and just flush the
// merged index". SPEC_FULL.md §12 commits to the full corrected semantics
// below instead of reproducing that stub.
func (e *lsmEngine) maybeCompact() error {
	for {
		compacted := false
		for _, level := range e.sortedLevelNumbers() {
			if len(e.levels[level]) <= e.levelCapacity(level) {
				continue
			}
			if level == 0 {
				if err := e.compactLevelZero(); err != nil {
					return err
				}
			} else {
				if err := e.compactLevel(level); err != nil {
					return err
				}
			}
			compacted = true
			break
		}
		if !compacted {
			return nil
		}
	}
}

// compactLevelZero merges every level-0 run with every overlapping level-1
// run into fresh level-1 runs of up to RunBudget size each.
func (e *lsmEngine) compactLevelZero() error {
	l0 := e.levels[0]
	if len(l0) == 0 {
		return nil
	}
	minKey, maxKey := combinedRange(l0)
	l1 := e.levels[1]
	var overlapping, remaining []*sortedRun
	for _, r := range l1 {
		if r.overlaps(minKey, maxKey) {
			overlapping = append(overlapping, r)
		} else {
			remaining = append(remaining, r)
		}
	}

	inputs := append(append([]*sortedRun{}, l0...), overlapping...)
	// Tombstones drop only at the lowest level the data reaches: if level 2
	// is currently empty, level 1 is terminal for these keys.
	dropTombstones := len(e.levels[2]) == 0
	newRuns, err := e.mergeRuns(inputs, 1, dropTombstones)
	if err != nil {
		return err
	}

	e.levels[1] = append(remaining, newRuns...)
	sort.Slice(e.levels[1], func(i, j int) bool { return e.levels[1][i].header.minKey < e.levels[1][j].header.minKey })
	delete(e.levels, 0)

	return e.deleteRuns(inputs)
}

// compactLevel merges the oldest (count-cap) runs of level with every
// overlapping run in level+1, writing the result to level+1.
func (e *lsmEngine) compactLevel(level int) error {
	runs := append([]*sortedRun{}, e.levels[level]...)
	cap := e.levelCapacity(level)
	overflow := len(runs) - cap
	if overflow <= 0 {
		return nil
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].header.timestamp < runs[j].header.timestamp })
	oldest := runs[:overflow]
	keep := runs[overflow:]

	minKey, maxKey := combinedRange(oldest)
	next := e.levels[level+1]
	var overlapping, remaining []*sortedRun
	for _, r := range next {
		if r.overlaps(minKey, maxKey) {
			overlapping = append(overlapping, r)
		} else {
			remaining = append(remaining, r)
		}
	}

	inputs := append(append([]*sortedRun{}, oldest...), overlapping...)
	// Tombstones drop only at the lowest level the data reaches: if level+1
	// is currently the deepest level with any runs, this merge is terminal
	// for these keys and tombstones may be dropped; otherwise they propagate.
	dropTombstones := len(e.levels[level+2]) == 0
	newRuns, err := e.mergeRuns(inputs, level+1, dropTombstones)
	if err != nil {
		return err
	}

	e.levels[level] = keep
	e.levels[level+1] = append(remaining, newRuns...)
	sort.Slice(e.levels[level+1], func(i, j int) bool { return e.levels[level+1][i].header.minKey < e.levels[level+1][j].header.minKey })

	return e.deleteRuns(inputs)
}

func combinedRange(runs []*sortedRun) (uint64, uint64) {
	min, max := runs[0].header.minKey, runs[0].header.maxKey
	for _, r := range runs[1:] {
		if r.header.minKey < min {
			min = r.header.minKey
		}
		if r.header.maxKey > max {
			max = r.header.maxKey
		}
	}
	return min, max
}

// mergeRuns performs the multi-way merge of inputs (key-latest-wins,
// tombstones dropped only when dropTombstones is true — i.e. the lowest
// level the data reaches) and writes the result to outputLevel in RunBudget
// -sized chunks, each stamped with a fresh monotonic timestamp.
func (e *lsmEngine) mergeRuns(inputs []*sortedRun, outputLevel int, dropTombstones bool) ([]*sortedRun, error) {
	type mergeCandidate struct {
		key       uint64
		timestamp uint64
		value     []byte
		source    int
	}
	iters := make([]*runIterator, len(inputs))
	for i, r := range inputs {
		iters[i] = newRunIterator(r)
	}

	h := &mergeRunHeap{}
	heap.Init(h)
	for i, it := range iters {
		if !it.valid() {
			continue
		}
		v, err := it.value()
		if err != nil {
			return nil, err
		}
		heap.Push(h, mergeCandidateItem{key: it.key(), timestamp: inputs[i].header.timestamp, value: v, source: i})
	}

	levelDir := filepath.Join(e.dir, fmt.Sprintf("level-%d", outputLevel))
	if err := os.MkdirAll(levelDir, 0o755); err != nil {
		return nil, fmt.Errorf("hybridstore: mkdir %s: %w", levelDir, joinErr(ErrIO, err))
	}

	var outRuns []*sortedRun
	var batch []sortedRunRecord
	var batchBytes int64

	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		ts := e.nextTimestamp()
		path := filepath.Join(levelDir, fmt.Sprintf("%d.run", ts))
		run, err := writeSortedRun(path, ts, batch)
		if err != nil {
			return err
		}
		outRuns = append(outRuns, run)
		batch = nil
		batchBytes = 0
		return nil
	}

	for h.Len() > 0 {
		top := heap.Pop(h).(mergeCandidateItem)
		it := iters[top.source]
		it.advance()
		if it.valid() {
			v, err := it.value()
			if err != nil {
				return nil, err
			}
			heap.Push(h, mergeCandidateItem{key: it.key(), timestamp: inputs[top.source].header.timestamp, value: v, source: top.source})
		}

		for h.Len() > 0 && (*h)[0].key == top.key {
			dup := heap.Pop(h).(mergeCandidateItem)
			dit := iters[dup.source]
			dit.advance()
			if dit.valid() {
				v, err := dit.value()
				if err != nil {
					return nil, err
				}
				heap.Push(h, mergeCandidateItem{key: dit.key(), timestamp: inputs[dup.source].header.timestamp, value: v, source: dup.source})
			}
			if dup.timestamp > top.timestamp {
				top = dup
			}
		}

		if isTombstone(top.value) && dropTombstones {
			continue
		}

		batch = append(batch, sortedRunRecord{Key: top.key, Value: top.value})
		batchBytes += sortedRunIndexEntrySize + int64(len(top.value))
		if batchBytes+sortedRunHeaderSize+bloomFilterSize > e.cfg.RunBudget {
			if err := flushBatch(); err != nil {
				return nil, err
			}
		}
	}
	if err := flushBatch(); err != nil {
		return nil, err
	}

	return outRuns, nil
}

type mergeCandidateItem struct {
	key       uint64
	timestamp uint64
	value     []byte
	source    int
}

type mergeRunHeap []mergeCandidateItem

func (h mergeRunHeap) Len() int { return len(h) }
func (h mergeRunHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].timestamp > h[j].timestamp
}
func (h mergeRunHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeRunHeap) Push(x any)   { *h = append(*h, x.(mergeCandidateItem)) }
func (h *mergeRunHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// deleteRuns removes the input run files from disk only after their
// replacement outputs have already been written and indexed in memory,
// preserving the crash-safe ordering required by §4.3.
func (e *lsmEngine) deleteRuns(runs []*sortedRun) error {
	for _, r := range runs {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("hybridstore: remove %s: %w", r.path, joinErr(ErrIO, err))
		}
	}
	return nil
}
