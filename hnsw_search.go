package hybridstore

import (
	"container/heap"
	"sort"
	"sync"
)

// candidate is one (label, distance) pair used by both the min-heap of
// unexplored candidates and the max-heap of current results in the greedy
// layered search (§4.5).
type candidate struct {
	label    uint32
	distance float32
}

type minCandidateHeap []candidate

func (h minCandidateHeap) Len() int            { return len(h) }
func (h minCandidateHeap) Less(i, j int) bool  { return h[i].distance < h[j].distance }
func (h minCandidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minCandidateHeap) Push(x any)         { *h = append(*h, x.(candidate)) }
func (h *minCandidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type maxCandidateHeap []candidate

func (h maxCandidateHeap) Len() int            { return len(h) }
func (h maxCandidateHeap) Less(i, j int) bool  { return h[i].distance > h[j].distance }
func (h maxCandidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxCandidateHeap) Push(x any)         { *h = append(*h, x.(candidate)) }
func (h *maxCandidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var minHeapPool = sync.Pool{New: func() any { h := make(minCandidateHeap, 0, 64); return &h }}
var maxHeapPool = sync.Pool{New: func() any { h := make(maxCandidateHeap, 0, 64); return &h }}

func getMinHeap() *minCandidateHeap {
	h := minHeapPool.Get().(*minCandidateHeap)
	*h = (*h)[:0]
	return h
}
func putMinHeap(h *minCandidateHeap) { minHeapPool.Put(h) }

func getMaxHeap() *maxCandidateHeap {
	h := maxHeapPool.Get().(*maxCandidateHeap)
	*h = (*h)[:0]
	return h
}
func putMaxHeap(h *maxCandidateHeap) { maxHeapPool.Put(h) }

// greedyDescend walks from entry toward vec using ef=1 at level, returning
// the label of the closest node found. Used both for insert's upper-level
// descent and search's descent above the base layer.
func (idx *hnswIndex) greedyDescend(vec []float32, entry uint32, level int) uint32 {
	current := entry
	currentDist := idx.distanceToLabel(vec, current)
	for {
		improved := false
		node := idx.nodes[current]
		if level >= len(node.connections) {
			break
		}
		for _, neighbor := range node.connections[level] {
			if idx.deleted.Contains(neighbor) {
				continue
			}
			d := idx.distanceToLabel(vec, neighbor)
			if d < currentDist {
				current = neighbor
				currentDist = d
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return current
}

// baseLayerSearch runs the standard greedy layered search at level, starting
// from entry, widening the candidate frontier to ef. It maintains a min-heap
// of unexplored candidates and a max-heap of up to ef current results,
// terminating when the closest unexplored candidate is farther than the
// worst kept result and the result set is full. Deleted neighbors are never
// pushed as candidates.
func (idx *hnswIndex) baseLayerSearch(vec []float32, entry uint32, ef, level int) []candidate {
	visited := make(map[uint32]bool)
	visited[entry] = true

	unexplored := getMinHeap()
	defer putMinHeap(unexplored)
	results := getMaxHeap()
	defer putMaxHeap(results)

	entryDist := idx.distanceToLabel(vec, entry)
	heap.Push(unexplored, candidate{label: entry, distance: entryDist})
	if !idx.deleted.Contains(entry) {
		heap.Push(results, candidate{label: entry, distance: entryDist})
	}

	for unexplored.Len() > 0 {
		current := heap.Pop(unexplored).(candidate)
		if results.Len() >= ef && current.distance > (*results)[0].distance {
			break
		}

		node := idx.nodes[current.label]
		if level >= len(node.connections) {
			continue
		}
		for _, neighbor := range node.connections[level] {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			if idx.deleted.Contains(neighbor) {
				continue
			}
			d := idx.distanceToLabel(vec, neighbor)
			if results.Len() < ef || d < (*results)[0].distance {
				heap.Push(unexplored, candidate{label: neighbor, distance: d})
				heap.Push(results, candidate{label: neighbor, distance: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, len(*results))
	copy(out, *results)
	return out
}

func (idx *hnswIndex) distanceToLabel(vec []float32, label uint32) float32 {
	return cosineDistance(vec, idx.nodes[label].vector)
}

// searchResult is one surviving candidate returned by Search, exposing the
// originating key rather than the internal label.
type searchResult struct {
	Key      uint64
	Distance float32
}

const epsSearch = 1e-3

// search implements §4.5's Search(query, ef, k): descend the upper levels
// with ef=1, widen at the base layer to max(efConstruction, k*10), then
// filter deleted nodes and anything matching a persisted deleted vector.
func (idx *hnswIndex) search(query []float32, k int) []searchResult {
	if k <= 0 || len(idx.nodes) == 0 || idx.currentMaxLevel < 0 {
		return nil
	}

	entry, ok := idx.validEntryPoint()
	if !ok {
		return nil
	}

	current := entry
	for level := idx.currentMaxLevel; level >= 1; level-- {
		current = idx.greedyDescend(query, current, level)
	}

	ef := idx.efConstruction
	if k*10 > ef {
		ef = k * 10
	}
	candidates := idx.baseLayerSearch(query, current, ef, 0)

	sortCandidatesAscending(candidates)

	out := make([]searchResult, 0, k)
	for _, c := range candidates {
		if len(out) >= k {
			break
		}
		if idx.deleted.Contains(c.label) {
			continue
		}
		node := idx.nodes[c.label]
		if idx.matchesPersistedDeleted(node.vector) {
			continue
		}
		out = append(out, searchResult{Key: node.key, Distance: c.distance})
	}
	return out
}

func (idx *hnswIndex) matchesPersistedDeleted(vec []float32) bool {
	for _, d := range idx.persistedDeletedVectors {
		if vectorsWithinTolerance(vec, d, epsSearch) {
			return true
		}
	}
	return false
}

// validEntryPoint implements the fallback in §4.5 step 1: if entryPoint is
// deleted or its level doesn't match currentMaxLevel, fall back to any valid
// node at the top level, scanning from label 0.
func (idx *hnswIndex) validEntryPoint() (uint32, bool) {
	if int(idx.entryPoint) < len(idx.nodes) {
		node := idx.nodes[idx.entryPoint]
		if !idx.deleted.Contains(idx.entryPoint) && node.maxLevel >= idx.currentMaxLevel {
			return idx.entryPoint, true
		}
	}
	for label := uint32(0); int(label) < len(idx.nodes); label++ {
		if idx.deleted.Contains(label) {
			continue
		}
		if idx.nodes[label].maxLevel >= idx.currentMaxLevel {
			return label, true
		}
	}
	for label := uint32(0); int(label) < len(idx.nodes); label++ {
		if !idx.deleted.Contains(label) {
			return label, true
		}
	}
	return 0, false
}

func sortCandidatesAscending(c []candidate) {
	sort.Slice(c, func(i, j int) bool { return c[i].distance < c[j].distance })
}
