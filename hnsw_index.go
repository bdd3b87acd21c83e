package hybridstore

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// hnswIndex is the in-memory layered proximity graph (§4.5). Nodes live in
// an arena indexed by label; deleted-ness is tracked in a single shared
// roaring.Bitmap rather than a per-node flag — RoaringBitmap is already the
// example pack's idiom for compressed integer-ID set membership (the
// grounding example uses it the same way for its own soft-deleted node set),
// adapted here from a boolean per node to one shared structure.
type hnswIndex struct {
	dim            int
	m              int
	mMax           int
	efConstruction int
	mL             float64

	nodes      []*hnswNode
	keyToLabel map[uint64]uint32
	deleted    *roaring.Bitmap

	entryPoint      uint32
	currentMaxLevel int // -1 means empty graph
	nextLabel       uint32

	pendingDeletedVectors   [][]float32
	persistedDeletedVectors [][]float32

	rng *rand.Rand
}

func newHNSWIndex(m, mMax, efConstruction int) *hnswIndex {
	return &hnswIndex{
		m:               m,
		mMax:            mMax,
		efConstruction:  efConstruction,
		mL:              1 / math.Log(float64(m)),
		keyToLabel:      make(map[uint64]uint32),
		deleted:         roaring.New(),
		currentMaxLevel: -1,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// sampleLevel implements §4.5's level sampler: floor(-ln(U)*m_L) for U in
// (0,1], defensively capped so a single unlucky draw can't allocate an
// absurd number of connection slots (the spec notes implementations may cap
// at a safe bound; it is explicitly not clamped by the formula itself).
const hnswLevelCap = 31

func (idx *hnswIndex) sampleLevel() int {
	u := idx.rng.Float64()
	for u <= 0 {
		u = idx.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * idx.mL))
	if level > hnswLevelCap {
		level = hnswLevelCap
	}
	return level
}

// insert implements §4.5's Insert(key, vec): reuse an existing label in
// place if the key is already present, else allocate a fresh one.
func (idx *hnswIndex) insert(key uint64, vec []float32) {
	if idx.dim == 0 {
		idx.dim = len(vec)
	}

	level := idx.sampleLevel()

	var label uint32
	if existing, ok := idx.keyToLabel[key]; ok {
		label = existing
		node := idx.nodes[label]
		node.vector = append([]float32{}, vec...)
		node.resetConnections(level)
		idx.deleted.Remove(label)
	} else {
		label = idx.nextLabel
		idx.nextLabel++
		node := newHNSWNode(key, label, vec, level)
		idx.nodes = append(idx.nodes, node)
		idx.keyToLabel[key] = label
	}

	if idx.currentMaxLevel < 0 {
		idx.entryPoint = label
		idx.currentMaxLevel = level
		return
	}

	current := idx.entryPoint
	for lc := idx.currentMaxLevel; lc > level; lc-- {
		current = idx.greedyDescend(vec, current, lc)
	}

	top := level
	if idx.currentMaxLevel < top {
		top = idx.currentMaxLevel
	}
	for lc := top; lc >= 0; lc-- {
		candidates := idx.baseLayerSearch(vec, current, idx.efConstruction, lc)
		neighbors := closestN(candidates, idx.m, label)
		for _, n := range neighbors {
			idx.connect(label, n.label, lc)
			idx.connect(n.label, label, lc)
			idx.pruneIfNeeded(n.label, lc)
		}
		if len(neighbors) > 0 {
			current = neighbors[0].label
		}
		idx.pruneIfNeeded(label, lc)
	}

	if level > idx.currentMaxLevel {
		idx.currentMaxLevel = level
		idx.entryPoint = label
	}
}

// closestN returns up to n candidates closest to self (excluding self),
// ascending by distance.
func closestN(candidates []candidate, n int, self uint32) []candidate {
	filtered := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.label == self {
			continue
		}
		filtered = append(filtered, c)
	}
	sortCandidatesAscending(filtered)
	if len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered
}

func (idx *hnswIndex) connect(from, to uint32, level int) {
	node := idx.nodes[from]
	if level >= len(node.connections) {
		return
	}
	if node.hasNeighbor(level, to) {
		return
	}
	node.addNeighbor(level, to)
}

// pruneIfNeeded implements §4.5 step 6's neighbor-side pruning: if label's
// degree at level exceeds mMax after insertion, keep only the mMax closest
// neighbors by distance to label.
func (idx *hnswIndex) pruneIfNeeded(label uint32, level int) {
	node := idx.nodes[label]
	if level >= len(node.connections) || node.degree(level) <= idx.mMax {
		return
	}
	neighbors := node.connections[level]
	scored := make([]candidate, len(neighbors))
	for i, n := range neighbors {
		scored[i] = candidate{label: n, distance: idx.distanceToLabel(node.vector, n)}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].distance < scored[j].distance })
	kept := make([]uint32, idx.mMax)
	for i := 0; i < idx.mMax; i++ {
		kept[i] = scored[i].label
	}
	node.setNeighbors(level, kept)
}

// markDeleted implements §4.5's Delete: flip the deleted flag (via the
// shared bitmap) and remember the vector for the next snapshot save.
func (idx *hnswIndex) markDeleted(key uint64) bool {
	label, ok := idx.keyToLabel[key]
	if !ok || idx.deleted.Contains(label) {
		return false
	}
	idx.deleted.Add(label)
	idx.pendingDeletedVectors = append(idx.pendingDeletedVectors, append([]float32{}, idx.nodes[label].vector...))
	return true
}

func (idx *hnswIndex) isDeleted(key uint64) bool {
	label, ok := idx.keyToLabel[key]
	if !ok {
		return true
	}
	return idx.deleted.Contains(label)
}

// degreeInvariantHolds checks §4.5's degree invariant for every node, used
// by tests.
func (idx *hnswIndex) degreeInvariantHolds() bool {
	for _, n := range idx.nodes {
		for level := range n.connections {
			if n.degree(level) > idx.mMax {
				return false
			}
		}
	}
	return true
}

// rehydrateVectors fills in node.vector for every loaded node by looking up
// its key via lookup. Snapshot files carry only graph topology (§4.6's
// header/edges layout has no vector field) — vectors are the embedding
// log's responsibility, so a freshly loaded graph has zero vectors until
// this runs. Nodes with no matching embedding are left as zero vectors.
func (idx *hnswIndex) rehydrateVectors(lookup func(key uint64) ([]float32, bool)) {
	for _, n := range idx.nodes {
		if n == nil {
			continue
		}
		if v, ok := lookup(n.key); ok {
			n.vector = v
		}
	}
}

// reset clears all in-memory graph state.
func (idx *hnswIndex) reset() {
	idx.nodes = nil
	idx.keyToLabel = make(map[uint64]uint32)
	idx.deleted = roaring.New()
	idx.entryPoint = 0
	idx.currentMaxLevel = -1
	idx.nextLabel = 0
	idx.pendingDeletedVectors = nil
	idx.persistedDeletedVectors = nil
	idx.dim = 0
}
