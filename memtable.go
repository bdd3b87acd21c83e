package hybridstore

import (
	"math/rand"
	"time"
)

// skipNode is one node of the memtable's skip list, keyed by uint64 per the
// spec rather than the string keys of the grounding example.
type skipNode struct {
	key     uint64
	value   []byte
	forward []*skipNode
}

// memtable is a probabilistic ordered map (skip list) keyed by uint64. It is
// the LSM engine's single mutable write surface; once it would overflow the
// run budget it is frozen and flushed into a SortedRun (see lsm.go).
//
// The engine is single-threaded for logical operations (§5), so byte
// accounting here is a plain int64, not the atomic counters the grounding
// example uses for its own concurrently-accessed memtable — there is no
// concurrent mutator to race against.
type memtable struct {
	head      *skipNode
	level     int
	sizeBytes int64
	entries   int
	rng       *rand.Rand
}

func newMemtable() *memtable {
	return &memtable{
		head:  &skipNode{forward: make([]*skipNode, skipListMaxLevel)},
		level: 1,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *memtable) randomLevel() int {
	lvl := 1
	for lvl < skipListMaxLevel && m.rng.Float64() < skipListP {
		lvl++
	}
	return lvl
}

// insert upserts key -> value, adjusting sizeBytes by the spec's accounting:
// 12+len(value) per live entry, or the delta new_len-old_len on overwrite.
func (m *memtable) insert(key uint64, value []byte) {
	update := make([]*skipNode, skipListMaxLevel)
	x := m.head
	for i := m.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].key < key {
			x = x.forward[i]
		}
		update[i] = x
	}

	x = x.forward[0]
	if x != nil && x.key == key {
		m.sizeBytes += int64(len(value) - len(x.value))
		x.value = value
		return
	}

	lvl := m.randomLevel()
	if lvl > m.level {
		for i := m.level; i < lvl; i++ {
			update[i] = m.head
		}
		m.level = lvl
	}

	node := &skipNode{key: key, value: value, forward: make([]*skipNode, lvl)}
	for i := 0; i < lvl; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}
	m.entries++
	m.sizeBytes += 12 + int64(len(value))
}

// search returns the value for key and whether it was found.
func (m *memtable) search(key uint64) ([]byte, bool) {
	x := m.head
	for i := m.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].key < key {
			x = x.forward[i]
		}
	}
	x = x.forward[0]
	if x == nil || x.key != key {
		return nil, false
	}
	return x.value, true
}

// delete physically removes key from the skip list, if present.
func (m *memtable) delete(key uint64) {
	update := make([]*skipNode, skipListMaxLevel)
	x := m.head
	for i := m.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].key < key {
			x = x.forward[i]
		}
		update[i] = x
	}
	x = x.forward[0]
	if x == nil || x.key != key {
		return
	}
	for i := 0; i < m.level; i++ {
		if update[i].forward[i] != x {
			continue
		}
		update[i].forward[i] = x.forward[i]
	}
	m.entries--
	m.sizeBytes -= 12 + int64(len(x.value))
}

// kv is one decoded (key, value) pair, the shape returned by the memtable and
// LSM scans; Store.Scan converts it to the exported KV.
type kv struct {
	Key   uint64
	Value []byte
}

// scan returns every entry with k1 <= key <= k2, ascending by key. An empty
// slice is returned (not an error) when k1 > k2.
func (m *memtable) scan(k1, k2 uint64) []kv {
	var out []kv
	if k1 > k2 {
		return out
	}
	x := m.head
	for i := m.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].key < k1 {
			x = x.forward[i]
		}
	}
	for n := x.forward[0]; n != nil && n.key <= k2; n = n.forward[0] {
		out = append(out, kv{Key: n.key, Value: n.value})
	}
	return out
}

// reset empties the memtable in place.
func (m *memtable) reset() {
	m.head = &skipNode{forward: make([]*skipNode, skipListMaxLevel)}
	m.level = 1
	m.sizeBytes = 0
	m.entries = 0
}

func (m *memtable) size() int64 { return m.sizeBytes }
func (m *memtable) count() int  { return m.entries }

// first returns the first (lowest-key) node for iteration, or nil if empty.
func (m *memtable) first() *skipNode { return m.head.forward[0] }

// isEmpty reports whether the memtable has no live entries.
func (m *memtable) isEmpty() bool { return m.entries == 0 }
