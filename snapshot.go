package hybridstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	globalHeaderName = "global_header.bin"
	deletedNodesName = "deleted_nodes.bin"
	nodesDirName     = "nodes"
	edgesDirName     = "edges"
)

// globalHeader is the fixed-size record written at snapshot_root/global_header.bin.
type globalHeader struct {
	m              uint32
	mMax           uint32
	efConstruction uint32
	maxLevel       uint32
	entryPoint     uint64
	activeNodes    uint64
	dimension      uint32
}

const globalHeaderSize = 4 + 4 + 4 + 4 + 8 + 8 + 4

func (h globalHeader) marshal() []byte {
	buf := make([]byte, globalHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.m)
	binary.LittleEndian.PutUint32(buf[4:8], h.mMax)
	binary.LittleEndian.PutUint32(buf[8:12], h.efConstruction)
	binary.LittleEndian.PutUint32(buf[12:16], h.maxLevel)
	binary.LittleEndian.PutUint64(buf[16:24], h.entryPoint)
	binary.LittleEndian.PutUint64(buf[24:32], h.activeNodes)
	binary.LittleEndian.PutUint32(buf[32:36], h.dimension)
	return buf
}

func unmarshalGlobalHeader(buf []byte) (globalHeader, error) {
	if len(buf) != globalHeaderSize {
		return globalHeader{}, ErrCorruption
	}
	return globalHeader{
		m:              binary.LittleEndian.Uint32(buf[0:4]),
		mMax:           binary.LittleEndian.Uint32(buf[4:8]),
		efConstruction: binary.LittleEndian.Uint32(buf[8:12]),
		maxLevel:       binary.LittleEndian.Uint32(buf[12:16]),
		entryPoint:     binary.LittleEndian.Uint64(buf[16:24]),
		activeNodes:    binary.LittleEndian.Uint64(buf[24:32]),
		dimension:      binary.LittleEndian.Uint32(buf[32:36]),
	}, nil
}

// nodeHeader is nodes/<label>/header.bin: {u32 max_level; u64 key}.
type nodeHeader struct {
	maxLevel uint32
	key      uint64
}

const nodeHeaderSize = 4 + 8

func (h nodeHeader) marshal() []byte {
	buf := make([]byte, nodeHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.maxLevel)
	binary.LittleEndian.PutUint64(buf[4:12], h.key)
	return buf
}

func unmarshalNodeHeader(buf []byte) (nodeHeader, error) {
	if len(buf) != nodeHeaderSize {
		return nodeHeader{}, ErrCorruption
	}
	return nodeHeader{
		maxLevel: binary.LittleEndian.Uint32(buf[0:4]),
		key:      binary.LittleEndian.Uint64(buf[4:12]),
	}, nil
}

// saveSnapshot implements §4.6's Save: write the global header, fan one task
// per non-deleted node out across a worker pool (or run serially when
// serial is true), then append pending_deleted_vectors to deleted_nodes.bin.
func (idx *hnswIndex) saveSnapshot(root string, serial bool, numWorkers int, logf func(string, ...any)) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("hybridstore: mkdir %s: %w", root, joinErr(ErrIO, err))
	}

	var active uint64
	for label := range idx.nodes {
		if !idx.deleted.Contains(uint32(label)) {
			active++
		}
	}

	header := globalHeader{
		m:              uint32(idx.m),
		mMax:           uint32(idx.mMax),
		efConstruction: uint32(idx.efConstruction),
		maxLevel:       uint32(maxInt(idx.currentMaxLevel, 0)),
		entryPoint:     uint64(idx.entryPoint),
		activeNodes:    active,
		dimension:      uint32(idx.dim),
	}
	if err := os.WriteFile(filepath.Join(root, globalHeaderName), header.marshal(), 0o644); err != nil {
		return fmt.Errorf("hybridstore: write %s: %w", globalHeaderName, joinErr(ErrIO, err))
	}

	type job struct {
		label uint32
		node  *hnswNode
	}
	var jobs []job
	for label, n := range idx.nodes {
		if idx.deleted.Contains(uint32(label)) {
			continue
		}
		if uint64(label) > uint64(^uint32(0)) {
			return ErrLabelOverflow
		}
		// Copy the node's own data so workers never touch shared mutable
		// state beyond the diagnostic sink (§9).
		cp := &hnswNode{key: n.key, label: n.label, maxLevel: n.maxLevel, connections: make([][]uint32, len(n.connections))}
		for l, c := range n.connections {
			cp.connections[l] = append([]uint32(nil), c...)
		}
		jobs = append(jobs, job{label: uint32(label), node: cp})
	}

	writeNode := func(j job) error {
		return writeSnapshotNode(root, j.label, j.node)
	}

	if serial || numWorkers <= 1 {
		for _, j := range jobs {
			if err := writeNode(j); err != nil {
				return err
			}
		}
	} else {
		pool := newWorkerPool(numWorkers)
		var mu sync.Mutex
		var firstErr error
		var wg sync.WaitGroup
		for _, j := range jobs {
			j := j
			wg.Add(1)
			task := func() {
				defer wg.Done()
				if err := writeNode(j); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					if logf != nil {
						logf("snapshot: node %d write failed: %v", j.label, err)
					}
				}
			}
			if err := pool.submit(context.Background(), task); err != nil {
				wg.Done()
				pool.close()
				return err
			}
		}
		wg.Wait()
		pool.close()
		if firstErr != nil {
			return firstErr
		}
	}

	return idx.writeDeletedNodes(root)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func writeSnapshotNode(root string, label uint32, node *hnswNode) error {
	nodeDir := filepath.Join(root, nodesDirName, strconv.FormatUint(uint64(label), 10))
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		return fmt.Errorf("hybridstore: mkdir %s: %w", nodeDir, joinErr(ErrIO, err))
	}
	h := nodeHeader{maxLevel: uint32(node.maxLevel), key: node.key}
	if err := os.WriteFile(filepath.Join(nodeDir, "header.bin"), h.marshal(), 0o644); err != nil {
		return fmt.Errorf("hybridstore: write node header %s: %w", nodeDir, joinErr(ErrIO, err))
	}

	for level, neighbors := range node.connections {
		if len(neighbors) == 0 {
			continue
		}
		edgesDir := filepath.Join(nodeDir, edgesDirName)
		if err := os.MkdirAll(edgesDir, 0o755); err != nil {
			return fmt.Errorf("hybridstore: mkdir %s: %w", edgesDir, joinErr(ErrIO, err))
		}
		buf := make([]byte, 4+4*len(neighbors))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(neighbors)))
		for i, nb := range neighbors {
			binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], nb)
		}
		path := filepath.Join(edgesDir, fmt.Sprintf("%d.bin", level))
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			return fmt.Errorf("hybridstore: write edges %s: %w", path, joinErr(ErrIO, err))
		}
	}
	return nil
}

// writeDeletedNodes truncates and rewrites deleted_nodes.bin from
// pending_deleted_vectors, written last per §4.6's ordering guarantee.
func (idx *hnswIndex) writeDeletedNodes(root string) error {
	path := filepath.Join(root, deletedNodesName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("hybridstore: open %s: %w", path, joinErr(ErrIO, err))
	}
	defer f.Close()

	var buf []byte
	for _, v := range idx.pendingDeletedVectors {
		for _, x := range v {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, math.Float32bits(x))
			buf = append(buf, b...)
		}
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("hybridstore: write %s: %w", path, joinErr(ErrIO, err))
	}
	return f.Sync()
}

// loadSnapshot implements §4.6's Load: read the global header, clear
// in-memory state, reconstruct every node and its outgoing edges, and load
// the deleted-vector sidecar.
func (idx *hnswIndex) loadSnapshot(root string, logf func(string, ...any)) error {
	headerBuf, err := os.ReadFile(filepath.Join(root, globalHeaderName))
	if err != nil {
		return fmt.Errorf("hybridstore: read %s: %w", globalHeaderName, joinErr(ErrIO, err))
	}
	header, err := unmarshalGlobalHeader(headerBuf)
	if err != nil {
		return fmt.Errorf("hybridstore: parse %s: %w", globalHeaderName, err)
	}

	if int(header.m) != idx.m || int(header.mMax) != idx.mMax || int(header.efConstruction) != idx.efConstruction || int(header.dimension) != idx.dim {
		if logf != nil {
			logf("snapshot parameters differ from live configuration (M=%d vs %d, MMax=%d vs %d, ef=%d vs %d, D=%d vs %d)",
				header.m, idx.m, header.mMax, idx.mMax, header.efConstruction, idx.efConstruction, header.dimension, idx.dim)
		}
	}

	idx.reset()
	idx.m = int(header.m)
	idx.mMax = int(header.mMax)
	idx.efConstruction = int(header.efConstruction)
	idx.dim = int(header.dimension)
	idx.entryPoint = uint32(header.entryPoint)
	idx.currentMaxLevel = int(header.maxLevel)

	nodesDir := filepath.Join(root, nodesDirName)
	entries, err := os.ReadDir(nodesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return idx.loadDeletedNodes(root)
		}
		return fmt.Errorf("hybridstore: read %s: %w", nodesDir, joinErr(ErrIO, err))
	}

	var labels []int
	byLabel := make(map[uint32]*hnswNode)
	var maxLabel uint32
	haveAny := false
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		label64, err := strconv.ParseUint(ent.Name(), 10, 32)
		if err != nil {
			if logf != nil {
				logf("snapshot: skipping unparseable node directory %q", ent.Name())
			}
			continue
		}
		label := uint32(label64)
		nodeDir := filepath.Join(nodesDir, ent.Name())
		hbuf, err := os.ReadFile(filepath.Join(nodeDir, "header.bin"))
		if err != nil {
			if logf != nil {
				logf("snapshot: discarding node %d: %v", label, err)
			}
			continue
		}
		nh, err := unmarshalNodeHeader(hbuf)
		if err != nil {
			if logf != nil {
				logf("snapshot: discarding node %d: corrupt header", label)
			}
			continue
		}

		node := newHNSWNode(nh.key, label, make([]float32, idx.dim), int(nh.maxLevel))
		edgesDir := filepath.Join(nodeDir, edgesDirName)
		if edgeEntries, err := os.ReadDir(edgesDir); err == nil {
			for _, ee := range edgeEntries {
				level, err := strconv.Atoi(strings.TrimSuffix(ee.Name(), ".bin"))
				if err != nil || level >= len(node.connections) {
					continue
				}
				ebuf, err := os.ReadFile(filepath.Join(edgesDir, ee.Name()))
				if err != nil || len(ebuf) < 4 {
					continue
				}
				n := binary.LittleEndian.Uint32(ebuf[0:4])
				if uint64(4+4*n) != uint64(len(ebuf)) {
					if logf != nil {
						logf("snapshot: edge file %s size mismatch, discarding", ee.Name())
					}
					continue
				}
				neighbors := make([]uint32, n)
				for i := uint32(0); i < n; i++ {
					neighbors[i] = binary.LittleEndian.Uint32(ebuf[4+4*i : 8+4*i])
				}
				node.connections[level] = neighbors
			}
		}

		byLabel[label] = node
		labels = append(labels, int(label))
		if label > maxLabel || !haveAny {
			maxLabel = label
			haveAny = true
		}
	}

	sort.Ints(labels)
	idx.nodes = make([]*hnswNode, 0, len(labels))
	for _, l := range labels {
		label := uint32(l)
		node := byLabel[label]
		for len(idx.nodes) <= int(label) {
			idx.nodes = append(idx.nodes, nil)
		}
		idx.nodes[label] = node
		idx.keyToLabel[node.key] = label
	}
	if haveAny {
		idx.nextLabel = maxLabel + 1
	}
	// Labels absent from the snapshot count as deleted; edges to them are dropped.
	for label, node := range idx.nodes {
		if node == nil {
			idx.deleted.Add(uint32(label))
			continue
		}
		for level, neighbors := range node.connections {
			kept := neighbors[:0]
			for _, nb := range neighbors {
				if _, ok := byLabel[nb]; ok {
					kept = append(kept, nb)
				}
			}
			node.connections[level] = kept
		}
	}

	return idx.loadDeletedNodes(root)
}

func (idx *hnswIndex) loadDeletedNodes(root string) error {
	path := filepath.Join(root, deletedNodesName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("hybridstore: read %s: %w", path, joinErr(ErrIO, err))
	}
	if idx.dim == 0 || len(data)%(4*idx.dim) != 0 {
		return nil
	}
	recordSize := 4 * idx.dim
	n := len(data) / recordSize
	idx.persistedDeletedVectors = make([][]float32, 0, n)
	for i := 0; i < n; i++ {
		rec := data[i*recordSize : (i+1)*recordSize]
		vec := make([]float32, idx.dim)
		for j := 0; j < idx.dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(rec[4*j : 4*j+4]))
		}
		idx.persistedDeletedVectors = append(idx.persistedDeletedVectors, vec)
	}
	return nil
}
