package hybridstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const embeddingLogName = "embeddings.bin"

// deletedMarkerComponent is the value every component of the tombstone
// marker vector Dv holds: the maximum finite float32.
var deletedMarkerComponent = float32(math.MaxFloat32)

// deletedMarkerVector returns a fresh length-d vector whose every component
// is deletedMarkerComponent, used to record a deletion in the embedding log.
func deletedMarkerVector(d int) []float32 {
	v := make([]float32, d)
	for i := range v {
		v[i] = deletedMarkerComponent
	}
	return v
}

func isDeletedMarkerVector(v []float32) bool {
	for _, x := range v {
		if x != deletedMarkerComponent {
			return false
		}
	}
	return len(v) > 0
}

// embeddingStore is the append-only, tail-latest-wins vector log (§4.4). The
// in-memory map is reconstructed on open by scanning the file tail-to-head;
// the file itself is never rewritten in place, only appended to.
type embeddingStore struct {
	dir     string
	path    string
	dim     int
	dimSet  bool
	vectors map[uint64][]float32
	logf    func(format string, args ...any)
}

func openEmbeddingStore(dir string, logf func(string, ...any)) (*embeddingStore, error) {
	s := &embeddingStore{
		dir:     dir,
		path:    filepath.Join(dir, embeddingLogName),
		vectors: make(map[uint64][]float32),
		logf:    logf,
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load scans the log tail-to-head: for each key not yet seen, its vector
// (skipping the tombstone vector) becomes the authoritative in-memory value.
func (s *embeddingStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("hybridstore: read %s: %w", s.path, joinErr(ErrIO, err))
	}
	if len(data) < 8 {
		s.warn("embedding log too short, treating as empty: %s", s.path)
		return nil
	}
	dim := int(binary.LittleEndian.Uint64(data[0:8]))
	recordSize := 8 + 4*dim
	body := data[8:]
	if recordSize <= 0 || len(body)%recordSize != 0 {
		s.warn("embedding log record size misaligned, discarding: %s", s.path)
		return nil
	}
	n := len(body) / recordSize
	seen := make(map[uint64]bool, n)
	for i := n - 1; i >= 0; i-- {
		rec := body[i*recordSize : (i+1)*recordSize]
		key := binary.LittleEndian.Uint64(rec[0:8])
		if seen[key] {
			continue
		}
		seen[key] = true
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			bits := binary.LittleEndian.Uint32(rec[8+4*j : 12+4*j])
			vec[j] = math.Float32frombits(bits)
		}
		if isDeletedMarkerVector(vec) {
			continue
		}
		s.vectors[key] = vec
	}
	s.dim = dim
	s.dimSet = dim > 0 || n > 0
	return nil
}

// dimension reports the fixed dimension D, and whether it has been set yet.
func (s *embeddingStore) dimension() (int, bool) { return s.dim, s.dimSet }

// upsert sets the in-memory vector for key, fixing D on the first
// non-tombstone write and rejecting mismatched dimensions thereafter.
func (s *embeddingStore) upsert(key uint64, v []float32) error {
	if !s.dimSet {
		s.dim = len(v)
		s.dimSet = true
	} else if len(v) != s.dim {
		return fmt.Errorf("hybridstore: vector has %d components, want %d: %w", len(v), s.dim, ErrDimensionMismatch)
	}
	s.vectors[key] = append([]float32{}, v...)
	return nil
}

// get returns the in-memory vector for key, and whether it is present.
func (s *embeddingStore) get(key uint64) ([]float32, bool) {
	v, ok := s.vectors[key]
	return v, ok
}

// markDeleted removes key from the in-memory map; persistence (appending the
// deleted-marker vector to the log) happens at the next flush.
func (s *embeddingStore) markDeleted(key uint64) {
	delete(s.vectors, key)
}

// all returns the live in-memory map (not a copy) of every currently-visible
// (key, vector) pair, used by HybridStore.knn's exact baseline.
func (s *embeddingStore) all() map[uint64][]float32 {
	return s.vectors
}

// appendFlush writes the current in-memory vector (or the deleted-marker
// vector for tombstoned keys) for every key present in a frozen memtable
// batch. Called from the LSM engine's flush hook (§4.4).
func (s *embeddingStore) appendFlush(frozen []kv) error {
	if len(frozen) == 0 {
		return nil
	}
	if !s.dimSet {
		// Dimension is still unknown (no non-tombstone put has established
		// it). Nothing meaningful to persist yet.
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("hybridstore: open %s: %w", s.path, joinErr(ErrIO, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("hybridstore: stat %s: %w", s.path, joinErr(ErrIO, err))
	}
	if info.Size() == 0 {
		header := make([]byte, 8)
		binary.LittleEndian.PutUint64(header, uint64(s.dim))
		if _, err := f.Write(header); err != nil {
			return fmt.Errorf("hybridstore: write header %s: %w", s.path, joinErr(ErrIO, err))
		}
	}

	buf := make([]byte, 0, len(frozen)*(8+4*s.dim))
	for _, entry := range frozen {
		var vec []float32
		if isTombstone(entry.Value) {
			vec = deletedMarkerVector(s.dim)
		} else if v, ok := s.vectors[entry.Key]; ok {
			vec = v
		} else {
			vec = make([]float32, s.dim)
		}
		rec := make([]byte, 8+4*len(vec))
		binary.LittleEndian.PutUint64(rec[0:8], entry.Key)
		for i, x := range vec {
			binary.LittleEndian.PutUint32(rec[8+4*i:12+4*i], math.Float32bits(x))
		}
		buf = append(buf, rec...)
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("hybridstore: append %s: %w", s.path, joinErr(ErrIO, err))
	}
	return f.Sync()
}

// reset clears the in-memory map and removes the on-disk log. Dimension is
// not reset to unset by callers other than a full HybridStore.Reset, since
// this mirrors "the embedding log grows without bound; rewrite on reset" from
// the design notes.
func (s *embeddingStore) reset() error {
	s.vectors = make(map[uint64][]float32)
	s.dim = 0
	s.dimSet = false
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("hybridstore: remove %s: %w", s.path, joinErr(ErrIO, err))
	}
	return nil
}

func (s *embeddingStore) warn(format string, args ...any) {
	if s.logf != nil {
		s.logf(format, args...)
		return
	}
	fmt.Fprintf(os.Stderr, "hybridstore: "+format+"\n", args...)
}
