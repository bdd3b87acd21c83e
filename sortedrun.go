package hybridstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// sortedRunHeader is the fixed 32-byte header at the start of every .run
// file: timestamp (8) + count (8) + minKey (8) + maxKey (8).
type sortedRunHeader struct {
	timestamp uint64
	count     uint64
	minKey    uint64
	maxKey    uint64
}

func (h sortedRunHeader) marshal() []byte {
	buf := make([]byte, sortedRunHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.timestamp)
	binary.LittleEndian.PutUint64(buf[8:16], h.count)
	binary.LittleEndian.PutUint64(buf[16:24], h.minKey)
	binary.LittleEndian.PutUint64(buf[24:32], h.maxKey)
	return buf
}

func unmarshalSortedRunHeader(buf []byte) (sortedRunHeader, error) {
	if len(buf) != sortedRunHeaderSize {
		return sortedRunHeader{}, ErrCorruption
	}
	return sortedRunHeader{
		timestamp: binary.LittleEndian.Uint64(buf[0:8]),
		count:     binary.LittleEndian.Uint64(buf[8:16]),
		minKey:    binary.LittleEndian.Uint64(buf[16:24]),
		maxKey:    binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// indexEntry is one (key, offset) pair in a SortedRun's index region.
type indexEntry struct {
	key    uint64
	offset uint32
}

// sortedRun is an immutable on-disk sorted file: header + bloom filter +
// index + packed values, read lazily (the index is kept in memory once
// opened; values are read on demand with a single seeked read).
type sortedRun struct {
	path   string
	header sortedRunHeader
	bloom  *bloomFilter
	index  []indexEntry

	// valuesOffset is the byte offset where the value region begins.
	valuesOffset int64
}

// sortedRunRecord is one (key, value) pair ready to be written into a run.
// A value whose bytes equal tombstoneValue represents a deletion; callers
// pass the literal TOMBSTONE bytes, not a separate flag.
type sortedRunRecord struct {
	Key   uint64
	Value []byte
}

// writeSortedRun writes records (must already be sorted strictly ascending
// by key, with at most one entry per key) to path, returning the resulting
// sortedRun. It is an error to write zero records — "writers must never emit
// an empty run" (§4.1).
func writeSortedRun(path string, timestamp uint64, records []sortedRunRecord) (*sortedRun, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("hybridstore: refusing to write empty run: %w", ErrIO)
	}

	bloom := newBloomFilter()
	index := make([]indexEntry, len(records))
	var valuesBuf []byte
	offsets := make([]uint32, len(records)+1)
	for i, r := range records {
		bloom.add(r.Key)
		offsets[i] = uint32(len(valuesBuf))
		valuesBuf = append(valuesBuf, r.Value...)
		index[i] = indexEntry{key: r.Key, offset: offsets[i]}
	}
	offsets[len(records)] = uint32(len(valuesBuf))

	header := sortedRunHeader{
		timestamp: timestamp,
		count:     uint64(len(records)),
		minKey:    records[0].Key,
		maxKey:    records[len(records)-1].Key,
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hybridstore: open %s: %w", path, joinErr(ErrIO, err))
	}
	defer f.Close()

	if _, err := f.Write(header.marshal()); err != nil {
		return nil, fmt.Errorf("hybridstore: write header %s: %w", path, joinErr(ErrIO, err))
	}
	if _, err := f.Write(bloom.marshal()); err != nil {
		return nil, fmt.Errorf("hybridstore: write bloom %s: %w", path, joinErr(ErrIO, err))
	}
	indexBuf := make([]byte, sortedRunIndexEntrySize*len(index))
	for i, e := range index {
		off := i * sortedRunIndexEntrySize
		binary.LittleEndian.PutUint64(indexBuf[off:off+8], e.key)
		binary.LittleEndian.PutUint32(indexBuf[off+8:off+12], e.offset)
	}
	if _, err := f.Write(indexBuf); err != nil {
		return nil, fmt.Errorf("hybridstore: write index %s: %w", path, joinErr(ErrIO, err))
	}
	if _, err := f.Write(valuesBuf); err != nil {
		return nil, fmt.Errorf("hybridstore: write values %s: %w", path, joinErr(ErrIO, err))
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("hybridstore: sync %s: %w", path, joinErr(ErrIO, err))
	}

	return &sortedRun{
		path:         path,
		header:       header,
		bloom:        bloom,
		index:        index,
		valuesOffset: int64(sortedRunHeaderSize + bloomFilterSize + sortedRunIndexEntrySize*len(index)),
	}, nil
}

// openSortedRun reads header, bloom, and index into memory; the value region
// is read lazily per-lookup. Returns ErrCorruption on any short read or size
// mismatch, never partially populating the run.
func openSortedRun(path string) (*sortedRun, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hybridstore: open %s: %w", path, joinErr(ErrIO, err))
	}
	defer f.Close()

	headerBuf := make([]byte, sortedRunHeaderSize)
	if _, err := readFull(f, headerBuf); err != nil {
		return nil, fmt.Errorf("hybridstore: read header %s: %w", path, joinErr(ErrCorruption, err))
	}
	header, err := unmarshalSortedRunHeader(headerBuf)
	if err != nil {
		return nil, fmt.Errorf("hybridstore: parse header %s: %w", path, err)
	}

	bloomBuf := make([]byte, bloomFilterSize)
	if _, err := readFull(f, bloomBuf); err != nil {
		return nil, fmt.Errorf("hybridstore: read bloom %s: %w", path, joinErr(ErrCorruption, err))
	}
	bloom := newBloomFilter()
	if err := bloom.unmarshal(bloomBuf); err != nil {
		return nil, fmt.Errorf("hybridstore: parse bloom %s: %w", path, err)
	}

	indexBuf := make([]byte, sortedRunIndexEntrySize*int(header.count))
	if _, err := readFull(f, indexBuf); err != nil {
		return nil, fmt.Errorf("hybridstore: read index %s: %w", path, joinErr(ErrCorruption, err))
	}
	index := make([]indexEntry, header.count)
	for i := range index {
		off := i * sortedRunIndexEntrySize
		index[i] = indexEntry{
			key:    binary.LittleEndian.Uint64(indexBuf[off : off+8]),
			offset: binary.LittleEndian.Uint32(indexBuf[off+8 : off+12]),
		}
	}

	return &sortedRun{
		path:         path,
		header:       header,
		bloom:        bloom,
		index:        index,
		valuesOffset: int64(sortedRunHeaderSize + bloomFilterSize + sortedRunIndexEntrySize*len(index)),
	}, nil
}

// lookup probes the bloom filter, then binary-searches the index, then reads
// the value region. Returns (nil, false) on a bloom reject or a true miss.
func (r *sortedRun) lookup(key uint64) ([]byte, bool, error) {
	if key < r.header.minKey || key > r.header.maxKey {
		return nil, false, nil
	}
	if !r.bloom.mightContain(key) {
		return nil, false, nil
	}
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].key >= key })
	if i >= len(r.index) || r.index[i].key != key {
		return nil, false, nil
	}
	value, err := r.readValue(i)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *sortedRun) readValue(i int) ([]byte, error) {
	start := r.index[i].offset
	var end uint32
	if i+1 < len(r.index) {
		end = r.index[i+1].offset
	} else {
		end = r.valuesRegionSize()
	}
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("hybridstore: open %s: %w", r.path, joinErr(ErrIO, err))
	}
	defer f.Close()
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, r.valuesOffset+int64(start)); err != nil {
		return nil, fmt.Errorf("hybridstore: read value %s: %w", r.path, joinErr(ErrCorruption, err))
	}
	return buf, nil
}

// valuesRegionSize reports the total size of the value region, computed
// from the file size on disk since it is not stored in the header.
func (r *sortedRun) valuesRegionSize() uint32 {
	info, err := os.Stat(r.path)
	if err != nil {
		return 0
	}
	return uint32(info.Size() - r.valuesOffset)
}

// keyAt and offsetAt expose the index for range scans and compaction merges.
func (r *sortedRun) keyAt(i int) uint64    { return r.index[i].key }
func (r *sortedRun) offsetAt(i int) uint32 { return r.index[i].offset }
func (r *sortedRun) count() int            { return len(r.index) }

// rangeLowerBound returns the index of the first entry with key >= k.
func (r *sortedRun) rangeLowerBound(k uint64) int {
	return sort.Search(len(r.index), func(i int) bool { return r.index[i].key >= k })
}

// overlaps reports whether r's [min,max] range intersects [k1,k2].
func (r *sortedRun) overlaps(k1, k2 uint64) bool {
	return r.header.minKey <= k2 && r.header.maxKey >= k1
}

// runIterator walks every (key, value) pair of a sortedRun in ascending
// order, used by compaction's multi-way merge.
type runIterator struct {
	run *sortedRun
	pos int
}

func newRunIterator(r *sortedRun) *runIterator { return &runIterator{run: r} }

func (it *runIterator) valid() bool { return it.pos < len(it.run.index) }

func (it *runIterator) key() uint64 { return it.run.index[it.pos].key }

func (it *runIterator) value() ([]byte, error) {
	return it.run.readValue(it.pos)
}

func (it *runIterator) advance() { it.pos++ }

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	if total != len(buf) {
		return total, fmt.Errorf("short read: got %d want %d", total, len(buf))
	}
	return total, nil
}

func joinErr(sentinel, cause error) error {
	return fmt.Errorf("%w: %v", sentinel, cause)
}
