package hybridstore

import "errors"

// Sentinel errors for the taxonomy this engine reports. Callers distinguish
// them with errors.Is; call sites wrap with fmt.Errorf("...: %w", err) to add
// context without losing the sentinel.
var (
	// ErrIO wraps an underlying filesystem failure (open/read/write).
	ErrIO = errors.New("hybridstore: io error")

	// ErrCorruption marks a file whose header or region sizes don't parse
	// as expected. The file's contribution is discarded, never partially used.
	ErrCorruption = errors.New("hybridstore: corruption")

	// ErrDimensionMismatch is returned when a vector's length disagrees with
	// the dimension fixed by the first non-tombstone write.
	ErrDimensionMismatch = errors.New("hybridstore: embedding dimension mismatch")

	// ErrLabelOverflow is returned by SaveSnapshot when a node label exceeds
	// the uint32 width of the on-disk snapshot format.
	ErrLabelOverflow = errors.New("hybridstore: label overflow")

	// ErrPoolStopped is returned by the snapshot worker pool when a task is
	// submitted after Close.
	ErrPoolStopped = errors.New("hybridstore: worker pool stopped")

	// ErrNotFound names the logical not-found case. No API returns it: Get
	// reports a missing or deleted key as an empty string, and the knn paths
	// report no match as an empty slice.
	ErrNotFound = errors.New("hybridstore: not found")

	// ErrClosed is returned by operations attempted on a closed Store.
	ErrClosed = errors.New("hybridstore: store is closed")
)
