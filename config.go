package hybridstore

import "runtime"

const (
	// DefaultRunBudget is the approximate maximum encoded size (header + bloom
	// + index + values) of one SortedRun before the LSM engine flushes.
	DefaultRunBudget = 2 * 1024 * 1024

	// DefaultL0Limit is the number of level-0 runs tolerated before a
	// level-0-overflow compaction is triggered.
	DefaultL0Limit = 4

	// DefaultM is the HNSW target degree per node per level.
	DefaultM = 16

	// DefaultMMax is the HNSW hard cap on node degree per level.
	DefaultMMax = 32

	// DefaultEfConstruction is the HNSW candidate-list width used during insert.
	DefaultEfConstruction = 200

	// sortedRunHeaderSize is sizeof(SortedRun header): timestamp, count, min, max.
	sortedRunHeaderSize = 32

	// bloomFilterSize is the fixed on-disk size of a SortedRun's bloom filter.
	bloomFilterSize = 10240

	// sortedRunIndexEntrySize is sizeof((key uint64, offset uint32)).
	sortedRunIndexEntrySize = 12

	// skipListMaxLevel bounds the memtable's skip list height.
	skipListMaxLevel = 16

	// skipListP is the skip list's branching probability.
	skipListP = 0.5
)

// Config carries the tunables for a Store. Values left at zero are replaced
// by their defaults in DefaultConfig / Open.
type Config struct {
	// Dir is the base directory: it holds level-0/, level-1/, ... and
	// embeddings.bin at its root.
	Dir string

	// RunBudget is the approximate byte budget per SortedRun before the
	// LSM engine flushes the memtable.
	RunBudget int64

	// L0Limit is the number of level-0 runs tolerated before compaction.
	L0Limit int

	// M, MMax, EfConstruction parameterize the HNSW index. MLevel (m_L) is
	// derived as 1/ln(M) and is not separately configurable.
	M              int
	MMax           int
	EfConstruction int

	// SnapshotWorkers overrides the worker-pool size used by SaveSnapshot.
	// Zero means max(2, runtime.NumCPU()).
	SnapshotWorkers int

	// Logf receives diagnostic messages (corruption warnings, background
	// flush/compaction failures, worker errors during snapshot save). A nil
	// Logf defaults to writing to os.Stderr via fmt.Fprintf.
	Logf func(format string, args ...any)

	// Embed computes the embedding for a string value. It must return a
	// vector of the fixed dimension D once D has been established, or an
	// empty slice on failure. Required for Put; PutPrecomputed bypasses it.
	Embed func(text string) []float32
}

// DefaultConfig returns a Config with every tunable set to its default,
// rooted at dir. Embed is left nil; callers using Put (rather than
// PutPrecomputed) must set it before calling Open.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:             dir,
		RunBudget:       DefaultRunBudget,
		L0Limit:         DefaultL0Limit,
		M:               DefaultM,
		MMax:            DefaultMMax,
		EfConstruction:  DefaultEfConstruction,
		SnapshotWorkers: 0,
	}
}

func (c *Config) normalized() *Config {
	cp := *c
	if cp.RunBudget <= 0 {
		cp.RunBudget = DefaultRunBudget
	}
	if cp.L0Limit <= 0 {
		cp.L0Limit = DefaultL0Limit
	}
	if cp.M <= 0 {
		cp.M = DefaultM
	}
	if cp.MMax <= 0 {
		cp.MMax = DefaultMMax
	}
	if cp.EfConstruction <= 0 {
		cp.EfConstruction = DefaultEfConstruction
	}
	if cp.SnapshotWorkers <= 0 {
		cp.SnapshotWorkers = snapshotWorkerCount()
	}
	return &cp
}

// snapshotWorkerCount implements "hardware concurrency, falling back to 2".
func snapshotWorkerCount() int {
	if n := runtime.NumCPU(); n > 2 {
		return n
	}
	return 2
}
