/*
Package hybridstore implements a hybrid key-value store that pairs an LSM
tree with an HNSW approximate-nearest-neighbor graph over embeddings derived
from stored values.

# Overview

Every value written through Put is embedded (via a caller-supplied model
function) and the resulting vector is kept in step with the key's LSM
lifecycle: a later Put re-embeds and re-indexes, a Del tombstones the LSM
entry and marks the HNSW node deleted. Two retrieval paths are exposed: Knn
computes an exact cosine-similarity ranking over every live embedding, while
KnnHNSW walks the approximate graph for sublinear lookups on larger data
sets.

# Quick start

	cfg := hybridstore.DefaultConfig("/var/lib/mystore")
	cfg.Embed = myEmbeddingModel

	store, err := hybridstore.Open(cfg)
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	if err := store.Put(1, "hello world"); err != nil {
	    log.Fatal(err)
	}

	v, err := store.Get(1)

# Persistence layout

The LSM tree lives under level-0/, level-1/, ... as timestamped SortedRun
files; the embedding log lives at embeddings.bin in the same directory. The
HNSW graph itself is rebuilt in memory from the embedding log on Open, and
can additionally be checkpointed to its own directory tree with
SaveSnapshot/LoadSnapshot for faster warm starts on large graphs.

# Concurrency

Put, Get, Del, Scan, Knn, and KnnHNSW are single-threaded: callers must not
invoke them concurrently on the same Store. The only internal parallelism is
in SaveSnapshot, which fans per-node writes out across a worker pool.
*/
package hybridstore
