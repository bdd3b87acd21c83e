package hybridstore

// bloomFilter is a fixed-size Bloom filter over 64-bit keys, embedded
// verbatim (bloomFilterSize bytes) inside every SortedRun. The number of hash
// functions and the exact hash derivation are implementation choices per the
// spec (§4.1) provided writer and reader agree — both live in this file, so
// they always do.
//
// Standard-library-only by design: the keys here are already uint64s, not
// arbitrary byte strings, so there is no grounded third-party hash library in
// the example pack that earns its way in (cespare/xxhash appears only as a
// transitive dependency of prometheus/client_golang elsewhere in the corpus,
// never imported directly by any example's own code). Two independent
// 64-bit mixes of the key (splitmix64-style, stdlib math/bits) feed the
// Kirsch-Mitzenmacher double-hashing scheme below to derive k hash values
// from 2 real computations instead of k.
const bloomHashCount = 4

type bloomFilter struct {
	bits [bloomFilterSize]byte
}

func newBloomFilter() *bloomFilter {
	return &bloomFilter{}
}

func (bf *bloomFilter) add(key uint64) {
	h1, h2 := bloomSplitHashes(key)
	nbits := uint64(bloomFilterSize * 8)
	for i := 0; i < bloomHashCount; i++ {
		idx := (h1 + uint64(i)*h2) % nbits
		bf.bits[idx/8] |= 1 << (idx % 8)
	}
}

func (bf *bloomFilter) mightContain(key uint64) bool {
	h1, h2 := bloomSplitHashes(key)
	nbits := uint64(bloomFilterSize * 8)
	for i := 0; i < bloomHashCount; i++ {
		idx := (h1 + uint64(i)*h2) % nbits
		if bf.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// bloomSplitHashes derives two independent-enough 64-bit hashes of key using
// the splitmix64 finalizer with two different odd constants.
func bloomSplitHashes(key uint64) (uint64, uint64) {
	return splitmix64(key, 0xff51afd7ed558ccd), splitmix64(key, 0xc4ceb9fe1a85ec53)
}

func splitmix64(x, seed uint64) uint64 {
	x += seed
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func (bf *bloomFilter) marshal() []byte {
	out := make([]byte, bloomFilterSize)
	copy(out, bf.bits[:])
	return out
}

func (bf *bloomFilter) unmarshal(data []byte) error {
	if len(data) != bloomFilterSize {
		return ErrCorruption
	}
	copy(bf.bits[:], data)
	return nil
}
