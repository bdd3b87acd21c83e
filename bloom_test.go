package hybridstore

import "testing"

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := newBloomFilter()
	keys := []uint64{0, 1, 42, 1000, 1 << 40, ^uint64(0)}
	for _, k := range keys {
		bf.add(k)
	}
	for _, k := range keys {
		if !bf.mightContain(k) {
			t.Fatalf("mightContain(%d) = false, want true (false negative)", k)
		}
	}
}

func TestBloomFilterAbsentKeyCanReject(t *testing.T) {
	bf := newBloomFilter()
	for i := uint64(0); i < 100; i++ {
		bf.add(i * 7)
	}
	rejected := false
	for i := uint64(100000); i < 101000; i++ {
		if !bf.mightContain(i) {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatal("expected at least one absent key to be rejected by a sparse filter")
	}
}

func TestBloomFilterMarshalRoundTrip(t *testing.T) {
	bf := newBloomFilter()
	bf.add(123)
	bf.add(456)

	data := bf.marshal()
	if len(data) != bloomFilterSize {
		t.Fatalf("marshal size = %d, want %d", len(data), bloomFilterSize)
	}

	other := newBloomFilter()
	if err := other.unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !other.mightContain(123) || !other.mightContain(456) {
		t.Fatal("round-tripped filter lost a key")
	}
}

func TestBloomFilterUnmarshalRejectsWrongSize(t *testing.T) {
	bf := newBloomFilter()
	if err := bf.unmarshal(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized buffer")
	}
}
