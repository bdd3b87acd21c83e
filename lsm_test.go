package hybridstore

import "testing"

func testConfig(dir string) *Config {
	cfg := DefaultConfig(dir)
	cfg.RunBudget = 4096
	cfg.L0Limit = 2
	return cfg.normalized()
}

func TestLSMPutGetRoundTrip(t *testing.T) {
	e, err := openLSMEngine(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("openLSMEngine: %v", err)
	}
	if err := e.put(1, []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := e.get(1)
	if err != nil || string(v) != "one" {
		t.Fatalf("get(1) = %q, %v", v, err)
	}
}

func TestLSMDeleteTombstones(t *testing.T) {
	e, err := openLSMEngine(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("openLSMEngine: %v", err)
	}
	if err := e.put(1, []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.del(1); err != nil {
		t.Fatalf("del: %v", err)
	}
	v, err := e.get(1)
	if err != nil || v != nil {
		t.Fatalf("get after del = %q, %v, want nil", v, err)
	}
}

func TestLSMFlushAndReopenRecovers(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	e, err := openLSMEngine(cfg)
	if err != nil {
		t.Fatalf("openLSMEngine: %v", err)
	}
	for i := uint64(0); i < 200; i++ {
		if err := e.put(i, []byte("value-of-a-decent-length-to-force-flushes")); err != nil {
			t.Fatalf("put(%d): %v", i, err)
		}
	}
	if err := e.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := openLSMEngine(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for i := uint64(0); i < 200; i += 17 {
		v, err := reopened.get(i)
		if err != nil {
			t.Fatalf("get(%d): %v", i, err)
		}
		if string(v) != "value-of-a-decent-length-to-force-flushes" {
			t.Fatalf("get(%d) = %q, want original value", i, v)
		}
	}
}

func TestLSMScanRange(t *testing.T) {
	e, err := openLSMEngine(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("openLSMEngine: %v", err)
	}
	for _, k := range []uint64{1, 5, 3, 9, 7} {
		if err := e.put(k, []byte{byte(k)}); err != nil {
			t.Fatalf("put(%d): %v", k, err)
		}
	}
	got, err := e.scan(3, 7)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []uint64{3, 5, 7}
	if len(got) != len(want) {
		t.Fatalf("scan returned %d entries, want %d", len(got), len(want))
	}
	for i, k := range want {
		if got[i].Key != k {
			t.Fatalf("entry %d key = %d, want %d", i, got[i].Key, k)
		}
	}
}

func TestLSMScanEmptyWhenK1GreaterThanK2(t *testing.T) {
	e, err := openLSMEngine(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("openLSMEngine: %v", err)
	}
	got, err := e.scan(10, 1)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("scan(10,1) = %v, want empty", got)
	}
}

func TestLSMFlushEmptyMemtableIsNoOp(t *testing.T) {
	e, err := openLSMEngine(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("openLSMEngine: %v", err)
	}
	if err := e.flush(); err != nil {
		t.Fatalf("flush on empty memtable: %v", err)
	}
	if len(e.levels[0]) != 0 {
		t.Fatal("flush of empty memtable should not create a run")
	}
}

func TestLSMScanSeesNewerMemtableOverOlderRun(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	e, err := openLSMEngine(cfg)
	if err != nil {
		t.Fatalf("openLSMEngine: %v", err)
	}
	if err := e.put(1, []byte("old")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := e.put(1, []byte("new")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := e.get(1)
	if err != nil || string(v) != "new" {
		t.Fatalf("get(1) = %q, %v, want new", v, err)
	}
	got, err := e.scan(1, 1)
	if err != nil || len(got) != 1 || string(got[0].Value) != "new" {
		t.Fatalf("scan(1,1) = %v, %v, want one entry with value new", got, err)
	}
}
