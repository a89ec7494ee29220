package singleton

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_GetOrCreate_CachesByKey(t *testing.T) {
	r := NewRegistry()
	var constructs int32

	key := Key{ModuleAddress: "0xAbC", ChainID: 42}
	factory := func() (any, error) {
		atomic.AddInt32(&constructs, 1)
		return "instance", nil
	}

	for i := 0; i < 5; i++ {
		v, err := r.GetOrCreate(key, factory)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.(string) != "instance" {
			t.Fatalf("unexpected value: %v", v)
		}
	}
	if constructs != 1 {
		t.Errorf("expected factory to run once, ran %d times", constructs)
	}
}

func TestRegistry_KeyIsCaseInsensitiveOnAddress(t *testing.T) {
	r := NewRegistry()
	var constructs int32
	factory := func() (any, error) {
		atomic.AddInt32(&constructs, 1)
		return struct{}{}, nil
	}

	r.GetOrCreate(Key{ModuleAddress: "0xAbC", ChainID: 1}, factory)
	r.GetOrCreate(Key{ModuleAddress: "0xabc", ChainID: 1}, factory)

	if constructs != 1 {
		t.Errorf("expected case-insensitive key reuse, got %d constructions", constructs)
	}
}

func TestRegistry_ResetForcesReconstruction(t *testing.T) {
	r := NewRegistry()
	var constructs int32
	factory := func() (any, error) {
		atomic.AddInt32(&constructs, 1)
		return struct{}{}, nil
	}

	key := Key{ModuleAddress: "0x1", ChainID: 1}
	r.GetOrCreate(key, factory)
	r.Reset(key)
	r.GetOrCreate(key, factory)

	if constructs != 2 {
		t.Errorf("expected reconstruction after Reset, got %d constructions", constructs)
	}
}

func TestRegistry_ConcurrentGetOrCreateConstructsOnce(t *testing.T) {
	r := NewRegistry()
	var constructs int32
	factory := func() (any, error) {
		atomic.AddInt32(&constructs, 1)
		time.Sleep(10 * time.Millisecond)
		return struct{}{}, nil
	}

	key := Key{ModuleAddress: "0xrace", ChainID: 7}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.GetOrCreate(key, factory)
		}()
	}
	wg.Wait()

	if constructs != 1 {
		t.Errorf("expected exactly one construction under concurrent access, got %d", constructs)
	}
}

func TestMonitorLock_SecondAcquireFailsWhileHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.lock")

	a := NewMonitorLock(path)
	if err := a.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer a.Release()

	b := NewMonitorLock(path)
	if err := b.Acquire(); err == nil {
		t.Fatal("expected second acquire to fail while first holder is live")
	}
}

func TestMonitorLock_StaleLockIsStolen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.lock")

	a := NewMonitorLock(path)
	if err := a.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	old := time.Now().Add(-StaleAfter - time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("backdate lock file: %v", err)
	}

	b := NewMonitorLock(path)
	if err := b.Acquire(); err != nil {
		t.Fatalf("expected stale lock to be stolen, got: %v", err)
	}
	defer b.Release()
}
