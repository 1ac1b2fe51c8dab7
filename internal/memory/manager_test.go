package memory

import (
	"context"
	"testing"
	"time"
)

func stubAvailable(kb int) func() {
	orig := availableMemoryKB
	availableMemoryKB = func() (int, error) { return kb, nil }
	return func() { availableMemoryKB = orig }
}

func TestAcquireSizesFromAvailableMemory(t *testing.T) {
	restore := stubAvailable(1000)
	defer restore()

	m := Acquire(Config{FreeMemoryRatio: 0.5, RecalculationInterval: time.Hour})
	defer m.Release()

	if got := m.Stats().Max; got != 500 {
		t.Fatalf("expected pool sized to 500 KB, got %d", got)
	}
}

func TestAcquireReleaseMemory(t *testing.T) {
	restore := stubAvailable(1000)
	defer restore()

	m := Acquire(Config{FreeMemoryRatio: 1, RecalculationInterval: time.Hour})
	defer m.Release()

	ctx := context.Background()
	if err := m.AcquireMemory(ctx, 200); err != nil {
		t.Fatalf("AcquireMemory: %v", err)
	}
	if got := m.Stats().Available; got != 800 {
		t.Fatalf("expected 800 available, got %d", got)
	}
	m.ReleaseMemory(200)
	if got := m.Stats().Available; got != 1000 {
		t.Fatalf("expected 1000 available after release, got %d", got)
	}
}

func TestReferenceCountedSingleton(t *testing.T) {
	restore := stubAvailable(1000)
	defer restore()

	cfg := Config{FreeMemoryRatio: 0.9, RecalculationInterval: time.Hour}
	a := Acquire(cfg)
	b := Acquire(cfg)
	if a != b {
		t.Fatalf("expected the same Manager instance for identical config")
	}
	a.Release()
	// b still holds a reference; the manager must still be usable.
	if got := b.Stats().Max; got != 900 {
		t.Fatalf("expected pool still sized at 900 KB after one of two releases, got %d", got)
	}
	b.Release()
}

func TestRecalculationResizesPool(t *testing.T) {
	restore := stubAvailable(1000)
	defer restore()

	m := Acquire(Config{FreeMemoryRatio: 1, RecalculationInterval: 10 * time.Millisecond})
	defer m.Release()

	availableMemoryKB = func() (int, error) { return 2000, nil }
	time.Sleep(60 * time.Millisecond)

	if got := m.Stats().Max; got != 2000 {
		t.Fatalf("expected pool resized to 2000 KB, got %d", got)
	}
}
