// Package memory implements the process-wide memory manager: a singleton
// semaphore sized from a fraction of free host memory, shared and
// reference-counted across every multi-model scheduler in the process
// (spec §4.5, §9 "Global memory singleton").
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"ratefleet/internal/semaphore"
)

// Config controls how a Manager sizes and resizes itself.
type Config struct {
	FreeMemoryRatio          float64       // default 0.8
	RecalculationInterval    time.Duration // default 1s
	Logger                   *slog.Logger
}

func (c Config) normalized() Config {
	if c.FreeMemoryRatio <= 0 {
		c.FreeMemoryRatio = 0.8
	}
	if c.RecalculationInterval <= 0 {
		c.RecalculationInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type registryKey struct {
	ratio      float64
	intervalNs int64
}

// Manager is a reference-counted, process-wide memory semaphore. Obtain one
// via Acquire; every Acquire must be matched by a Release.
type Manager struct {
	cfg      Config
	sem      *semaphore.Semaphore
	mu       sync.Mutex
	refCount int
	stopCh   chan struct{}
	key      registryKey
}

var (
	registryMu sync.Mutex
	registry   = map[registryKey]*Manager{}
)

// availableMemoryKB reads real free-memory from the host via gopsutil. It is
// a var so tests can stub it out deterministically.
var availableMemoryKB = func() (int, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int(vm.Available / 1024), nil
}

// Acquire returns the shared Manager instance for this configuration,
// creating and starting it on first use. Call Release when done; the
// scheduler does not do this itself (the demo binary defers it in main).
func Acquire(cfg Config) *Manager {
	cfg = cfg.normalized()
	key := registryKey{ratio: cfg.FreeMemoryRatio, intervalNs: cfg.RecalculationInterval.Nanoseconds()}

	registryMu.Lock()
	defer registryMu.Unlock()

	if m, ok := registry[key]; ok {
		m.mu.Lock()
		m.refCount++
		m.mu.Unlock()
		return m
	}

	initialKB, err := availableMemoryKB()
	if err != nil {
		cfg.Logger.Warn("memory manager: failed to read available memory, starting with 0", "error", err)
		initialKB = 0
	}
	sizeKB := int(float64(initialKB) * cfg.FreeMemoryRatio)
	if sizeKB < 1 {
		sizeKB = 1
	}

	m := &Manager{
		cfg:      cfg,
		sem:      semaphore.New(sizeKB),
		refCount: 1,
		stopCh:   make(chan struct{}),
		key:      key,
	}
	registry[key] = m
	go m.recalculateLoop()
	return m
}

func (m *Manager) recalculateLoop() {
	ticker := time.NewTicker(m.cfg.RecalculationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			kb, err := availableMemoryKB()
			if err != nil {
				m.cfg.Logger.Warn("memory manager: recalculation read failed", "error", err)
				continue
			}
			newSize := int(float64(kb) * m.cfg.FreeMemoryRatio)
			if newSize < 1 {
				newSize = 1
			}
			m.sem.Resize(newSize)
		case <-m.stopCh:
			return
		}
	}
}

// AcquireMemory reserves estimatedKB of the shared pool, blocking (subject
// to ctx) until available.
func (m *Manager) AcquireMemory(ctx context.Context, estimatedKB int) error {
	if estimatedKB <= 0 {
		return nil
	}
	return m.sem.Acquire(ctx, estimatedKB)
}

// AcquireMemoryNonBlocking attempts a single, non-blocking reservation of
// estimatedKB, for use inside a compound reservation's tryReserve step.
func (m *Manager) AcquireMemoryNonBlocking(estimatedKB int) bool {
	if estimatedKB <= 0 {
		return true
	}
	return m.sem.TryAcquire(estimatedKB)
}

// ReleaseMemory refunds estimatedKB to the shared pool.
func (m *Manager) ReleaseMemory(estimatedKB int) {
	if estimatedKB <= 0 {
		return
	}
	m.sem.Release(estimatedKB)
}

// Stats exposes the underlying semaphore's snapshot.
func (m *Manager) Stats() semaphore.Stats {
	return m.sem.GetStats()
}

// Release decrements the reference count; the last Release stops the
// recalculation timer and removes the Manager from the registry.
func (m *Manager) Release() {
	registryMu.Lock()
	defer registryMu.Unlock()

	m.mu.Lock()
	m.refCount--
	remaining := m.refCount
	m.mu.Unlock()

	if remaining <= 0 {
		close(m.stopCh)
		delete(registry, m.key)
	}
}
