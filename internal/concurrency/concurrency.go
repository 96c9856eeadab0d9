// Package concurrency implements the concurrency manager and admission
// controller (C8): global/per-model/per-version atomic counters,
// all-or-nothing admission, idempotent one-shot release, and a purely
// informational backpressure level. Grounded on the teacher's
// process.portAllocator (small mutex-guarded counter/allocator),
// scaled up to three nested counters.
package concurrency

import (
	"sync"
	"sync/atomic"

	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

// Manager enforces global, per-model, and per-version concurrency caps.
type Manager struct {
	globalLimit int64
	globalActive int64

	mu           sync.Mutex
	modelLimits  map[string]int64
	modelActive  map[string]*int64
	versionLimits map[model.VersionKey]int64
	versionActive map[model.VersionKey]*int64

	acquiresSucceeded int64
	releasesTotal     int64
	leakCandidates    int64
}

// New builds a Manager with global limit g.
func New(g int) *Manager {
	return &Manager{
		globalLimit:   int64(g),
		modelLimits:   make(map[string]int64),
		modelActive:   make(map[string]*int64),
		versionLimits: make(map[model.VersionKey]int64),
		versionActive: make(map[model.VersionKey]*int64),
	}
}

// RegisterLimits records a version's per-model and per-version limits at
// registration time. versionLimit of 0 means "default to modelLimit".
func (m *Manager) RegisterLimits(key model.VersionKey, modelLimit, versionLimit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modelLimits[key.ModelID]; !ok {
		m.modelLimits[key.ModelID] = int64(modelLimit)
		var z int64
		m.modelActive[key.ModelID] = &z
	}
	vl := int64(versionLimit)
	if vl == 0 {
		vl = int64(modelLimit)
	}
	m.versionLimits[key] = vl
	var z int64
	m.versionActive[key] = &z
}

// Slot is a held reservation; Release must be called exactly once (extra
// calls are no-ops).
type Slot struct {
	m        *Manager
	key      model.VersionKey
	released int32
}

// Release decrements the held counters. Idempotent.
func (s *Slot) Release() {
	if !atomic.CompareAndSwapInt32(&s.released, 0, 1) {
		return
	}
	atomic.AddInt64(&s.m.globalActive, -1)
	if p, ok := s.m.modelActive[s.key.ModelID]; ok {
		atomic.AddInt64(p, -1)
	}
	if p, ok := s.m.versionActive[s.key]; ok {
		atomic.AddInt64(p, -1)
	}
	atomic.AddInt64(&s.m.releasesTotal, 1)
}

// TryAcquire atomically checks all three constraints. On success it
// returns a Slot; on rejection it returns the classified error.
func (m *Manager) TryAcquire(key model.VersionKey, requestID string) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	modelActivePtr, ok := m.modelActive[key.ModelID]
	if !ok {
		var z int64
		modelActivePtr = &z
		m.modelActive[key.ModelID] = modelActivePtr
		m.modelLimits[key.ModelID] = 1
	}
	versionActivePtr, ok := m.versionActive[key]
	if !ok {
		var z int64
		versionActivePtr = &z
		m.versionActive[key] = versionActivePtr
		vl := m.modelLimits[key.ModelID]
		if vl == 0 {
			vl = 1
		}
		m.versionLimits[key] = vl
	}

	ctx := errorkit.Context{ModelID: key.ModelID, Version: key.Version, RequestID: requestID}

	if atomic.LoadInt64(&m.globalActive) >= m.globalLimit {
		return nil, errorkit.Pipeline(errorkit.KindPipeConcurrencyGlobal, "global concurrency limit reached", ctx)
	}
	if atomic.LoadInt64(modelActivePtr) >= m.modelLimits[key.ModelID] {
		return nil, errorkit.Pipeline(errorkit.KindPipeConcurrencyModel, "per-model concurrency limit reached", ctx)
	}
	if atomic.LoadInt64(versionActivePtr) >= m.versionLimits[key] {
		return nil, errorkit.Pipeline(errorkit.KindPipeConcurrencyVersion, "per-version concurrency limit reached", ctx)
	}

	atomic.AddInt64(&m.globalActive, 1)
	atomic.AddInt64(modelActivePtr, 1)
	atomic.AddInt64(versionActivePtr, 1)
	atomic.AddInt64(&m.acquiresSucceeded, 1)
	return &Slot{m: m, key: key}, nil
}

// Backpressure derives the purely informational pressure level from
// global_active/global_limit.
func (m *Manager) Backpressure() model.BackpressureLevel {
	if m.globalLimit == 0 {
		return model.BackpressureNone
	}
	ratio := float64(atomic.LoadInt64(&m.globalActive)) / float64(m.globalLimit)
	switch {
	case ratio > 0.9:
		return model.BackpressureHard
	case ratio >= 0.7:
		return model.BackpressureSoft
	default:
		return model.BackpressureNone
	}
}

// Diagnostics reports raw counters for leak detection: the gap between
// acquires and releases should equal currently-in-flight (P4).
type Diagnostics struct {
	AcquiresSucceeded int64
	ReleasesTotal     int64
	CurrentlyInFlight int64
	GlobalActive      int64
}

// Diagnostics returns a snapshot of the manager's internal counters.
func (m *Manager) Diagnostics() Diagnostics {
	succ := atomic.LoadInt64(&m.acquiresSucceeded)
	rel := atomic.LoadInt64(&m.releasesTotal)
	return Diagnostics{
		AcquiresSucceeded: succ,
		ReleasesTotal:     rel,
		CurrentlyInFlight: succ - rel,
		GlobalActive:      atomic.LoadInt64(&m.globalActive),
	}
}
