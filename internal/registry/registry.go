// Package registry implements the model registry (C4): a thread-safe
// in-memory store of version records with a strict state-machine,
// unconditional health updates, and a synchronous event-subscription
// mechanism. Grounded on the teacher's RWMutex-guarded in-memory store
// (internal/store/memory.go), adapted from generic CRUD to the specific
// per-version state machine in spec.md §3/§4.3.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

// ErrAlreadyRegistered is returned by Register when a version is
// already present.
type ErrAlreadyRegistered struct{ Key model.VersionKey }

func (e ErrAlreadyRegistered) Error() string { return e.Key.String() + " already registered" }

// ErrInvalidTransition is returned by UpdateState when the requested
// transition is not an allowed state-machine edge.
type ErrInvalidTransition struct {
	Key      model.VersionKey
	From, To model.LoadState
}

func (e ErrInvalidTransition) Error() string {
	return e.Key.String() + ": invalid transition " + string(e.From) + " -> " + string(e.To)
}

// ErrNotFound is returned when a version is unknown to the registry.
type ErrNotFound struct{ Key model.VersionKey }

func (e ErrNotFound) Error() string { return e.Key.String() + " not found" }

// allowedEdges enumerates the state-machine edges in spec.md §4.3.
// DISABLED has no outgoing edge here: re-enabling a DISABLED version
// goes DISABLED->LOADING->READY/FAILED, and the first hop is only
// reachable through the coordinator's ForceState call, never through
// UpdateState directly.
var allowedEdges = map[model.LoadState]map[model.LoadState]bool{
	model.StateDiscovered: {model.StateValidating: true},
	model.StateValidating: {model.StateValid: true, model.StateInvalid: true},
	model.StateValid:      {model.StateLoading: true},
	model.StateInvalid:    {model.StateValidating: true},
	model.StateLoading:    {model.StateReady: true, model.StateFailed: true},
	model.StateReady:      {model.StateUnloading: true, model.StateDisabled: true, model.StateFailed: true},
	model.StateFailed:     {model.StateValidating: true},
	model.StateDisabled:   {},
	model.StateUnloading:  {},
}

// Subscriber receives registry events synchronously, in the emitting
// goroutine. Implementations must not block and must not call back into
// the registry (documented precondition, spec.md §5).
type Subscriber func(model.Event)

// Registry is the thread-safe in-memory store of version records.
type Registry struct {
	mu        sync.RWMutex
	versions  map[model.VersionKey]*model.VersionRecord
	subsMu    sync.Mutex
	observers []Subscriber
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{versions: make(map[model.VersionKey]*model.VersionRecord)}
}

// Subscribe registers a callback invoked for every subsequent event.
func (r *Registry) Subscribe(s Subscriber) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.observers = append(r.observers, s)
}

func (r *Registry) emit(ev model.Event) {
	r.subsMu.Lock()
	observers := make([]Subscriber, len(r.observers))
	copy(observers, r.observers)
	r.subsMu.Unlock()
	for _, obs := range observers {
		obs(ev)
	}
}

// Discover inserts a bare DISCOVERED record if absent. Re-discovering an
// already-known version is a no-op (discovery may re-scan the same tree
// repeatedly).
func (r *Registry) Discover(key model.VersionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[key]; ok {
		return
	}
	rec := &model.VersionRecord{
		Descriptor: model.Descriptor{ModelID: key.ModelID, Version: key.Version},
		State:      model.StateDiscovered,
		Health:     model.HealthUnknown,
		Circuit:    model.CircuitClosed,
		UpdatedAt:  time.Now(),
	}
	r.versions[key] = rec
	r.emit(model.Event{Kind: model.EventRegistered, Key: key, Record: *rec, Timestamp: rec.UpdatedAt})
}

// Register inserts a fully validated descriptor. Fails if the version
// already exists.
func (r *Registry) Register(desc model.Descriptor) error {
	key := model.VersionKey{ModelID: desc.ModelID, Version: desc.Version}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[key]; ok {
		return ErrAlreadyRegistered{Key: key}
	}
	rec := &model.VersionRecord{
		Descriptor: desc,
		State:      model.StateDiscovered,
		Health:     model.HealthUnknown,
		Circuit:    model.CircuitClosed,
		UpdatedAt:  time.Now(),
	}
	r.versions[key] = rec
	r.emit(model.Event{Kind: model.EventRegistered, Key: key, Record: *rec, Timestamp: rec.UpdatedAt})
	return nil
}

// SetDescriptor attaches a validated descriptor to an already-discovered
// version record, without changing its state.
func (r *Registry) SetDescriptor(key model.VersionKey, desc model.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.versions[key]
	if !ok {
		return ErrNotFound{Key: key}
	}
	rec.Descriptor = desc
	return nil
}

// UpdateState transitions a version along an allowed state-machine edge.
func (r *Registry) UpdateState(key model.VersionKey, newState model.LoadState, errorCode, errorMessage string) error {
	r.mu.Lock()
	rec, ok := r.versions[key]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound{Key: key}
	}
	if !allowedEdges[rec.State][newState] {
		from := rec.State
		r.mu.Unlock()
		return ErrInvalidTransition{Key: key, From: from, To: newState}
	}
	prev := *rec
	rec.State = newState
	rec.ErrorCode = errorCode
	rec.ErrorMessage = errorMessage
	rec.UpdatedAt = time.Now()
	cur := *rec
	r.mu.Unlock()

	r.emit(model.Event{Kind: model.EventStateChanged, Key: key, Record: cur, Previous: prev, Timestamp: cur.UpdatedAt})
	return nil
}

// forceState bypasses the allowed-edges table. Used only by the
// coordinator, for the DISABLED->LOADING hop that begins the re-enable
// path (spec.md §4.9); the remaining hops use the normal allowed edges.
func (r *Registry) forceState(key model.VersionKey, newState model.LoadState, errorCode, errorMessage string) (model.VersionRecord, model.VersionRecord, error) {
	r.mu.Lock()
	rec, ok := r.versions[key]
	if !ok {
		r.mu.Unlock()
		return model.VersionRecord{}, model.VersionRecord{}, ErrNotFound{Key: key}
	}
	prev := *rec
	rec.State = newState
	rec.ErrorCode = errorCode
	rec.ErrorMessage = errorMessage
	rec.UpdatedAt = time.Now()
	cur := *rec
	r.mu.Unlock()
	return prev, cur, nil
}

// ForceState is the coordinator-only escape hatch around the normal
// state-machine edge table, exported for internal/coordinator.
func (r *Registry) ForceState(key model.VersionKey, newState model.LoadState, errorCode, errorMessage string) error {
	prev, cur, err := r.forceState(key, newState, errorCode, errorMessage)
	if err != nil {
		return err
	}
	r.emit(model.Event{Kind: model.EventStateChanged, Key: key, Record: cur, Previous: prev, Timestamp: cur.UpdatedAt})
	return nil
}

// UpdateHealth unconditionally overwrites health, emitting an event only
// if the value changed.
func (r *Registry) UpdateHealth(key model.VersionKey, newHealth model.Health) error {
	r.mu.Lock()
	rec, ok := r.versions[key]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound{Key: key}
	}
	if rec.Health == newHealth {
		r.mu.Unlock()
		return nil
	}
	prev := *rec
	rec.Health = newHealth
	rec.UpdatedAt = time.Now()
	cur := *rec
	r.mu.Unlock()

	r.emit(model.Event{Kind: model.EventHealthChanged, Key: key, Record: cur, Previous: prev, Timestamp: cur.UpdatedAt})
	return nil
}

// UpdateCircuit overwrites the circuit state field directly; the circuit
// breaker package owns the transition rules, the registry just stores
// the current value for resolver/pipeline reads.
func (r *Registry) UpdateCircuit(key model.VersionKey, newCircuit model.CircuitState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.versions[key]
	if !ok {
		return ErrNotFound{Key: key}
	}
	rec.Circuit = newCircuit
	rec.UpdatedAt = time.Now()
	return nil
}

// GetVersion returns a snapshot of one version record.
func (r *Registry) GetVersion(key model.VersionKey) (model.VersionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.versions[key]
	if !ok {
		return model.VersionRecord{}, false
	}
	return *rec, true
}

// GetVersionsByModel returns a snapshot of every version of modelID.
func (r *Registry) GetVersionsByModel(modelID string) []model.VersionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.VersionRecord
	for k, v := range r.versions {
		if k.ModelID == modelID {
			out = append(out, *v)
		}
	}
	return out
}

// GetVersionsByState returns a snapshot of every version currently in
// state s.
func (r *Registry) GetVersionsByState(s model.LoadState) []model.VersionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.VersionRecord
	for _, v := range r.versions {
		if v.State == s {
			out = append(out, *v)
		}
	}
	return out
}

// AllModelIDs returns the distinct model identifiers currently known.
func (r *Registry) AllModelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for k := range r.versions {
		if !seen[k.ModelID] {
			seen[k.ModelID] = true
			out = append(out, k.ModelID)
		}
	}
	return out
}

// Snapshot returns every version record currently known, for the
// publisher's full-registration push.
func (r *Registry) Snapshot() []model.VersionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.VersionRecord, 0, len(r.versions))
	for _, v := range r.versions {
		out = append(out, *v)
	}
	return out
}

// Remove deletes a version record, used after UNLOADING completes.
func (r *Registry) Remove(key model.VersionKey) {
	r.mu.Lock()
	rec, ok := r.versions[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	prev := *rec
	delete(r.versions, key)
	r.mu.Unlock()
	r.emit(model.Event{Kind: model.EventRemoved, Key: key, Previous: prev, Timestamp: time.Now()})
}

// RecordFailure logs a classified error against a version at warn level;
// it does not change the version's record.
func RecordFailure(key model.VersionKey, err *errorkit.RuntimeError) {
	log.Warn().Str("model_id", key.ModelID).Str("version", key.Version).Str("kind", string(err.Kind)).Msg(err.Error())
}
