// Package coordinator implements the single serialization point for
// changes that touch both the registry and the sandbox set for a given
// version (C10). Grounded on the teacher's process.Manager.Start/Stop:
// one mutex, allocate-then-register-then-mark-running sequencing on the
// way up, symmetric stop-then-release sequencing on the way down.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/internal/loader"
	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/internal/sandbox"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

// Coordinator owns the sandbox set and the registry reference, acquiring
// its own lock before ever touching the registry's write path —
// spec.md §5's fixed lock order (registry before concurrency manager
// before circuit breaker) is preserved because the coordinator only
// calls registry methods, never the reverse.
type Coordinator struct {
	reg *registry.Registry

	mu       sync.Mutex
	sandboxes map[model.VersionKey]*sandbox.Sandbox

	loadTimeout time.Duration
}

// New builds a Coordinator backed by reg, with loadTimeout applied to
// every Activate call.
func New(reg *registry.Registry, loadTimeout time.Duration) *Coordinator {
	return &Coordinator{
		reg:         reg,
		sandboxes:   make(map[model.VersionKey]*sandbox.Sandbox),
		loadTimeout: loadTimeout,
	}
}

// Activate loads desc's entry-point, creates a sandbox, registers it,
// and transitions the version to READY — or, on any failure, leaves the
// state at FAILED with no sandbox registered (Invariant I1 preserved:
// READY iff a sandbox exists). Expects the version to currently be
// VALID (the normal VALID->LOADING->READY/FAILED path).
func (c *Coordinator) Activate(ctx context.Context, key model.VersionKey, desc model.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activateLocked(ctx, key, desc, c.reg.UpdateState)
}

// Reenable moves a DISABLED version back to READY, re-creating the
// sandbox. DISABLED->READY is restricted to this coordinator-mediated
// path (spec.md §4.3), so the entry transition bypasses the normal
// edge table via ForceState; the exit transition (LOADING->READY or
// LOADING->FAILED) still goes through the ordinary allowed edges.
func (c *Coordinator) Reenable(ctx context.Context, key model.VersionKey, desc model.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	enter := func(k model.VersionKey, s model.LoadState, code, msg string) error {
		return c.reg.ForceState(k, s, code, msg)
	}
	return c.activateLocked(ctx, key, desc, enter)
}

func (c *Coordinator) activateLocked(ctx context.Context, key model.VersionKey, desc model.Descriptor,
	enterLoading func(model.VersionKey, model.LoadState, string, string) error) error {

	if err := enterLoading(key, model.StateLoading, "", ""); err != nil {
		return err
	}

	loaded, loadErr := loader.Load(ctx, desc, c.loadTimeout)
	if loadErr != nil {
		_ = c.reg.UpdateState(key, model.StateFailed, string(loadErr.Kind), loadErr.Error())
		log.Error().Str("model_id", key.ModelID).Str("version", key.Version).
			Str("kind", string(loadErr.Kind)).Msg("coordinator: activation failed")
		return loadErr
	}

	sb := sandbox.New(desc, loaded.Process)
	c.sandboxes[key] = sb

	if err := c.reg.UpdateState(key, model.StateReady, "", ""); err != nil {
		sb.Destroy()
		delete(c.sandboxes, key)
		return err
	}
	_ = c.reg.UpdateHealth(key, model.HealthHealthy)
	return nil
}

// Deactivate destroys the sandbox (if any) and transitions the version
// to newState (UNLOADING, DISABLED, or FAILED — all ordinary edges out
// of READY). After this call returns, no new admission can succeed for
// this version because the admission path always reads registry state
// first.
func (c *Coordinator) Deactivate(key model.VersionKey, newState model.LoadState, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sb, ok := c.sandboxes[key]; ok {
		sb.Destroy()
		delete(c.sandboxes, key)
	}
	return c.reg.UpdateState(key, newState, "", reason)
}

// Sandbox returns the live sandbox for key, if any — used by the
// pipeline's dispatch step. Absence while the registry reports READY is
// a PIPE_NO_SANDBOX invariant violation.
func (c *Coordinator) Sandbox(key model.VersionKey) (*sandbox.Sandbox, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sb, ok := c.sandboxes[key]
	return sb, ok
}

// ShutdownAll force-destroys every live sandbox, used during the
// shutdown sequence after admissions have been refused and in-flight
// requests drained (spec.md §9's shutdown ordering).
func (c *Coordinator) ShutdownAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, sb := range c.sandboxes {
		sb.Destroy()
		delete(c.sandboxes, key)
	}
}

// ActivationError wraps a load failure with its originating key for
// callers (discovery/admin endpoints) that need both.
type ActivationError struct {
	Key model.VersionKey
	Err *errorkit.RuntimeError
}

func (e *ActivationError) Error() string { return e.Err.Error() }
func (e *ActivationError) Unwrap() error { return e.Err }
