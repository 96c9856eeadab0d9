// Package publisher implements the capability publisher and health
// aggregator (C12): it subscribes to registry events, rebuilds
// model-level health by aggregation, diffs the rebuilt snapshot against
// the last pushed one, and pushes changes to the backend with
// exponential backoff. Grounded on the teacher's catalog fetch pattern
// turned outbound, plus cenkalti/backoff/v4 (already an indirect
// teacher dependency, promoted to direct use here) for the retry loop.
// The delta-diffing approach is carried forward from
// original_source/ai/runtime/reporting.py, which compares the previous
// and current snapshot field-by-field rather than just a health string.
package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/pkg/backendclient"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

// HeartbeatInterval is the periodic full re-push cadence (spec.md §4.11).
const HeartbeatInterval = 30 * time.Second

// snapshot is the publisher's view of one version's advertised state.
// UNHEALTHY versions are never present in a snapshot (spec.md I5).
type snapshot map[model.VersionKey]model.Health

// Publisher subscribes to registry events and pushes capability/health
// reports to the backend.
type Publisher struct {
	runtimeID string
	reg       *registry.Registry
	client    *backendclient.Client

	mu   sync.Mutex
	last snapshot

	pending chan struct{}
}

// New builds a Publisher for reg, pushing through client.
func New(runtimeID string, reg *registry.Registry, client *backendclient.Client) *Publisher {
	p := &Publisher{
		runtimeID: runtimeID,
		reg:       reg,
		client:    client,
		last:      make(snapshot),
		pending:   make(chan struct{}, 1),
	}
	reg.Subscribe(p.onEvent)
	return p
}

// onEvent is the registry's synchronous callback. It must not block:
// it only signals the publisher's dedicated worker via a buffered,
// non-blocking channel (spec.md §5's "publisher push never blocks
// callers").
func (p *Publisher) onEvent(ev model.Event) {
	switch ev.Kind {
	case model.EventStateChanged, model.EventHealthChanged, model.EventRemoved:
		select {
		case p.pending <- struct{}{}:
		default:
		}
	}
}

// Run drives the publisher's worker loop: immediate push on signalled
// change, periodic heartbeat, startup full registration, and
// deregistration on ctx cancellation.
func (p *Publisher) Run(ctx context.Context) {
	log.Info().Str("runtime_id", p.runtimeID).Msg("publisher: startup full registration")
	p.pushFull(ctx)

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.deregister()
			return
		case <-p.pending:
			p.pushDelta(ctx)
		case <-ticker.C:
			p.pushFull(ctx)
		}
	}
}

func (p *Publisher) pushFull(ctx context.Context) {
	report, next := p.buildReport()
	p.pushWithBackoff(ctx, func(ctx context.Context) error {
		return p.client.Register(ctx, report)
	})
	p.mu.Lock()
	p.last = next
	p.mu.Unlock()
}

func (p *Publisher) pushDelta(ctx context.Context) {
	_, next := p.buildReport()

	p.mu.Lock()
	prev := p.last
	p.mu.Unlock()

	deltas := diff(prev, next)
	if len(deltas) == 0 {
		return
	}
	for _, d := range deltas {
		delta := d
		p.pushWithBackoff(ctx, func(ctx context.Context) error {
			return p.client.PushHealth(ctx, backendclient.HealthDelta{
				RuntimeID: p.runtimeID, ModelID: delta.ModelID, Version: delta.Version, Health: delta.Health,
			})
		})
	}
	p.mu.Lock()
	p.last = next
	p.mu.Unlock()
}

func (p *Publisher) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.pushWithBackoff(ctx, func(ctx context.Context) error {
		return p.client.Deregister(ctx, p.runtimeID)
	})
}

// pushWithBackoff retries fn with the exponential backoff policy from
// spec.md §4.11: start at 1s, double, cap at 60s. Retries never block
// registry mutation — they run on the publisher's own goroutine.
func (p *Publisher) pushWithBackoff(ctx context.Context, fn func(context.Context) error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely until ctx is cancelled

	operation := func() error { return fn(ctx) }
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		log.Warn().Err(err).Msg("publisher: push abandoned (context cancelled)")
	}
}

// buildReport rebuilds the full capability report and the matching
// internal snapshot from the current registry state, applying the
// I5 elision rule (UNHEALTHY elided, DEGRADED shown as DEGRADED).
func (p *Publisher) buildReport() (backendclient.CapabilityReport, snapshot) {
	report := backendclient.CapabilityReport{RuntimeID: p.runtimeID, Models: make(map[string]backendclient.ModelHealthSet)}
	next := make(snapshot)

	for _, modelID := range p.reg.AllModelIDs() {
		versions := p.reg.GetVersionsByModel(modelID)
		var entries []backendclient.VersionEntry
		modelHealth := model.ModelUnavailable

		for _, v := range versions {
			if v.State != model.StateReady {
				continue
			}
			switch v.Health {
			case model.HealthHealthy:
				if modelHealth != model.ModelDegraded {
					modelHealth = model.ModelHealthy
				}
			case model.HealthDegraded:
				modelHealth = model.ModelDegraded
			}
			if v.Health == model.HealthUnhealthy {
				continue // I5: never advertised
			}
			next[v.Key()] = v.Health
			entries = append(entries, backendclient.VersionEntry{
				Version:   v.Descriptor.Version,
				Health:    string(v.Health),
				InputKind: string(v.Descriptor.Input.Kind),
				Hardware: map[string]bool{
					"cpu": v.Descriptor.Hardware.CPU, "gpu": v.Descriptor.Hardware.GPU, "jetson": v.Descriptor.Hardware.Jetson,
				},
				Capabilities: v.Descriptor.Capabilities,
			})
		}
		if modelHealth == model.ModelUnavailable {
			continue
		}
		report.Models[modelID] = backendclient.ModelHealthSet{Health: string(modelHealth), Versions: entries}
	}
	return report, next
}

type versionDelta struct {
	ModelID, Version, Health string
}

// diff implements the field-by-field structural comparison from
// ai/runtime/reporting.py: a version newly absent from next is reported
// with Health="" (elided); a version whose health changed is reported
// with its new health; a version newly present is reported too.
func diff(prev, next snapshot) []versionDelta {
	var out []versionDelta
	for k, h := range next {
		if oldH, ok := prev[k]; !ok || oldH != h {
			out = append(out, versionDelta{ModelID: k.ModelID, Version: k.Version, Health: string(h)})
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			out = append(out, versionDelta{ModelID: k.ModelID, Version: k.Version, Health: ""})
		}
	}
	return out
}
