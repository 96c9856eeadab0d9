// Package sandbox implements the execution sandbox (C6): one per loaded
// version, running preprocess->infer->postprocess with per-stage
// timeouts, full exception containment, and windowed health tracking.
// The subprocess/IPC primitive (process.go) is grounded on the teacher's
// process.LocalExecutor; this file adds the stage pipeline, input/output
// schema checks, and the health window spec.md §4.5 requires.
package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

var tracer = otel.Tracer("github.com/agentoven/agentoven/control-plane/internal/sandbox")

// windowSize is N from spec.md §4.5.
const windowSize = 20

// respawnReadyTimeout bounds how long a lazily-replaced process may take
// to signal ready before Execute gives up and reports the version
// unavailable for this request.
const respawnReadyTimeout = 15 * time.Second

// Outcome is the result of one Execute call.
type Outcome struct {
	Success    bool
	Output     json.RawMessage
	Err        *errorkit.RuntimeError
	Stage      string
	DurationMS int64

	// Health is the windowed health value recordOutcome computed from
	// this call and every prior one in the window. The caller wires it
	// to registry.UpdateHealth so health actually evolves from real
	// traffic rather than only from activation.
	Health model.Health
}

// Input is the structural request handed to the sandbox by the
// pipeline, already validated against the input kind by the pipeline's
// stage-1 structural check. Shape-range re-validation against the
// descriptor still happens here (spec.md §4.5 step 1).
type Input struct {
	Kind    model.InputKind
	Width   int
	Height  int
	BatchN  int
	Frames  int
	Payload json.RawMessage
}

// Sandbox wraps exactly one loaded version's subprocess. A poisoned
// process is replaced lazily on the next Execute call rather than
// proactively, so a dead process costs nothing while idle.
type Sandbox struct {
	key  model.VersionKey
	desc model.Descriptor

	procMu sync.Mutex
	proc   *Process

	healthMu sync.Mutex
	window   [windowSize]bool // true = this slot recorded a failure
	idx      int
	filled   int
}

// New builds a Sandbox around an already-spawned, ready process.
func New(desc model.Descriptor, proc *Process) *Sandbox {
	return &Sandbox{
		key:  model.VersionKey{ModelID: desc.ModelID, Version: desc.Version},
		desc: desc,
		proc: proc,
	}
}

// Destroy kills the underlying subprocess. Called by the coordinator on
// deactivation.
func (s *Sandbox) Destroy() {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.proc.Kill()
}

// ensureLive replaces a poisoned process with a freshly spawned one
// before the caller issues any stage calls. The replacement skips
// warmup — warmup is the loader's concern at initial activation — so
// the first request after a respawn pays a cold-start cost the circuit
// breaker's failure accounting may reflect as a slow success.
func (s *Sandbox) ensureLive(ctx context.Context) *errorkit.RuntimeError {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	if !s.proc.Poisoned() {
		return nil
	}
	log.Warn().Str("model_id", s.key.ModelID).Str("version", s.key.Version).
		Msg("sandbox: process poisoned, respawning before dispatch")

	newProc, err := Spawn(ctx, s.desc, respawnReadyTimeout)
	if err != nil {
		return errorkit.Execution(errorkit.KindExecModelNotReady, "replacement process failed to become ready: "+err.Error(),
			errorkit.Context{ModelID: s.key.ModelID, Version: s.key.Version})
	}
	s.proc.Kill()
	s.proc = newProc
	return nil
}

// process returns the current live process under lock, for use by
// runStage.
func (s *Sandbox) process() *Process {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	return s.proc
}

// Execute runs preprocess->infer->postprocess under the descriptor's
// per-stage timeouts, fully containing any failure as a classified
// outcome.
func (s *Sandbox) Execute(ctx context.Context, in Input) Outcome {
	ctx, span := tracer.Start(ctx, "sandbox.execute")
	defer span.End()
	span.SetAttributes(attribute.String("model_id", s.key.ModelID), attribute.String("version", s.key.Version))

	start := time.Now()

	if err := s.validateInput(in); err != nil {
		health := s.recordOutcome(false)
		return Outcome{Success: false, Err: err, Stage: "input_validation", DurationMS: time.Since(start).Milliseconds(), Health: health}
	}

	if err := s.ensureLive(ctx); err != nil {
		health := s.recordOutcome(false)
		return Outcome{Success: false, Err: err, Stage: "dispatch", DurationMS: time.Since(start).Milliseconds(), Health: health}
	}

	payload := in.Payload

	if s.desc.HasPreprocess {
		out, err := s.runStage(ctx, "preprocess", payload, time.Duration(s.desc.Limits.PreprocessTimeoutMS)*time.Millisecond,
			errorkit.KindExecPreprocessTimeout, errorkit.KindExecPreprocessFailed)
		if err != nil {
			health := s.recordOutcome(false)
			return Outcome{Success: false, Err: err, Stage: "preprocess", DurationMS: time.Since(start).Milliseconds(), Health: health}
		}
		payload = out
	}

	inferOut, err := s.runStage(ctx, "infer", payload, time.Duration(s.desc.Limits.InferenceTimeoutMS)*time.Millisecond,
		errorkit.KindExecInferenceTimeout, errorkit.KindExecInferenceFailed)
	if err != nil {
		health := s.recordOutcome(false)
		return Outcome{Success: false, Err: err, Stage: "infer", DurationMS: time.Since(start).Milliseconds(), Health: health}
	}
	payload = inferOut

	if s.desc.HasPostprocess {
		out, err := s.runStage(ctx, "postprocess", payload, time.Duration(s.desc.Limits.PostprocessTimeoutMS)*time.Millisecond,
			errorkit.KindExecPostprocessTimeout, errorkit.KindExecPostprocessFailed)
		if err != nil {
			health := s.recordOutcome(false)
			return Outcome{Success: false, Err: err, Stage: "postprocess", DurationMS: time.Since(start).Milliseconds(), Health: health}
		}
		payload = out
	}

	if err := s.validateOutput(payload); err != nil {
		health := s.recordOutcome(false)
		return Outcome{Success: false, Err: err, Stage: "output_validation", DurationMS: time.Since(start).Milliseconds(), Health: health}
	}

	health := s.recordOutcome(true)
	return Outcome{Success: true, Output: payload, Stage: "", DurationMS: time.Since(start).Milliseconds(), Health: health}
}

func (s *Sandbox) runStage(ctx context.Context, stage string, input json.RawMessage, timeout time.Duration,
	timeoutKind, failKind errorkit.Kind) (json.RawMessage, *errorkit.RuntimeError) {

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := s.process().Call(stageCtx, stage, input)
	if err != nil {
		ctx2 := errorkit.Context{ModelID: s.key.ModelID, Version: s.key.Version, Stage: stage, DurationMS: timeout.Milliseconds()}
		if stageCtx.Err() == context.DeadlineExceeded {
			return nil, errorkit.Execution(timeoutKind, "stage exceeded its timeout", ctx2)
		}
		return nil, errorkit.Execution(failKind, err.Error(), ctx2)
	}
	return out, nil
}

func (s *Sandbox) validateInput(in Input) *errorkit.RuntimeError {
	ctx := errorkit.Context{ModelID: s.key.ModelID, Version: s.key.Version, Stage: "input_validation"}
	if in.Kind != s.desc.Input.Kind {
		return errorkit.Execution(errorkit.KindExecInvalidInput, "input kind does not match declared kind", ctx)
	}
	shape := s.desc.Input.Shape
	if in.Width != 0 && (in.Width < shape.MinWidth || (shape.MaxWidth > 0 && in.Width > shape.MaxWidth)) {
		return errorkit.Execution(errorkit.KindExecInvalidInput, "width out of declared range", ctx)
	}
	if in.Height != 0 && (in.Height < shape.MinHeight || (shape.MaxHeight > 0 && in.Height > shape.MaxHeight)) {
		return errorkit.Execution(errorkit.KindExecInvalidInput, "height out of declared range", ctx)
	}
	switch in.Kind {
	case model.InputBatch:
		if s.desc.Input.Batch != nil {
			b := s.desc.Input.Batch
			if in.BatchN < b.Min || (b.Max > 0 && in.BatchN > b.Max) {
				return errorkit.Execution(errorkit.KindExecInvalidInput, "batch size out of declared range", ctx)
			}
		}
	case model.InputTemporal:
		if s.desc.Input.Temporal != nil {
			t := s.desc.Input.Temporal
			if in.Frames < t.MinFrames || (t.MaxFrames > 0 && in.Frames > t.MaxFrames) {
				return errorkit.Execution(errorkit.KindExecInvalidInput, "frame count out of declared range", ctx)
			}
		}
	}
	return nil
}

func (s *Sandbox) validateOutput(payload json.RawMessage) *errorkit.RuntimeError {
	ctx := errorkit.Context{ModelID: s.key.ModelID, Version: s.key.Version, Stage: "output_validation"}
	if len(payload) == 0 {
		return errorkit.Execution(errorkit.KindExecInvalidOutput, "empty output payload", ctx)
	}
	if len(s.desc.Output.AllowedEvents) > 0 {
		var parsed struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(payload, &parsed); err == nil && parsed.Event != "" {
			allowed := false
			for _, e := range s.desc.Output.AllowedEvents {
				if e == parsed.Event {
					allowed = true
					break
				}
			}
			if !allowed {
				return errorkit.Execution(errorkit.KindExecInvalidOutput, "event not in declared allowed_events", ctx)
			}
		}
	}
	return nil
}

// recordOutcome updates the windowed failure rate and returns the
// resulting health value, which callers wire to registry.UpdateHealth.
func (s *Sandbox) recordOutcome(success bool) model.Health {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.window[s.idx] = !success
	s.idx = (s.idx + 1) % windowSize
	if s.filled < windowSize {
		s.filled++
	}
	failures := 0
	for i := 0; i < s.filled; i++ {
		if s.window[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(s.filled)
	switch {
	case rate > 0.5:
		return model.HealthUnhealthy
	case rate >= 0.1:
		return model.HealthDegraded
	default:
		return model.HealthHealthy
	}
}

// Health returns the current windowed health without recording a new
// outcome.
func (s *Sandbox) Health() model.Health {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if s.filled == 0 {
		return model.HealthUnknown
	}
	failures := 0
	for i := 0; i < s.filled; i++ {
		if s.window[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(s.filled)
	switch {
	case rate > 0.5:
		return model.HealthUnhealthy
	case rate >= 0.1:
		return model.HealthDegraded
	default:
		return model.HealthHealthy
	}
}
