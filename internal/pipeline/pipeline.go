// Package pipeline implements the inference pipeline (C11): the
// runtime's single public entry point. Submit runs the exact
// short-circuiting six-step flow from spec.md §4.10 — validate shape,
// resolve version, admit, dispatch, translate outcome, release slot
// unconditionally — mapping every failure to its errorkit Kind.
// Grounded on the teacher's executor.Executor.Execute turn loop: the
// same validate-call-translate-log shape, the same "release resources
// on every exit path" discipline.
package pipeline

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentoven/agentoven/control-plane/internal/circuit"
	"github.com/agentoven/agentoven/control-plane/internal/concurrency"
	"github.com/agentoven/agentoven/control-plane/internal/coordinator"
	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/internal/sandbox"
	"github.com/agentoven/agentoven/control-plane/internal/version"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

var tracer = otel.Tracer("github.com/agentoven/agentoven/control-plane/internal/pipeline")

var modelIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{2,63}$`)

// Status is the inference response's top-level outcome.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusRejected Status = "REJECTED"
)

// Request is the public inference request (spec.md §6).
type Request struct {
	RequestID string
	ModelID   string
	Version   string // optional, explicit version pin
	Input     sandbox.Input
	Metadata  map[string]string
	Priority  int // advisory only, not used for scheduling
}

// Response is the public inference response (spec.md §6).
type Response struct {
	RequestID       string
	ModelID         string
	Version         string
	Status          Status
	Result          json.RawMessage
	ErrorKind       errorkit.Kind
	ErrorMessage    string
	ErrorStage      string
	Retryable       bool
	InferenceTimeMS int64
}

// Pipeline is the public entry point wiring resolver, admission
// controller, coordinator, circuit breaker, and registry together.
type Pipeline struct {
	resolver    *version.Resolver
	concurrency *concurrency.Manager
	coordinator *coordinator.Coordinator
	breaker     *circuit.Breaker
	registry    *registry.Registry
}

// New builds a Pipeline from its already-constructed collaborators. reg
// receives every real execution outcome's windowed health so health
// actually evolves from traffic rather than only from activation.
func New(resolver *version.Resolver, conc *concurrency.Manager, coord *coordinator.Coordinator, breaker *circuit.Breaker, reg *registry.Registry) *Pipeline {
	return &Pipeline{resolver: resolver, concurrency: conc, coordinator: coord, breaker: breaker, registry: reg}
}

// Submit runs one inference request end-to-end.
func (p *Pipeline) Submit(ctx context.Context, req Request) Response {
	ctx, span := tracer.Start(ctx, "pipeline.submit")
	defer span.End()
	span.SetAttributes(attribute.String("model_id", req.ModelID), attribute.String("request_id", req.RequestID))

	resp := Response{RequestID: req.RequestID, ModelID: req.ModelID, Version: req.Version}

	// Step 1: validate request shape.
	if err := validateShape(req); err != nil {
		return failResponse(resp, StatusRejected, err)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
		resp.RequestID = req.RequestID
	}

	// Step 2: resolve version.
	desc, err := p.resolver.Resolve(req.ModelID, req.Version)
	if err != nil {
		re, _ := errorkit.As(err)
		return failResponse(resp, StatusFailed, re)
	}
	key := model.VersionKey{ModelID: desc.ModelID, Version: desc.Version}
	resp.Version = desc.Version

	// Step 3: admit.
	slot, err := p.concurrency.TryAcquire(key, req.RequestID)
	if err != nil {
		re, _ := errorkit.As(err)
		return failResponse(resp, StatusRejected, re)
	}
	defer slot.Release() // step 6: unconditional release, every exit path.

	// Step 4: dispatch.
	sb, ok := p.coordinator.Sandbox(key)
	if !ok {
		return failResponse(resp, StatusFailed, errorkit.Pipeline(errorkit.KindPipeNoSandbox,
			"registry reports READY but no sandbox exists", errorkit.Context{ModelID: key.ModelID, Version: key.Version, RequestID: req.RequestID}))
	}

	prevHealth := model.HealthUnknown
	if rec, ok := p.registry.GetVersion(key); ok {
		prevHealth = rec.Health
	}

	start := time.Now()
	outcome := sb.Execute(ctx, req.Input)
	resp.InferenceTimeMS = time.Since(start).Milliseconds()

	if err := p.registry.UpdateHealth(key, outcome.Health); err != nil {
		log.Warn().Err(err).Str("model_id", key.ModelID).Str("version", key.Version).
			Msg("pipeline: failed to record windowed health")
	} else if outcome.Health == model.HealthUnhealthy && prevHealth != model.HealthUnhealthy {
		p.breaker.RecordUnhealthyTransition(key)
	}

	// Step 5: translate outcome, record to circuit breaker either way.
	if outcome.Success {
		p.breaker.RecordSuccess(key)
		resp.Status = StatusSuccess
		resp.Result = outcome.Output
		return resp
	}

	if outcome.Err != nil && !outcome.Err.Retryable() {
		p.breaker.RecordFailure(key)
	} else if outcome.Err != nil && isTimeoutKind(outcome.Err.Kind) {
		p.breaker.RecordFailure(key)
	}
	resp.Status = StatusFailed
	resp.ErrorStage = outcome.Stage
	if outcome.Err != nil {
		resp.ErrorKind = outcome.Err.Kind
		resp.ErrorMessage = outcome.Err.Error()
		resp.Retryable = outcome.Err.Retryable()
	}
	return resp
}

func isTimeoutKind(k errorkit.Kind) bool {
	switch k {
	case errorkit.KindExecPreprocessTimeout, errorkit.KindExecInferenceTimeout, errorkit.KindExecPostprocessTimeout:
		return true
	}
	return false
}

func failResponse(resp Response, status Status, err *errorkit.RuntimeError) Response {
	resp.Status = status
	if err != nil {
		resp.ErrorKind = err.Kind
		resp.ErrorMessage = err.Error()
		resp.Retryable = err.Retryable()
	}
	return resp
}

func validateShape(req Request) *errorkit.RuntimeError {
	ctx := errorkit.Context{ModelID: req.ModelID, RequestID: req.RequestID}
	if req.ModelID == "" {
		return errorkit.Pipeline(errorkit.KindPipeRequestInvalid, "model_id is required", ctx)
	}
	if !modelIDPattern.MatchString(req.ModelID) {
		return errorkit.Pipeline(errorkit.KindPipeRequestInvalid, "model_id does not match the identifier pattern", ctx)
	}
	switch req.Input.Kind {
	case model.InputFrame:
		if req.Input.Payload == nil {
			return errorkit.Pipeline(errorkit.KindPipeInvalidFrameRef, "frame input missing reference payload", ctx)
		}
	case model.InputBatch:
		if req.Input.BatchN <= 0 {
			return errorkit.Pipeline(errorkit.KindPipeBatchSizeInvalid, "batch size must be positive", ctx)
		}
	case model.InputTemporal:
		if req.Input.Frames <= 0 {
			return errorkit.Pipeline(errorkit.KindPipeTemporalLengthInvalid, "temporal length must be positive", ctx)
		}
	default:
		return errorkit.Pipeline(errorkit.KindPipeInputTypeMismatch, "unrecognized input kind", ctx)
	}
	return nil
}
