// Package model holds the shared descriptor, state, and health types used
// across the inference runtime: the registry, validator, loader, sandbox,
// resolver, and publisher all exchange these types rather than each
// defining their own.
package model

import "time"

// InputKind is the declared shape of a version's inference input.
type InputKind string

const (
	InputFrame    InputKind = "frame"
	InputBatch    InputKind = "batch"
	InputTemporal InputKind = "temporal"
)

// LoadState is the per-version mutable lifecycle state (spec §3).
type LoadState string

const (
	StateDiscovered LoadState = "DISCOVERED"
	StateValidating LoadState = "VALIDATING"
	StateValid      LoadState = "VALID"
	StateInvalid    LoadState = "INVALID"
	StateLoading    LoadState = "LOADING"
	StateReady      LoadState = "READY"
	StateFailed     LoadState = "FAILED"
	StateUnloading  LoadState = "UNLOADING"
	StateDisabled   LoadState = "DISABLED"
)

// Health is the per-version mutable health status, orthogonal to state.
type Health string

const (
	HealthHealthy   Health = "HEALTHY"
	HealthDegraded  Health = "DEGRADED"
	HealthUnhealthy Health = "UNHEALTHY"
	HealthUnknown   Health = "UNKNOWN"
)

// ModelHealth is the derived, never-stored model-level health (spec §3).
type ModelHealth string

const (
	ModelHealthy     ModelHealth = "HEALTHY"
	ModelDegraded    ModelHealth = "DEGRADED"
	ModelUnavailable ModelHealth = "UNAVAILABLE"
)

// ShapeRange bounds a frame's width/height/channels.
type ShapeRange struct {
	MinWidth, MaxWidth       int
	MinHeight, MaxHeight     int
	MinChannels, MaxChannels int
}

// BatchSpec bounds a batch input's size.
type BatchSpec struct {
	Min, Max, Recommended int
}

// TemporalSpec bounds a temporal input's frame count and fps.
type TemporalSpec struct {
	MinFrames, MaxFrames, RecommendedFrames int
	MinFPS, MaxFPS                          float64
}

// InputSpec is the declared input contract for a version.
type InputSpec struct {
	Kind     InputKind
	Shape    ShapeRange
	Batch    *BatchSpec
	Temporal *TemporalSpec
}

// OutputSpec is the declared output contract for a version.
type OutputSpec struct {
	AllowedEvents  []string
	HasBoundingBox bool
	HasMetadata    bool
	AllowedMetaKeys []string
}

// HardwareSpec declares hardware compatibility.
type HardwareSpec struct {
	CPU, GPU, Jetson bool
	MinGPUMemoryMB   int
}

// PerformanceHints are advisory performance characteristics.
type PerformanceHints struct {
	InferenceTimeHintMS int
	RecommendedFPS      float64
	MaxFPS              float64
	WarmupIterations    int
}

// ResourceLimits bounds a version's resource usage.
type ResourceLimits struct {
	MaxMemoryMB             int // 0 = unset
	PreprocessTimeoutMS     int
	InferenceTimeoutMS      int
	PostprocessTimeoutMS    int
	MaxConcurrentInferences int
}

// Descriptor is the immutable, validated metadata for one (model_id,
// version) pair — the output of the contract validator (C2).
type Descriptor struct {
	ModelID     string
	Version     string
	DisplayName string

	SchemaVersion string

	Input       InputSpec
	Output      OutputSpec
	Hardware    HardwareSpec
	Performance PerformanceHints
	Limits      ResourceLimits

	Capabilities map[string]bool

	// File layout, relative to the version directory.
	Path               string
	WeightsDir         string
	InferEntry         string
	PreprocessEntry    string // optional, "" if absent
	PostprocessEntry   string // optional, "" if absent
	HasPreprocess      bool
	HasPostprocess     bool

	Prerelease bool
}

// VersionKey identifies a (model_id, version) pair.
type VersionKey struct {
	ModelID string
	Version string
}

func (k VersionKey) String() string {
	return k.ModelID + "@" + k.Version
}

// FailureKind classifies an entry in a version's failure ring (spec §3).
type FailureKind string

const (
	FailureExecutionError     FailureKind = "EXECUTION_ERROR"
	FailureTimeout            FailureKind = "TIMEOUT"
	FailureOOM                FailureKind = "OOM"
	FailureUnhealthyTransition FailureKind = "UNHEALTHY_TRANSITION"
)

// FailureRecord is one entry in a version's bounded failure ring.
type FailureRecord struct {
	At        time.Time
	Kind      FailureKind
	ErrorCode string
}

// CircuitState is the per-version circuit breaker state (C9).
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BackpressureLevel is the purely informational concurrency-pressure
// signal derived from global_active/global_limit (C8).
type BackpressureLevel string

const (
	BackpressureNone BackpressureLevel = "NONE"
	BackpressureSoft BackpressureLevel = "SOFT"
	BackpressureHard BackpressureLevel = "HARD"
)

// VersionRecord is the registry's full view of one version: its
// immutable descriptor plus its mutable state/health/circuit status.
type VersionRecord struct {
	Descriptor   Descriptor
	State        LoadState
	Health       Health
	Circuit      CircuitState
	ErrorCode    string
	ErrorMessage string
	UpdatedAt    time.Time
}

// Key returns the (model_id, version) identity of this record.
func (v VersionRecord) Key() VersionKey {
	return VersionKey{ModelID: v.Descriptor.ModelID, Version: v.Descriptor.Version}
}

// EventKind enumerates the kinds of registry events (C4).
type EventKind string

const (
	EventRegistered    EventKind = "REGISTERED"
	EventStateChanged  EventKind = "STATE_CHANGED"
	EventHealthChanged EventKind = "HEALTH_CHANGED"
	EventRemoved       EventKind = "REMOVED"
)

// Event is emitted by the registry on every mutation, totally ordered
// per version (I4).
type Event struct {
	Kind      EventKind
	Key       VersionKey
	Record    VersionRecord
	Previous  VersionRecord
	Timestamp time.Time
}
