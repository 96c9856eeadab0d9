package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/control-plane/internal/circuit"
	"github.com/agentoven/agentoven/control-plane/internal/concurrency"
	"github.com/agentoven/agentoven/control-plane/internal/coordinator"
	"github.com/agentoven/agentoven/control-plane/internal/pipeline"
	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/internal/sandbox"
	"github.com/agentoven/agentoven/control-plane/internal/version"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

const detectorEntryPoint = `
import sys
import json

print("MODEL_READY", flush=True)
for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    req = json.loads(line)
    print(json.dumps({"ok": True, "output": {"event": "face_detected"}}), flush=True)
`

const alwaysFailEntryPoint = `
import sys
import json

print("MODEL_READY", flush=True)
for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    print(json.dumps({"ok": False, "error": "inference crashed"}), flush=True)
`

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		if _, err := exec.LookPath("python"); err != nil {
			t.Skip("python3/python not available in PATH")
		}
	}
}

// harness wires a full Pipeline against real collaborators, the way
// cmd/runtime does, so Submit can be exercised end-to-end.
type harness struct {
	reg    *registry.Registry
	coord  *coordinator.Coordinator
	breaker *circuit.Breaker
	conc   *concurrency.Manager
	pipe   *pipeline.Pipeline
}

func newHarness(t *testing.T, globalLimit int) *harness {
	t.Helper()
	reg := registry.New()
	breaker := circuit.New(circuit.Config{
		FailureThreshold:   3,
		UnhealthyThreshold: 2,
		Cooldown:           50 * time.Millisecond,
		HalfOpenSuccesses:  1,
	}, func(key model.VersionKey, from, to model.CircuitState) {
		_ = reg.UpdateCircuit(key, to)
	})
	conc := concurrency.New(globalLimit)
	coord := coordinator.New(reg, 5*time.Second)
	resolver := version.New(reg, false)
	pipe := pipeline.New(resolver, conc, coord, breaker, reg)
	return &harness{reg: reg, coord: coord, breaker: breaker, conc: conc, pipe: pipe}
}

func (h *harness) activate(t *testing.T, key model.VersionKey, entryPoint string, perModel, perVersion int) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "infer.py"), []byte(entryPoint), 0o644))
	desc := model.Descriptor{
		ModelID:    key.ModelID,
		Version:    key.Version,
		Path:       dir,
		InferEntry: "infer.py",
		Input:      model.InputSpec{Kind: model.InputFrame},
		Output:     model.OutputSpec{AllowedEvents: []string{"face_detected"}},
		Limits:     model.ResourceLimits{InferenceTimeoutMS: 2000},
	}
	h.reg.Discover(key)
	require.NoError(t, h.reg.SetDescriptor(key, desc))
	require.NoError(t, h.reg.UpdateState(key, model.StateValidating, "", ""))
	require.NoError(t, h.reg.UpdateState(key, model.StateValid, "", ""))
	h.conc.RegisterLimits(key, perModel, perVersion)
	require.NoError(t, h.coord.Activate(context.Background(), key, desc))
}

func TestSubmit_HappyPathFrameInference(t *testing.T) {
	requirePython(t)
	h := newHarness(t, 10)
	key := model.VersionKey{ModelID: "face_detect", Version: "1.0.0"}
	h.activate(t, key, detectorEntryPoint, 5, 5)

	resp := h.pipe.Submit(context.Background(), pipeline.Request{
		ModelID: "face_detect",
		Input:   sandbox.Input{Kind: model.InputFrame, Payload: json.RawMessage(`{"frame_ref":"s3://x"}`)},
	})

	require.Equal(t, pipeline.StatusSuccess, resp.Status)
	assert.Equal(t, "1.0.0", resp.Version)
	assert.JSONEq(t, `{"event":"face_detected"}`, string(resp.Result))
}

func TestSubmit_ImplicitResolutionExcludesPrereleaseAndUnhealthy(t *testing.T) {
	requirePython(t)
	h := newHarness(t, 10)

	stable := model.VersionKey{ModelID: "face_detect", Version: "1.0.0"}
	h.activate(t, stable, detectorEntryPoint, 5, 5)

	rc := model.VersionKey{ModelID: "face_detect", Version: "2.0.0-rc.1"}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "infer.py"), []byte(detectorEntryPoint), 0o644))
	rcDesc := model.Descriptor{
		ModelID: rc.ModelID, Version: rc.Version, Path: dir, InferEntry: "infer.py",
		Input: model.InputSpec{Kind: model.InputFrame}, Prerelease: true,
		Limits: model.ResourceLimits{InferenceTimeoutMS: 2000},
	}
	h.reg.Discover(rc)
	require.NoError(t, h.reg.SetDescriptor(rc, rcDesc))
	require.NoError(t, h.reg.UpdateState(rc, model.StateValidating, "", ""))
	require.NoError(t, h.reg.UpdateState(rc, model.StateValid, "", ""))
	h.conc.RegisterLimits(rc, 5, 5)
	require.NoError(t, h.coord.Activate(context.Background(), rc, rcDesc))

	resp := h.pipe.Submit(context.Background(), pipeline.Request{
		ModelID: "face_detect",
		Input:   sandbox.Input{Kind: model.InputFrame, Payload: json.RawMessage(`{"frame_ref":"s3://x"}`)},
	})
	require.Equal(t, pipeline.StatusSuccess, resp.Status)
	assert.Equal(t, "1.0.0", resp.Version, "prerelease must never win implicit resolution")

	// degrade the stable version below eligibility and confirm resolution
	// now fails outright (no other healthy version to fall back to).
	require.NoError(t, h.reg.UpdateHealth(stable, model.HealthUnhealthy))
	resp2 := h.pipe.Submit(context.Background(), pipeline.Request{
		ModelID: "face_detect",
		Input:   sandbox.Input{Kind: model.InputFrame, Payload: json.RawMessage(`{"frame_ref":"s3://x"}`)},
	})
	assert.Equal(t, pipeline.StatusFailed, resp2.Status)
}

func TestSubmit_PerModelAdmissionRejection(t *testing.T) {
	requirePython(t)
	h := newHarness(t, 10)
	key := model.VersionKey{ModelID: "face_detect", Version: "1.0.0"}
	h.activate(t, key, detectorEntryPoint, 1, 1)

	slot, err := h.conc.TryAcquire(key, "occupying-request")
	require.NoError(t, err)
	defer slot.Release()

	resp := h.pipe.Submit(context.Background(), pipeline.Request{
		ModelID: "face_detect",
		Input:   sandbox.Input{Kind: model.InputFrame, Payload: json.RawMessage(`{"frame_ref":"s3://x"}`)},
	})
	assert.Equal(t, pipeline.StatusRejected, resp.Status)
}

func TestSubmit_CircuitOpensOnRepeatedFailureSecondModelUnaffected(t *testing.T) {
	requirePython(t)
	h := newHarness(t, 10)

	failing := model.VersionKey{ModelID: "face_detect", Version: "1.0.0"}
	h.activate(t, failing, alwaysFailEntryPoint, 10, 10)

	healthy := model.VersionKey{ModelID: "pose_estimate", Version: "1.0.0"}
	h.activate(t, healthy, detectorEntryPoint, 10, 10)

	for i := 0; i < 3; i++ {
		resp := h.pipe.Submit(context.Background(), pipeline.Request{
			ModelID: "face_detect",
			Input:   sandbox.Input{Kind: model.InputFrame, Payload: json.RawMessage(`{"frame_ref":"s3://x"}`)},
		})
		require.Equal(t, pipeline.StatusFailed, resp.Status)
	}

	rec, ok := h.reg.GetVersion(failing)
	require.True(t, ok)
	assert.Equal(t, model.CircuitOpen, rec.Circuit)

	resp := h.pipe.Submit(context.Background(), pipeline.Request{
		ModelID: "pose_estimate",
		Input:   sandbox.Input{Kind: model.InputFrame, Payload: json.RawMessage(`{"frame_ref":"s3://x"}`)},
	})
	assert.Equal(t, pipeline.StatusSuccess, resp.Status, "an unrelated model's circuit must be unaffected")
}

func TestSubmit_RealFailuresDriveRegistryHealthToUnhealthyAndExcludeFromResolution(t *testing.T) {
	requirePython(t)
	h := newHarness(t, 10)
	resolver := version.New(h.reg, false)

	failing := model.VersionKey{ModelID: "face_detect", Version: "1.0.0"}
	h.activate(t, failing, alwaysFailEntryPoint, 10, 10)

	rec, ok := h.reg.GetVersion(failing)
	require.True(t, ok)
	assert.Equal(t, model.HealthHealthy, rec.Health, "activation marks a freshly READY version HEALTHY")

	resp := h.pipe.Submit(context.Background(), pipeline.Request{
		ModelID: "face_detect",
		Input:   sandbox.Input{Kind: model.InputFrame, Payload: json.RawMessage(`{"frame_ref":"s3://x"}`)},
	})
	require.Equal(t, pipeline.StatusFailed, resp.Status)

	rec, ok = h.reg.GetVersion(failing)
	require.True(t, ok)
	assert.Equal(t, model.HealthUnhealthy, rec.Health, "a single sandbox failure pushes windowed health straight to UNHEALTHY")
	assert.Equal(t, model.CircuitClosed, rec.Circuit, "one failure alone must not yet trip the circuit")

	_, err := resolver.Resolve("face_detect", "")
	require.Error(t, err, "an UNHEALTHY version must never be resolved implicitly")
}

func TestSubmit_TimeoutContainedWithoutBlockingSubsequentRequests(t *testing.T) {
	requirePython(t)
	h := newHarness(t, 10)
	key := model.VersionKey{ModelID: "face_detect", Version: "1.0.0"}

	dir := t.TempDir()
	// the process hangs on every request while a trigger file is present in
	// its version directory, and answers immediately once it is gone. This
	// lets the test control the hang window independently of which OS
	// process (original or lazily respawned) happens to be serving it.
	triggerPath := filepath.Join(dir, "hang")
	require.NoError(t, os.WriteFile(triggerPath, []byte("1"), 0o644))
	slowWhileTriggered := `
import sys
import json
import os
import time

trigger = os.path.join(os.path.dirname(os.path.abspath(__file__)), "hang")
print("MODEL_READY", flush=True)
for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    if os.path.exists(trigger):
        time.sleep(5)
    print(json.dumps({"ok": True, "output": {"event": "face_detected"}}), flush=True)
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "infer.py"), []byte(slowWhileTriggered), 0o644))
	desc := model.Descriptor{
		ModelID: key.ModelID, Version: key.Version, Path: dir, InferEntry: "infer.py",
		Input:  model.InputSpec{Kind: model.InputFrame},
		Output: model.OutputSpec{AllowedEvents: []string{"face_detected"}},
		Limits: model.ResourceLimits{InferenceTimeoutMS: 200},
	}
	h.reg.Discover(key)
	require.NoError(t, h.reg.SetDescriptor(key, desc))
	require.NoError(t, h.reg.UpdateState(key, model.StateValidating, "", ""))
	require.NoError(t, h.reg.UpdateState(key, model.StateValid, "", ""))
	h.conc.RegisterLimits(key, 5, 5)
	require.NoError(t, h.coord.Activate(context.Background(), key, desc))

	start := time.Now()
	resp := h.pipe.Submit(context.Background(), pipeline.Request{
		ModelID: "face_detect",
		Input:   sandbox.Input{Kind: model.InputFrame, Payload: json.RawMessage(`{"frame_ref":"s3://x"}`)},
	})
	elapsed := time.Since(start)
	require.Equal(t, pipeline.StatusFailed, resp.Status)
	assert.Less(t, elapsed, 1*time.Second, "a stuck stage must not block the caller past its own timeout")

	require.NoError(t, os.Remove(triggerPath))
	resp2 := h.pipe.Submit(context.Background(), pipeline.Request{
		ModelID: "face_detect",
		Input:   sandbox.Input{Kind: model.InputFrame, Payload: json.RawMessage(`{"frame_ref":"s3://x"}`)},
	})
	assert.Equal(t, pipeline.StatusSuccess, resp2.Status, "a respawned process must serve the next request")
}

func TestSubmit_RejectsMalformedRequestBeforeTouchingAnyCollaborator(t *testing.T) {
	h := newHarness(t, 10)
	resp := h.pipe.Submit(context.Background(), pipeline.Request{ModelID: ""})
	assert.Equal(t, pipeline.StatusRejected, resp.Status)
}
