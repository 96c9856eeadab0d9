package discovery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/control-plane/internal/discovery"
	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

const validContract = `
model_id: face_detect
version: 1.0.0
display_name: Face Detector
contract_schema_version: "1.0.0"
input:
  kind: frame
output:
  allowed_events: ["face_detected"]
hardware:
  cpu: true
performance: {}
entrypoints:
  infer: infer.py
`

func writeVersionDir(t *testing.T, root, modelID, version, contractYAML string) {
	t.Helper()
	dir := filepath.Join(root, modelID, version)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "weights"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contract.yaml"), []byte(contractYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "infer.py"), []byte("# infer\n"), 0o644))
}

func TestScan_ValidatesWellFormedVersion(t *testing.T) {
	root := t.TempDir()
	writeVersionDir(t, root, "face_detect", "1.0.0", validContract)

	reg := registry.New()
	s := discovery.New(root, reg)
	require.NoError(t, s.Scan(context.Background()))

	rec, ok := reg.GetVersion(model.VersionKey{ModelID: "face_detect", Version: "1.0.0"})
	require.True(t, ok)
	assert.Equal(t, model.StateValid, rec.State)
}

const validPoseContract = `
model_id: pose_estimate
version: 1.0.0
display_name: Pose Estimator
contract_schema_version: "1.0.0"
input:
  kind: frame
output:
  allowed_events: ["pose_estimated"]
hardware:
  cpu: true
performance: {}
entrypoints:
  infer: infer.py
`

func TestScan_InvalidContractMarksInvalidButDoesNotAbortScan(t *testing.T) {
	root := t.TempDir()
	writeVersionDir(t, root, "face_detect", "1.0.0", "not: [valid")
	writeVersionDir(t, root, "pose_estimate", "1.0.0", validPoseContract)

	reg := registry.New()
	s := discovery.New(root, reg)
	require.NoError(t, s.Scan(context.Background()))

	bad, ok := reg.GetVersion(model.VersionKey{ModelID: "face_detect", Version: "1.0.0"})
	require.True(t, ok)
	assert.Equal(t, model.StateInvalid, bad.State)

	good, ok := reg.GetVersion(model.VersionKey{ModelID: "pose_estimate", Version: "1.0.0"})
	require.True(t, ok)
	assert.Equal(t, model.StateValid, good.State)
}

func TestScan_SkipsMalformedModelIDDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "BadName!"), 0o755))

	reg := registry.New()
	s := discovery.New(root, reg)
	require.NoError(t, s.Scan(context.Background()))
	assert.Empty(t, reg.Snapshot())
}

func TestScan_SkipsMalformedVersionDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "face_detect", "not-a-semver"), 0o755))

	reg := registry.New()
	s := discovery.New(root, reg)
	require.NoError(t, s.Scan(context.Background()))
	assert.Empty(t, reg.Snapshot())
}

func TestScan_MissingRootReturnsClassifiedError(t *testing.T) {
	reg := registry.New()
	s := discovery.New(filepath.Join(t.TempDir(), "does-not-exist"), reg)
	err := s.Scan(context.Background())
	require.Error(t, err)
	rerr, ok := errorkit.As(err)
	require.True(t, ok)
	assert.Equal(t, errorkit.KindDiscRootNotFound, rerr.Kind)
}

func TestScan_NeverRevalidatesAnActivatedVersion(t *testing.T) {
	root := t.TempDir()
	writeVersionDir(t, root, "face_detect", "1.0.0", validContract)

	reg := registry.New()
	s := discovery.New(root, reg)
	require.NoError(t, s.Scan(context.Background()))

	key := model.VersionKey{ModelID: "face_detect", Version: "1.0.0"}
	require.NoError(t, reg.UpdateState(key, model.StateLoading, "", ""))
	require.NoError(t, reg.UpdateState(key, model.StateReady, "", ""))

	// corrupt the contract on disk; a benign re-scan must not tear a live
	// READY version back down to VALIDATING.
	require.NoError(t, os.WriteFile(filepath.Join(root, "face_detect", "1.0.0", "contract.yaml"), []byte("not: [valid"), 0o644))
	require.NoError(t, s.Scan(context.Background()))

	rec, ok := reg.GetVersion(key)
	require.True(t, ok)
	assert.Equal(t, model.StateReady, rec.State, "a READY version must survive a re-scan untouched")
}
