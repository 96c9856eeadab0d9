package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/internal/version"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

func TestCompare_NumericOrder(t *testing.T) {
	assert.True(t, version.Compare("1.2.0", "1.1.9") > 0)
	assert.True(t, version.Compare("2.0.0", "1.9.9") > 0)
	assert.Equal(t, 0, version.Compare("1.2.3", "1.2.3"))
}

func TestCompare_ReleaseBeatsPrerelease(t *testing.T) {
	assert.True(t, version.Compare("1.2.3", "1.2.3-rc.1") > 0)
	assert.True(t, version.Compare("1.2.3-rc.1", "1.2.3") < 0)
}

func TestCompare_PrereleaseIdentifiers(t *testing.T) {
	// numeric identifiers sort numerically and below alphanumeric ones
	assert.True(t, version.Compare("1.0.0-alpha.1", "1.0.0-alpha.2") < 0)
	assert.True(t, version.Compare("1.0.0-alpha.2", "1.0.0-alpha.10") < 0)
	assert.True(t, version.Compare("1.0.0-alpha.1", "1.0.0-alpha.beta") < 0)
	// fewer identifiers sorts lower when otherwise equal
	assert.True(t, version.Compare("1.0.0-alpha", "1.0.0-alpha.1") < 0)
}

func readyDescriptor(modelID, ver string, prerelease bool) model.Descriptor {
	return model.Descriptor{ModelID: modelID, Version: ver, Prerelease: prerelease}
}

func putReady(t *testing.T, reg *registry.Registry, desc model.Descriptor, health model.Health) model.VersionKey {
	t.Helper()
	key := model.VersionKey{ModelID: desc.ModelID, Version: desc.Version}
	reg.Discover(key)
	require.NoError(t, reg.SetDescriptor(key, desc))
	require.NoError(t, reg.UpdateState(key, model.StateValidating, "", ""))
	require.NoError(t, reg.UpdateState(key, model.StateValid, "", ""))
	require.NoError(t, reg.UpdateState(key, model.StateLoading, "", ""))
	require.NoError(t, reg.UpdateState(key, model.StateReady, "", ""))
	require.NoError(t, reg.UpdateHealth(key, health))
	return key
}

func TestResolve_ImplicitPicksHighestEligible(t *testing.T) {
	reg := registry.New()
	putReady(t, reg, readyDescriptor("face_detect", "1.0.0", false), model.HealthHealthy)
	putReady(t, reg, readyDescriptor("face_detect", "1.2.0", false), model.HealthHealthy)
	putReady(t, reg, readyDescriptor("face_detect", "1.1.0", false), model.HealthHealthy)

	r := version.New(reg, false)
	desc, err := r.Resolve("face_detect", "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", desc.Version)
}

func TestResolve_ImplicitExcludesPrerelease(t *testing.T) {
	reg := registry.New()
	putReady(t, reg, readyDescriptor("face_detect", "1.2.0", false), model.HealthHealthy)
	putReady(t, reg, readyDescriptor("face_detect", "2.0.0-rc.1", true), model.HealthHealthy)

	r := version.New(reg, false)
	desc, err := r.Resolve("face_detect", "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", desc.Version)
}

func TestResolve_ImplicitExcludesUnhealthy(t *testing.T) {
	reg := registry.New()
	putReady(t, reg, readyDescriptor("face_detect", "1.0.0", false), model.HealthHealthy)
	putReady(t, reg, readyDescriptor("face_detect", "2.0.0", false), model.HealthUnhealthy)

	r := version.New(reg, false)
	desc, err := r.Resolve("face_detect", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", desc.Version, "unhealthy version must not win even though it is newer")
}

func TestResolve_NoEligibleVersion(t *testing.T) {
	reg := registry.New()
	r := version.New(reg, false)
	_, err := r.Resolve("nonexistent", "")
	require.Error(t, err)
	rerr, ok := errorkit.As(err)
	require.True(t, ok)
	assert.Equal(t, errorkit.KindPipeNoEligibleVersion, rerr.Kind)
}

func TestResolve_ExplicitRejectsOpenCircuit(t *testing.T) {
	reg := registry.New()
	key := putReady(t, reg, readyDescriptor("face_detect", "1.0.0", false), model.HealthHealthy)
	require.NoError(t, reg.UpdateCircuit(key, model.CircuitOpen))

	r := version.New(reg, false)
	_, err := r.Resolve("face_detect", "1.0.0")
	require.Error(t, err)
	rerr, ok := errorkit.As(err)
	require.True(t, ok)
	assert.Equal(t, errorkit.KindPipeModelUnhealthy, rerr.Kind)
}

func TestResolve_ExplicitAllowsPrerelease(t *testing.T) {
	reg := registry.New()
	putReady(t, reg, readyDescriptor("face_detect", "2.0.0-rc.1", true), model.HealthHealthy)

	r := version.New(reg, false)
	desc, err := r.Resolve("face_detect", "2.0.0-rc.1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0-rc.1", desc.Version)
}

func gpuDescriptor(modelID, ver string) model.Descriptor {
	desc := readyDescriptor(modelID, ver, false)
	desc.Hardware.GPU = true
	return desc
}

func TestResolve_ImplicitExcludesGPUVersionWhenGPUDisabled(t *testing.T) {
	reg := registry.New()
	putReady(t, reg, readyDescriptor("face_detect", "1.0.0", false), model.HealthHealthy)
	putReady(t, reg, gpuDescriptor("face_detect", "2.0.0"), model.HealthHealthy)

	r := version.New(reg, false)
	desc, err := r.Resolve("face_detect", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", desc.Version, "a GPU-only version must not win resolution when GPU is disabled")
}

func TestResolve_ImplicitIncludesGPUVersionWhenGPUEnabled(t *testing.T) {
	reg := registry.New()
	putReady(t, reg, gpuDescriptor("face_detect", "2.0.0"), model.HealthHealthy)

	r := version.New(reg, true)
	desc, err := r.Resolve("face_detect", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", desc.Version)
}

func TestResolve_ExplicitRejectsGPUVersionWhenGPUDisabled(t *testing.T) {
	reg := registry.New()
	putReady(t, reg, gpuDescriptor("face_detect", "1.0.0"), model.HealthHealthy)

	r := version.New(reg, false)
	_, err := r.Resolve("face_detect", "1.0.0")
	require.Error(t, err)
	rerr, ok := errorkit.As(err)
	require.True(t, ok)
	assert.Equal(t, errorkit.KindValHardwareIncompatible, rerr.Kind)
}
