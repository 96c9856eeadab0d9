package circuit_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentoven/control-plane/internal/circuit"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

func testConfig() circuit.Config {
	return circuit.Config{
		FailureThreshold:   3,
		UnhealthyThreshold: 2,
		Cooldown:           20 * time.Millisecond,
		HalfOpenSuccesses:  2,
	}
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := circuit.New(testConfig(), nil)
	key := model.VersionKey{ModelID: "m1", Version: "1.0.0"}
	assert.Equal(t, model.CircuitClosed, b.State(key))
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []model.CircuitState
	var mu sync.Mutex
	b := circuit.New(testConfig(), func(key model.VersionKey, from, to model.CircuitState) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})
	key := model.VersionKey{ModelID: "m1", Version: "1.0.0"}

	b.RecordFailure(key)
	b.RecordFailure(key)
	assert.Equal(t, model.CircuitClosed, b.State(key))
	b.RecordFailure(key)
	assert.Equal(t, model.CircuitOpen, b.State(key))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, model.CircuitOpen, transitions[0])
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := circuit.New(testConfig(), nil)
	key := model.VersionKey{ModelID: "m1", Version: "1.0.0"}

	b.RecordFailure(key)
	b.RecordFailure(key)
	b.RecordSuccess(key)
	b.RecordFailure(key)
	b.RecordFailure(key)
	assert.Equal(t, model.CircuitClosed, b.State(key), "failure count must have reset after the success")
}

func TestBreaker_OpensOnUnhealthyTransitionThreshold(t *testing.T) {
	b := circuit.New(testConfig(), nil)
	key := model.VersionKey{ModelID: "m1", Version: "1.0.0"}

	b.RecordUnhealthyTransition(key)
	assert.Equal(t, model.CircuitClosed, b.State(key))
	b.RecordUnhealthyTransition(key)
	assert.Equal(t, model.CircuitOpen, b.State(key))
}

func TestBreaker_CooldownMovesToHalfOpen(t *testing.T) {
	var got []model.CircuitState
	var mu sync.Mutex
	cfg := testConfig()
	b := circuit.New(cfg, func(key model.VersionKey, from, to model.CircuitState) {
		mu.Lock()
		got = append(got, to)
		mu.Unlock()
	})
	key := model.VersionKey{ModelID: "m1", Version: "1.0.0"}

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure(key)
	}
	require.Equal(t, model.CircuitOpen, b.State(key))

	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	assert.Equal(t, model.CircuitHalfOpen, b.State(key))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, model.CircuitHalfOpen)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := circuit.New(cfg, nil)
	key := model.VersionKey{ModelID: "m1", Version: "1.0.0"}

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure(key)
	}
	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	require.Equal(t, model.CircuitHalfOpen, b.State(key))

	b.RecordFailure(key)
	assert.Equal(t, model.CircuitOpen, b.State(key))
}

func TestBreaker_HalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	cfg := testConfig()
	b := circuit.New(cfg, nil)
	key := model.VersionKey{ModelID: "m1", Version: "1.0.0"}

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure(key)
	}
	time.Sleep(cfg.Cooldown + 10*time.Millisecond)
	require.Equal(t, model.CircuitHalfOpen, b.State(key))

	for i := 0; i < cfg.HalfOpenSuccesses-1; i++ {
		b.RecordSuccess(key)
		assert.Equal(t, model.CircuitHalfOpen, b.State(key))
	}
	b.RecordSuccess(key)
	assert.Equal(t, model.CircuitClosed, b.State(key))
}

func TestReenable_ForcesClosedFromAnyState(t *testing.T) {
	cfg := testConfig()
	b := circuit.New(cfg, nil)
	key := model.VersionKey{ModelID: "m1", Version: "1.0.0"}

	for i := 0; i < cfg.FailureThreshold; i++ {
		b.RecordFailure(key)
	}
	require.Equal(t, model.CircuitOpen, b.State(key))

	b.Reenable(key)
	assert.Equal(t, model.CircuitClosed, b.State(key))
}
