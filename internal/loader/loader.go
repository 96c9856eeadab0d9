// Package loader implements the model loader (C5): given a VALID
// descriptor, it spawns the entry-point subprocess (each version gets
// its own process, so symbol collisions between versions are
// impossible), waits for the ready handshake, then runs N warmup
// iterations under a wall-clock load budget. Grounded, like
// internal/sandbox, on the teacher's process.LocalExecutor.Start
// spawn/handshake pattern.
package loader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/internal/errorkit"
	"github.com/agentoven/agentoven/control-plane/internal/sandbox"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

const defaultReadyTimeout = 15 * time.Second

// Loaded is a successfully loaded version: a live, warmed-up subprocess
// ready to be wrapped in a Sandbox by the coordinator.
type Loaded struct {
	Descriptor model.Descriptor
	Process    *sandbox.Process
}

// Load spawns desc's entry-point, waits for its ready signal, and runs
// its declared warmup iterations, all under loadTimeout. On any failure
// it classifies the error per spec.md §4.4 and ensures the subprocess
// (if started) is killed before returning.
func Load(ctx context.Context, desc model.Descriptor, loadTimeout time.Duration) (*Loaded, *errorkit.RuntimeError) {
	attemptID := uuid.NewString()
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	log.Info().Str("model_id", desc.ModelID).Str("version", desc.Version).
		Str("load_attempt_id", attemptID).Msg("loader: starting load")

	errCtx := errorkit.Context{ModelID: desc.ModelID, Version: desc.Version}

	proc, err := sandbox.Spawn(loadCtx, desc, defaultReadyTimeout)
	if err != nil {
		if loadCtx.Err() == context.DeadlineExceeded {
			return nil, errorkit.Load(errorkit.KindLoadTimeout, "load exceeded wall-clock budget during spawn", errCtx)
		}
		return nil, errorkit.LoadWrap(errorkit.KindLoadImportFailed, err.Error(), errCtx, err)
	}

	for i := 0; i < desc.Performance.WarmupIterations; i++ {
		if loadCtx.Err() != nil {
			proc.Kill()
			return nil, errorkit.Load(errorkit.KindLoadTimeout, "load exceeded wall-clock budget during warmup", errCtx)
		}
		warmupCtx, warmupCancel := context.WithTimeout(loadCtx, time.Duration(desc.Limits.InferenceTimeoutMS)*time.Millisecond)
		_, callErr := proc.Call(warmupCtx, "warmup", nil)
		warmupCancel()
		if callErr != nil {
			proc.Kill()
			return nil, errorkit.LoadWrap(errorkit.KindLoadWarmupFailed, callErr.Error(), errCtx, callErr)
		}
	}

	log.Info().Str("model_id", desc.ModelID).Str("version", desc.Version).
		Int("warmup_iterations", desc.Performance.WarmupIterations).Msg("loader: load complete")

	return &Loaded{Descriptor: desc, Process: proc}, nil
}
