// Command runtime is the inference runtime's process entry point. It
// wires config -> registry -> discovery -> coordinator -> resolver ->
// concurrency -> circuit breaker -> pipeline -> publisher -> httpapi,
// following the teacher's cmd/server/main.go structure: zerolog setup,
// a background context, signal-based graceful shutdown, and a deferred
// shutdown chain. On SIGINT/SIGTERM it drains admissions (HTTP server
// shutdown), waits a short grace period, destroys every sandbox, and
// then cancels the root context, which stops the publisher and sends its
// deregistration; main returns once both have finished. The publisher
// keeps pushing until that last step.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/internal/circuit"
	"github.com/agentoven/agentoven/control-plane/internal/concurrency"
	"github.com/agentoven/agentoven/control-plane/internal/config"
	"github.com/agentoven/agentoven/control-plane/internal/coordinator"
	"github.com/agentoven/agentoven/control-plane/internal/discovery"
	"github.com/agentoven/agentoven/control-plane/internal/httpapi"
	"github.com/agentoven/agentoven/control-plane/internal/pipeline"
	"github.com/agentoven/agentoven/control-plane/internal/publisher"
	"github.com/agentoven/agentoven/control-plane/internal/registry"
	"github.com/agentoven/agentoven/control-plane/internal/telemetry"
	"github.com/agentoven/agentoven/control-plane/internal/version"
	"github.com/agentoven/agentoven/control-plane/pkg/backendclient"
	"github.com/agentoven/agentoven/control-plane/pkg/model"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("inference runtime starting")

	cfg := config.Load()
	runtimeID := uuid.NewString()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutCtx)
	}()

	reg := registry.New()
	coord := coordinator.New(reg, cfg.ModelLoadTimeout)
	resolver := version.New(reg, cfg.EnableGPU)
	concMgr := concurrency.New(cfg.MaxConcurrentInferences)

	breaker := circuit.New(circuit.DefaultConfig(), func(key model.VersionKey, from, to model.CircuitState) {
		_ = reg.UpdateCircuit(key, to)
		switch {
		case to == model.CircuitOpen:
			if err := coord.Deactivate(key, model.StateDisabled, "circuit opened"); err != nil {
				log.Warn().Err(err).Str("model_id", key.ModelID).Str("version", key.Version).Msg("recovery: deactivate failed")
			}
		case from == model.CircuitOpen && to == model.CircuitHalfOpen:
			rec, ok := reg.GetVersion(key)
			if !ok {
				return
			}
			if err := coord.Reenable(ctx, key, rec.Descriptor); err != nil {
				log.Warn().Err(err).Str("model_id", key.ModelID).Str("version", key.Version).Msg("recovery: half-open re-activation failed")
			}
		}
	})

	pl := pipeline.New(resolver, concMgr, coord, breaker, reg)

	client := backendclient.New(cfg.BackendURL, cfg.BackendAPIKey, cfg.BackendServiceToken)
	pub := publisher.New(runtimeID, reg, client)

	scanner := discovery.New(cfg.ModelsRoot, reg)
	if err := scanner.Scan(ctx); err != nil {
		log.Fatal().Err(err).Msg("initial model discovery failed")
	}
	activateDiscovered(ctx, reg, coord, concMgr)

	go scanner.Watch(ctx, 500*time.Millisecond)
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		pub.Run(ctx)
	}()

	srv := httpapi.New(pl, reg, pub)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down: draining admissions")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)

		time.Sleep(minDuration(cfg.GracefulShutdownTimeout, 2*time.Second))

		log.Info().Msg("shutting down: destroying sandboxes")
		coord.ShutdownAll()

		stop()
	}()

	log.Info().Int("port", cfg.Port).Str("runtime_id", runtimeID).Msg("inference runtime ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server failed")
	}
	<-shutdownDone
	<-pubDone
}

// activateDiscovered walks every VALID version found by the initial
// scan and runs it through the coordinator's load+activate path,
// registering its concurrency limits as it goes.
func activateDiscovered(ctx context.Context, reg *registry.Registry, coord *coordinator.Coordinator, concMgr *concurrency.Manager) {
	for _, rec := range reg.GetVersionsByState(model.StateValid) {
		key := rec.Key()
		concMgr.RegisterLimits(key, rec.Descriptor.Limits.MaxConcurrentInferences, 0)
		if err := coord.Activate(ctx, key, rec.Descriptor); err != nil {
			log.Warn().Err(err).Str("model_id", key.ModelID).Str("version", key.Version).Msg("startup activation failed")
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
