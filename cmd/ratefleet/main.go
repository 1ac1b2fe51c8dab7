// Package main is the entry point for the ratefleet demo binary: it wires
// config, the local or Redis-backed backend, and a scheduler, then submits a
// handful of sample jobs through the scheduler end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ratefleet/internal/audit"
	"ratefleet/internal/backend"
	"ratefleet/internal/backend/redisbackend"
	"ratefleet/internal/config"
	"ratefleet/internal/domain"
	"ratefleet/internal/memory"
	"ratefleet/internal/resilience"
	"ratefleet/internal/scheduler"
	"ratefleet/internal/storage/postgres"
	"ratefleet/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "ratefleet.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.LoadOrDefault(*configPath).WithDemoModels()
	slog.Info("starting ratefleet", "label", cfg.Server.Label, "backend_mode", cfg.Backend.Mode)

	metrics := telemetry.NewMetrics(nil)
	if cfg.Server.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.Handler())
			slog.Info("serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var auditSvc *audit.Service
	if cfg.Database.Driver == "postgres" {
		store, err := postgres.NewStore(&cfg.Database)
		if err != nil {
			slog.Error("failed to initialize usage ledger", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		auditSvc = audit.NewService(store, logger)
		slog.Info("usage ledger initialized", "database", cfg.Database.Database)
	} else {
		auditSvc = audit.NewService(nil, logger)
	}

	var mem *memory.Manager
	if cfg.Memory.Enabled {
		mem = memory.Acquire(memory.Config{
			FreeMemoryRatio:       cfg.Memory.FreeMemoryRatio,
			RecalculationInterval: cfg.Memory.RecalculationInterval,
			Logger:                logger,
		})
		defer mem.Release()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, stopBackend := buildBackend(ctx, cfg, logger, metrics)
	defer stopBackend()

	sched, err := scheduler.New[string](scheduler.Config{
		Label:           cfg.Server.Label,
		Models:          cfg.DomainModels(),
		EscalationOrder: cfg.Server.EscalationOrder,
		JobTypes:        cfg.DomainJobTypes(),
		Thresholds:      cfg.AllocatorThresholds(),
		Backend:         be,
		Memory:          mem,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		slog.Error("failed to build scheduler", "error", err)
		os.Exit(1)
	}

	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	runDemoJobs(ctx, sched, auditSvc, cfg)

	<-ctx.Done()
	slog.Info("ratefleet stopped")
}

// buildBackend constructs the configured Backend and returns a cleanup func.
func buildBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics) (backend.Backend, func()) {
	switch cfg.Backend.Mode {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Backend.RedisAddr})
		cb := resilience.NewCircuitBreaker(5, 30*time.Second, func(key string, state resilience.CircuitState) {
			metrics.UpdateCircuitBreakerState(key, string(state))
		})
		coord := redisbackend.New(redisbackend.Config{
			Client:                 client,
			Namespace:              cfg.Backend.RedisNamespace,
			TotalCapacity:          cfg.Backend.TotalCapacity,
			TotalTokensPerMinute:   cfg.Backend.TotalTokensPerMinute,
			TotalRequestsPerMinute: cfg.Backend.TotalRequestsPerMinute,
			HeartbeatInterval:      cfg.Backend.HeartbeatInterval,
			CleanupInterval:        cfg.Backend.CleanupInterval,
			Logger:                 logger,
			CircuitBreaker:         cb,
		})
		coord.StartCleanupSweeper(ctx)
		slog.Info("backend: redis", "addr", cfg.Backend.RedisAddr, "namespace", cfg.Backend.RedisNamespace)
		return coord, func() { client.Close() }
	default:
		slots := cfg.Backend.TotalCapacity
		if slots <= 0 {
			slots = 1 << 20
		}
		local := backend.NewLocal(domain.Allocation{
			Slots:             slots,
			TokensPerMinute:   cfg.Backend.TotalTokensPerMinute,
			RequestsPerMinute: cfg.Backend.TotalRequestsPerMinute,
		})
		slog.Info("backend: local")
		return local, func() {}
	}
}

// runDemoJobs submits a small batch of sample jobs through the scheduler so
// admission and usage accounting run at least once. Every demo job resolves
// on the first model that admits it, so a job only moves down the
// escalation chain when an earlier model has no capacity.
func runDemoJobs(ctx context.Context, sched *scheduler.Scheduler[string], auditSvc *audit.Service, cfg *config.Config) {
	jobType := ""
	if len(cfg.JobTypes) > 0 {
		for id := range cfg.JobTypes {
			jobType = id
			break
		}
	}

	for i := 0; i < 5; i++ {
		jobID := uuid.NewString()
		result, err := sched.QueueJob(ctx, scheduler.QueueJobRequest[string]{
			JobID:   jobID,
			JobType: jobType,
			MaxWait: 2000,
			Job: func(ctx context.Context, modelID string) (scheduler.Outcome[string], error) {
				// Simulated model call: always succeeds, reporting a small
				// random token count as if it were a real completion.
				tokens := 50 + rand.Intn(200)
				return scheduler.Resolve(fmt.Sprintf("ok from %s", modelID), domain.UsageEntry{
					InputTokens:  tokens,
					OutputTokens: tokens / 2,
					RequestCount: 1,
				}), nil
			},
			OnComplete: func(result string, info scheduler.CompletionInfo) {
				auditSvc.Record(ctx, audit.Completion{
					JobID: info.JobID, JobType: jobType, Outcome: "resolved",
					TotalCost: info.TotalCost, Usage: info.Usage,
				})
			},
			OnError: func(jobErr error, info scheduler.CompletionInfo) {
				auditSvc.Record(ctx, audit.Completion{
					JobID: info.JobID, JobType: jobType, Outcome: "error",
					TotalCost: info.TotalCost, Usage: info.Usage,
				})
			},
		})
		if err != nil && !errors.Is(err, domain.ErrAllModelsRejected) {
			slog.Warn("demo job failed", "job_id", jobID, "error", err)
			continue
		}
		slog.Info("demo job finished", "job_id", jobID, "result", result)
	}

	stats := sched.GetStats()
	slog.Info("scheduler stats", "label", stats.Label, "models", len(stats.Models))
}
