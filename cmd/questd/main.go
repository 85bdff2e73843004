// questd is the execution orchestrator daemon. It serves the streaming
// execution API and, in demo mode, wires a scripted runtime so the full
// pipeline can be exercised without a live agent engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/questforge/orchestrator/config"
	"github.com/questforge/orchestrator/observe"
	"github.com/questforge/orchestrator/observe/otelbridge"
	"github.com/questforge/orchestrator/orchestrator"
	"github.com/questforge/orchestrator/retry"
	"github.com/questforge/orchestrator/runtime"
	"github.com/questforge/orchestrator/runtime/scripted"
	"github.com/questforge/orchestrator/server"
	"github.com/questforge/orchestrator/store"
	"github.com/questforge/orchestrator/store/factory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "questd:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "", "path to YAML config file")
		demo       = flag.Bool("demo", false, "use the in-memory store and a scripted runtime")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := cfg.StateBackend
	if *demo {
		backend = factory.BackendMemory
	}
	st, err := factory.Open(backend, factory.Options{
		SQLitePath:    cfg.SQLitePath,
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		RedisTTL:      cfg.Redis.TTL,
		RedisPrefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	feed := server.NewFeed()
	observers := observe.Multi{feed}
	if cfg.OTelEnabled {
		observers = append(observers, otelbridge.New(otel.GetTracerProvider()))
	}

	rt := demoRuntime()
	orch := orchestrator.New(st, rt,
		orchestrator.WithLogger(log),
		orchestrator.WithStepBudget(cfg.StepBudget),
		orchestrator.WithObserver(observers),
		orchestrator.WithRetry(retry.Options{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
		}),
	)

	if cfg.Retention.Enabled {
		go retentionSweeper(ctx, st, cfg.Retention, log)
	}

	srv := server.New(server.Config{
		Addr:         cfg.Addr,
		Store:        st,
		Orchestrator: orch,
		Feed:         feed,
		Log:          log,
	})
	defer srv.Close()

	log.Info("questd listening",
		"addr", cfg.Addr,
		"backend", backend,
		"runtime", rt.Name(),
		"stepBudget", cfg.StepBudget)
	return srv.ListenAndServe(ctx)
}

// demoRuntime is the built-in engine used until a real runtime is plugged in
// via the orchestrator package API.
func demoRuntime() runtime.Runtime {
	return &scripted.Runtime{
		Tokens: []string{"Working", " through", " the", " task."},
		Steps: []scripted.Step{
			{Tool: "search", Input: "gather context", Output: "found 3 relevant documents"},
			{Tool: "summarize", Input: "3 documents", Output: "summary prepared"},
		},
		FinalText: "Task finished: summary prepared from 3 documents.",
		Todos: []runtime.Todo{
			{Content: "gather context", Status: "completed"},
			{Content: "summarize findings", Status: "completed"},
		},
	}
}

func retentionSweeper(ctx context.Context, st store.Store, cfg config.Retention, log *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.MaxAge)
			results, err := st.CleanupResults(ctx, cutoff)
			if err != nil {
				log.Warn("result cleanup failed", "error", err)
			}
			logs, err := st.CleanupLogs(ctx, cutoff)
			if err != nil {
				log.Warn("log cleanup failed", "error", err)
			}
			traces, err := st.CleanupTraces(ctx, cutoff)
			if err != nil {
				log.Warn("trace cleanup failed", "error", err)
			}
			if results+logs+traces > 0 {
				log.Info("retention sweep",
					"results", results,
					"logs", logs,
					"traces", traces,
					"cutoff", cutoff.Format(time.RFC3339))
			}
		}
	}
}
