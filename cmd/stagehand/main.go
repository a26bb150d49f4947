package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stagehand-run/stagehand/internal/backend"
	"github.com/stagehand-run/stagehand/internal/engine"
	"github.com/stagehand-run/stagehand/internal/expressions"
	"github.com/stagehand-run/stagehand/internal/gate"
	"github.com/stagehand-run/stagehand/internal/loader"
	"github.com/stagehand-run/stagehand/internal/logging"
	"github.com/stagehand-run/stagehand/internal/platform"
	"github.com/stagehand-run/stagehand/internal/processors"
	"github.com/stagehand-run/stagehand/internal/resolver"
	"github.com/stagehand-run/stagehand/internal/scheduler"
	"github.com/stagehand-run/stagehand/internal/state"
	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/internal/tracker"
	"github.com/stagehand-run/stagehand/internal/validation"
	"github.com/stagehand-run/stagehand/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(stagehandDir(), 0o755); err != nil {
		return fmt.Errorf("create stagehand dir: %w", err)
	}

	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	states := state.NewManager(s)
	platforms := platform.NewRegistry()

	g, err := buildGate(cfg)
	if err != nil {
		return fmt.Errorf("build gate: %w", err)
	}

	res := resolver.New(s, states, expressions.NewExprEngine(), platforms, g, logger,
		resolver.Options{FileRoot: cfg.FileRoot})

	reg := processors.NewRegistry()
	if err := reg.Register(processors.NewExtractProcessor()); err != nil {
		return err
	}
	if err := reg.Register(processors.NewTransformProcessor(expressions.NewGoJQEngine())); err != nil {
		return err
	}

	be := backend.NewHTTPBackend(backend.HTTPConfig{
		BaseURL: cfg.BackendBaseURL,
		APIKey:  cfg.BackendAPIKey,
		Timeout: duration(cfg.BackendTimeout, 0),
	})
	if cfg.BackendBaseURL == "" {
		logger.Warn("no backend base URL configured, generation calls will fail")
	}

	executor := engine.NewExecutor(s, states, res, be, reg, logger)

	// "dedup" is handled inline by the executor rather than registered.
	validator, err := validation.NewValidator(append(reg.Names(), "dedup"))
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	library, err := loadLibrary(cfg, validator, logger)
	if err != nil {
		return err
	}

	tr := tracker.New(s, logger, tracker.Options{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         duration(cfg.FailureCooldown, 30*time.Minute),
	})

	sched := scheduler.New(s, &libraryRunner{executor: executor, library: library}, tr, logger,
		scheduler.Options{
			PollInterval: duration(cfg.PollInterval, 15*time.Second),
			LeaseTTL:     duration(cfg.LeaseTTL, 10*time.Minute),
			Concurrency:  cfg.Concurrency,
		})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Error("scheduler shutdown", "error", err)
		}
	}()

	srv := mcp.NewStagehandServer(mcp.ServerDeps{
		Executor: executor,
		Store:    s,
		Library:  library,
		Tracker:  tr,
		Logger:   logger,
	})

	logger.Info("stagehand ready",
		"db", cfg.DBPath,
		"narratives", len(library.Names()),
		"poll_interval", cfg.PollInterval)

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Logs go to stderr; stdout belongs to the MCP stdio transport.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}

func buildGate(cfg Config) (gate.Gate, error) {
	if len(cfg.GateRules) == 0 && cfg.GateDefaultAllow {
		return gate.AllowAll{}, nil
	}
	// Without rules and without the explicit allow opt-in, every platform
	// command is denied.
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	rules := make([]gate.Rule, 0, len(cfg.GateRules))
	for _, r := range cfg.GateRules {
		rules = append(rules, gate.Rule{
			Name:       r.Name,
			Expression: r.Expression,
			Effect:     gate.RuleEffect(r.Effect),
		})
	}
	return gate.NewCELGate(celEngine, rules, cfg.GateDefaultAllow)
}

func loadLibrary(cfg Config, v *validation.Validator, logger *slog.Logger) (*loader.Library, error) {
	if _, err := os.Stat(cfg.DefinitionsDir); os.IsNotExist(err) {
		logger.Warn("definitions directory missing, starting with empty library",
			"dir", cfg.DefinitionsDir)
		return loader.NewLibrary(), nil
	}
	library, err := loader.New(v).LoadDir(cfg.DefinitionsDir)
	if err != nil {
		return nil, fmt.Errorf("load narratives: %w", err)
	}
	return library, nil
}

// libraryRunner adapts the executor to the scheduler's dispatch interface.
type libraryRunner struct {
	executor *engine.Executor
	library  *loader.Library
}

func (r *libraryRunner) RunNarrative(ctx context.Context, narrative, actor, taskID string) error {
	def, err := r.library.Get(narrative)
	if err != nil {
		return err
	}
	_, err = r.executor.Run(ctx, def, engine.RunOptions{Actor: actor, TaskID: taskID})
	return err
}
