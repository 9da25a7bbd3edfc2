package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/looper/internal/config"
	"github.com/antigravity-dev/looper/internal/engine"
	"github.com/antigravity-dev/looper/internal/goal"
	"github.com/antigravity-dev/looper/internal/phase"
	"github.com/antigravity-dev/looper/internal/plan"
	"github.com/antigravity-dev/looper/internal/recovery"
	"github.com/antigravity-dev/looper/internal/state"
	"github.com/antigravity-dev/looper/internal/supervisor"
	"github.com/antigravity-dev/looper/internal/verify"
	"github.com/antigravity-dev/looper/internal/worker"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

type subgoalList []string

func (s *subgoalList) String() string { return strings.Join(*s, "; ") }
func (s *subgoalList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*s = append(*s, v)
	}
	return nil
}

func main() {
	var subgoals subgoalList
	goalText := flag.String("goal", "", "natural-language goal to achieve (required)")
	workDir := flag.String("dir", ".", "working directory the agent operates in")
	configPath := flag.String("config", "looper.toml", "path to config file")
	timeLimit := flag.String("time-limit", "1h", "time budget: a named limit (30m, 1h, 2h) or a duration")
	initialContext := flag.String("context", "", "extra context handed to the planner")
	resume := flag.Bool("resume", false, "resume the most recent unfinished session for this goal")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Var(&subgoals, "subgoal", "subgoal description (repeatable, ordered)")
	flag.Parse()

	if strings.TrimSpace(*goalText) == "" {
		fmt.Fprintln(os.Stderr, "error: -goal is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	limit, err := cfg.ResolveTimeLimit(*timeLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	absDir, err := filepath.Abs(config.ExpandHome(*workDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolve working directory: %v\n", err)
		os.Exit(1)
	}

	logger.Info("looper starting", "goal", *goalText, "dir", absDir, "time_limit", limit)

	var runner worker.Runner
	if cfg.Worker.Backend == "docker" {
		dockerRunner, err := worker.NewDockerRunner(cfg.Worker.DockerImage)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		runner = dockerRunner
	} else {
		execRunner := &worker.ExecRunner{}
		if cfg.Worker.LogOutput && *cfg.Persistence.Enabled {
			execRunner.LogDir = filepath.Join(absDir, cfg.Persistence.Dir, "logs")
		}
		runner = execRunner
	}

	var store *state.Store
	var history *state.History
	var cache *state.ResultCache
	if *cfg.Persistence.Enabled {
		root := filepath.Join(absDir, cfg.Persistence.Dir)
		store = state.NewStore(state.Options{
			Dir:              root,
			AutoSaveInterval: cfg.Persistence.AutoSaveInterval.Duration,
			MaxCheckpoints:   cfg.Persistence.MaxCheckpoints,
			CleanupAge:       time24h(cfg.Persistence.CleanupAgeDays),
		}, logger)
		if err := store.Initialize(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cache = state.NewResultCache(filepath.Join(root, "cache"),
			cfg.Persistence.CacheMaxSize, cfg.Persistence.CacheTTL.Duration)
		history, err = state.OpenHistory(filepath.Join(root, cfg.Persistence.HistoryDB))
		if err != nil {
			logger.Warn("run history unavailable", "error", err)
		} else {
			defer history.Close()
		}
	} else {
		cache = state.NewResultCache("", cfg.Persistence.CacheMaxSize, cfg.Persistence.CacheTTL.Duration)
	}

	workerClient := worker.NewWorkerClient(cfg, runner, absDir, logger)
	supervisorClient := worker.NewSupervisorClient(cfg, runner, absDir, logger)
	plannerClient := worker.NewPlannerClient(cfg, runner, absDir, logger)

	sup := supervisor.New(supervisorClient, cache, supervisor.Options{
		Thresholds: supervisor.Thresholds{
			Warn:      cfg.Escalation.Warn,
			Intervene: cfg.Escalation.Intervene,
			Critical:  cfg.Escalation.Critical,
			Abort:     cfg.Escalation.Abort,
		},
		StagnationThreshold: cfg.General.StagnationThreshold.Duration,
		MaxResponseLength:   cfg.Supervisor.MaxResponseLength,
	}, logger)

	planner := plan.NewPlanner(plannerClient, 10*time.Minute, logger)
	tracker := goal.NewTracker(*goalText, subgoals)
	phases := phase.NewManager(limit, *goalText, subgoals, cfg.General.ProgressCheckInterval.Duration)
	verifier := verify.New(workerClient, verify.Options{
		RequireArtifacts: cfg.Verification.RequireArtifacts,
		RunTests:         *cfg.Verification.RunTests,
		ChallengeTimeout: cfg.Verification.ChallengeTimeout.Duration,
		TestTimeout:      cfg.Verification.TestTimeout.Duration,
		BuildCommands:    cfg.Verification.BuildCommands,
		TestCommands:     cfg.Verification.TestCommands,
		SmokeCommands:    cfg.Verification.SmokeCommands,
	}, logger)
	recoverer := recovery.New(recovery.Options{
		BaseDelay:               cfg.Retry.BaseDelay.Duration,
		MaxDelay:                cfg.Retry.MaxDelay.Duration,
		CircuitBreakerThreshold: cfg.Retry.CircuitBreakerThreshold,
		CircuitBreakerResetTime: cfg.Retry.CircuitBreakerResetTime.Duration,
	}, logger)

	sink := engine.Sink{
		OnEscalation: func(e engine.Event) {
			logger.Warn("escalation", "kind", e.Kind, "iteration", e.Iteration, "message", e.Message)
		},
		OnProgress: func(e engine.Event) {
			logger.Info("progress", "iteration", e.Iteration, "message", e.Message)
		},
		OnVerification: func(e engine.Event) {
			logger.Info("verification", "iteration", e.Iteration, "message", e.Message)
		},
		OnError: func(e engine.Event) {
			logger.Error("workflow error", "iteration", e.Iteration, "message", e.Message)
		},
	}

	eng := engine.New(engine.Deps{
		Config:   cfg,
		Worker:   workerClient,
		Planner:  planner,
		Sup:      sup,
		Tracker:  tracker,
		Phases:   phases,
		Verifier: verifier,
		Recovery: recoverer,
		Store:    store,
		History:  history,
		Sink:     sink,
		Logger:   logger,
	}, engine.Options{
		GoalText:       *goalText,
		InitialContext: *initialContext,
		WorkingDir:     absDir,
		Resume:         *resume,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown requested, finishing current iteration")
		eng.Stop()
		<-sigCh
		logger.Warn("forced shutdown")
		cancel()
	}()

	report, err := eng.Run(ctx)
	if report != nil {
		fmt.Println(report.Format())
	}
	if err != nil {
		logger.Error("workflow failed", "error", err)
		os.Exit(1)
	}
	if report != nil && report.Status != engine.StatusCompleted {
		os.Exit(3)
	}
}

func time24h(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
