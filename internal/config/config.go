// Package config loads and validates the looper TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General        General                 `toml:"general"`
	TimeLimits     map[string]Duration     `toml:"time_limits"`
	Escalation     Escalation              `toml:"escalation_thresholds"`
	Models         Models                  `toml:"models"`
	Worker         Worker                  `toml:"worker"`
	Retry          Retry                   `toml:"retry"`
	IterationDelay IterationDelay          `toml:"iteration_delay"`
	Supervisor     Supervisor              `toml:"supervisor"`
	Verification   Verification            `toml:"verification"`
	Parallel       Parallel                `toml:"parallel_execution"`
	ContextManager ContextManager          `toml:"context_manager"`
	StallDetection StallDetection          `toml:"stall_detection"`
	Persistence    Persistence             `toml:"persistence"`
	Pricing        map[string]ModelPricing `toml:"pricing"`
}

type General struct {
	LogLevel              string   `toml:"log_level"`
	ProgressCheckInterval Duration `toml:"progress_check_interval"`
	StagnationThreshold   Duration `toml:"stagnation_threshold"`
	GoalContextInterval   int      `toml:"goal_context_interval"` // iterations between goal reminders
}

// Escalation maps consecutive-issue counts to forced supervisor actions.
type Escalation struct {
	Warn      int `toml:"warn"`
	Intervene int `toml:"intervene"`
	Critical  int `toml:"critical"`
	Abort     int `toml:"abort"`
}

type Models struct {
	Worker             string `toml:"worker"`
	WorkerFallback     string `toml:"worker_fallback"`
	Supervisor         string `toml:"supervisor"`
	SupervisorFallback string `toml:"supervisor_fallback"`
	Planner            string `toml:"planner"`
	PlannerFallback    string `toml:"planner_fallback"`
}

// Worker configures how the external LLM CLI is invoked.
type Worker struct {
	Cmd               string   `toml:"cmd"`        // CLI binary (default "claude")
	ExtraArgs         []string `toml:"extra_args"` // appended verbatim to every invocation
	Timeout           Duration `toml:"timeout"`
	SupervisorTimeout Duration `toml:"supervisor_timeout"`
	PlannerTimeout    Duration `toml:"planner_timeout"`
	SkipPermissions   bool     `toml:"skip_permissions"`
	AllowedTools      []string `toml:"allowed_tools"`
	DisallowedTools   []string `toml:"disallowed_tools"`
	ReadOnlyTools     []string `toml:"read_only_tools"` // tool list for supervisor clients
	MaxTurns          int      `toml:"max_turns"`
	LogOutput         bool     `toml:"log_output"` // mirror child stdout to log files

	Backend     string `toml:"backend"`      // "exec" (default) or "docker"
	DockerImage string `toml:"docker_image"` // image for the docker backend
}

type Retry struct {
	MaxRetries              int      `toml:"max_retries"`
	BaseDelay               Duration `toml:"base_delay"`
	MaxDelay                Duration `toml:"max_delay"`
	CircuitBreakerThreshold int      `toml:"circuit_breaker_threshold"`
	CircuitBreakerResetTime Duration `toml:"circuit_breaker_reset_time"`
	JitterFactor            float64  `toml:"jitter_factor"`
}

type IterationDelay struct {
	Minimum      Duration `toml:"minimum"`
	Default      Duration `toml:"default"`
	AfterSuccess Duration `toml:"after_success"`
	AfterError   Duration `toml:"after_error"`
	Adaptive     *bool    `toml:"adaptive"`
}

type Supervisor struct {
	UseStructuredOutput  bool `toml:"use_structured_output"`
	ReadOnlyTools        bool `toml:"read_only_tools"`
	NoSessionPersistence *bool `toml:"no_session_persistence"`
	MaxResponseLength    int  `toml:"max_response_length"`
	SkipForSimpleSteps   bool `toml:"skip_for_simple_steps"`
}

type Verification struct {
	Enabled          *bool    `toml:"enabled"`
	MaxAttempts      int      `toml:"max_attempts"`
	ChallengeTimeout Duration `toml:"challenge_timeout"`
	TestTimeout      Duration `toml:"test_timeout"`
	RequireArtifacts bool     `toml:"require_artifacts"`
	RunTests         *bool    `toml:"run_tests"`
	TestCommands     []string `toml:"test_commands"`
	BuildCommands    []string `toml:"build_commands"`
	SmokeCommands    []string `toml:"smoke_commands"`
}

type Parallel struct {
	Enabled                   bool `toml:"enabled"`
	MaxConcurrent             int  `toml:"max_concurrent"`
	RequireDependencyAnalysis bool `toml:"require_dependency_analysis"`
}

type ContextManager struct {
	MaxHistoryMessages  int      `toml:"max_history_messages"`
	SummaryThreshold    int      `toml:"summary_threshold"`
	TokenBudget         int      `toml:"token_budget"`
	ImportanceDecayRate float64  `toml:"importance_decay_rate"`
	DeduplicationWindow int      `toml:"deduplication_window"`
	CacheTTL            Duration `toml:"cache_ttl"`
}

type StallDetection struct {
	Enabled                *bool   `toml:"enabled"`
	ScoreVarianceThreshold float64 `toml:"score_variance_threshold"`
	MinScoreForStuck       int     `toml:"min_score_for_stuck"`
	SimilarityThreshold    float64 `toml:"similarity_threshold"`
	AutoRecoveryEnabled    bool    `toml:"auto_recovery_enabled"`
	MaxRecoveryAttempts    int     `toml:"max_recovery_attempts"`
}

type Persistence struct {
	Enabled          *bool    `toml:"enabled"`
	Dir              string   `toml:"dir"`
	AutoSaveInterval Duration `toml:"auto_save_interval"`
	MaxCheckpoints   int      `toml:"max_checkpoints"`
	CacheMaxSize     int      `toml:"cache_max_size"`
	CacheTTL         Duration `toml:"cache_ttl"`
	CleanupAgeDays   int      `toml:"cleanup_age_days"`
	HistoryDB        string   `toml:"history_db"` // SQLite run-history path, relative to dir
}

// ModelPricing holds per-million-token prices used for cost accounting.
type ModelPricing struct {
	InputPerMtok  float64 `toml:"input_per_mtok"`
	OutputPerMtok float64 `toml:"output_per_mtok"`
}

// Load reads a TOML config file, applies defaults, and validates.
// A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func boolPtr(v bool) *bool { return &v }

func (c *Config) applyDefaults() {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.General.ProgressCheckInterval.Duration == 0 {
		c.General.ProgressCheckInterval.Duration = 5 * time.Minute
	}
	if c.General.StagnationThreshold.Duration == 0 {
		c.General.StagnationThreshold.Duration = 15 * time.Minute
	}
	if c.General.GoalContextInterval == 0 {
		c.General.GoalContextInterval = 10
	}

	if c.TimeLimits == nil {
		c.TimeLimits = map[string]Duration{
			"30m": {30 * time.Minute},
			"1h":  {time.Hour},
			"2h":  {2 * time.Hour},
			"4h":  {4 * time.Hour},
		}
	}

	if c.Escalation.Warn == 0 {
		c.Escalation.Warn = 2
	}
	if c.Escalation.Intervene == 0 {
		c.Escalation.Intervene = 3
	}
	if c.Escalation.Critical == 0 {
		c.Escalation.Critical = 4
	}
	if c.Escalation.Abort == 0 {
		c.Escalation.Abort = 5
	}

	if c.Models.Worker == "" {
		c.Models.Worker = "claude-sonnet-4-5"
	}
	if c.Models.Supervisor == "" {
		c.Models.Supervisor = "claude-haiku-4-5"
	}
	if c.Models.Planner == "" {
		c.Models.Planner = c.Models.Worker
	}

	if c.Worker.Cmd == "" {
		c.Worker.Cmd = "claude"
	}
	if c.Worker.Timeout.Duration == 0 {
		c.Worker.Timeout.Duration = 15 * time.Minute
	}
	if c.Worker.SupervisorTimeout.Duration == 0 {
		c.Worker.SupervisorTimeout.Duration = 5 * time.Minute
	}
	if c.Worker.PlannerTimeout.Duration == 0 {
		c.Worker.PlannerTimeout.Duration = 10 * time.Minute
	}
	if c.Worker.Backend == "" {
		c.Worker.Backend = "exec"
	}
	if len(c.Worker.ReadOnlyTools) == 0 {
		c.Worker.ReadOnlyTools = []string{"Read", "Glob", "Grep"}
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay.Duration == 0 {
		c.Retry.BaseDelay.Duration = time.Second
	}
	if c.Retry.MaxDelay.Duration == 0 {
		c.Retry.MaxDelay.Duration = 30 * time.Second
	}
	if c.Retry.CircuitBreakerThreshold == 0 {
		c.Retry.CircuitBreakerThreshold = 5
	}
	if c.Retry.CircuitBreakerResetTime.Duration == 0 {
		c.Retry.CircuitBreakerResetTime.Duration = 60 * time.Second
	}
	if c.Retry.JitterFactor == 0 {
		c.Retry.JitterFactor = 0.5
	}

	if c.IterationDelay.Minimum.Duration == 0 {
		c.IterationDelay.Minimum.Duration = 500 * time.Millisecond
	}
	if c.IterationDelay.Default.Duration == 0 {
		c.IterationDelay.Default.Duration = time.Second
	}
	if c.IterationDelay.AfterSuccess.Duration == 0 {
		c.IterationDelay.AfterSuccess.Duration = time.Second
	}
	if c.IterationDelay.AfterError.Duration == 0 {
		c.IterationDelay.AfterError.Duration = 3 * time.Second
	}
	if c.IterationDelay.Adaptive == nil {
		c.IterationDelay.Adaptive = boolPtr(true)
	}

	if c.Supervisor.MaxResponseLength == 0 {
		c.Supervisor.MaxResponseLength = 3000
	}
	if c.Supervisor.NoSessionPersistence == nil {
		c.Supervisor.NoSessionPersistence = boolPtr(true)
	}

	if c.Verification.Enabled == nil {
		c.Verification.Enabled = boolPtr(true)
	}
	if c.Verification.MaxAttempts == 0 {
		c.Verification.MaxAttempts = 3
	}
	if c.Verification.ChallengeTimeout.Duration == 0 {
		c.Verification.ChallengeTimeout.Duration = 2 * time.Minute
	}
	if c.Verification.TestTimeout.Duration == 0 {
		c.Verification.TestTimeout.Duration = 5 * time.Minute
	}
	if c.Verification.RunTests == nil {
		c.Verification.RunTests = boolPtr(true)
	}
	if len(c.Verification.BuildCommands) == 0 {
		c.Verification.BuildCommands = []string{
			"npm run build", "go build ./...", "cargo build", "make", "cmake --build .",
		}
	}
	if len(c.Verification.TestCommands) == 0 {
		c.Verification.TestCommands = []string{
			"npm test", "pytest", "go test ./...", "cargo test", "make test", "ctest",
		}
	}

	if c.Parallel.MaxConcurrent == 0 {
		c.Parallel.MaxConcurrent = 3
	}

	if c.ContextManager.MaxHistoryMessages == 0 {
		c.ContextManager.MaxHistoryMessages = 100
	}
	if c.ContextManager.DeduplicationWindow == 0 {
		c.ContextManager.DeduplicationWindow = 10
	}
	if c.ContextManager.CacheTTL.Duration == 0 {
		c.ContextManager.CacheTTL.Duration = time.Hour
	}

	if c.StallDetection.Enabled == nil {
		c.StallDetection.Enabled = boolPtr(true)
	}
	if c.StallDetection.MinScoreForStuck == 0 {
		c.StallDetection.MinScoreForStuck = 40
	}
	if c.StallDetection.SimilarityThreshold == 0 {
		c.StallDetection.SimilarityThreshold = 0.9
	}
	if c.StallDetection.MaxRecoveryAttempts == 0 {
		c.StallDetection.MaxRecoveryAttempts = 3
	}

	if c.Persistence.Enabled == nil {
		c.Persistence.Enabled = boolPtr(true)
	}
	if c.Persistence.Dir == "" {
		c.Persistence.Dir = ".claude-runner"
	}
	if c.Persistence.AutoSaveInterval.Duration == 0 {
		c.Persistence.AutoSaveInterval.Duration = 30 * time.Second
	}
	if c.Persistence.MaxCheckpoints == 0 {
		c.Persistence.MaxCheckpoints = 10
	}
	if c.Persistence.CacheMaxSize == 0 {
		c.Persistence.CacheMaxSize = 100
	}
	if c.Persistence.CacheTTL.Duration == 0 {
		c.Persistence.CacheTTL.Duration = time.Hour
	}
	if c.Persistence.CleanupAgeDays == 0 {
		c.Persistence.CleanupAgeDays = 7
	}
	if c.Persistence.HistoryDB == "" {
		c.Persistence.HistoryDB = "history.db"
	}
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	e := c.Escalation
	if !(e.Warn <= e.Intervene && e.Intervene <= e.Critical && e.Critical <= e.Abort) {
		return fmt.Errorf("escalation thresholds must be ordered warn <= intervene <= critical <= abort, got %d/%d/%d/%d",
			e.Warn, e.Intervene, e.Critical, e.Abort)
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitter_factor must be in [0,1], got %v", c.Retry.JitterFactor)
	}
	switch c.Worker.Backend {
	case "exec", "docker":
	default:
		return fmt.Errorf("worker.backend must be \"exec\" or \"docker\", got %q", c.Worker.Backend)
	}
	if c.Worker.Backend == "docker" && strings.TrimSpace(c.Worker.DockerImage) == "" {
		return fmt.Errorf("worker.docker_image is required when worker.backend is \"docker\"")
	}
	if c.Verification.MaxAttempts < 1 {
		return fmt.Errorf("verification.max_attempts must be >= 1, got %d", c.Verification.MaxAttempts)
	}
	return nil
}

// ResolveTimeLimit maps a named duration ("30m", "1h") or a raw duration
// string to a concrete time.Duration.
func (c *Config) ResolveTimeLimit(name string) (time.Duration, error) {
	if d, ok := c.TimeLimits[name]; ok {
		return d.Duration, nil
	}
	d, err := time.ParseDuration(name)
	if err != nil {
		return 0, fmt.Errorf("unknown time limit %q", name)
	}
	return d, nil
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
