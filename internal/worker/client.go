// Package worker wraps the external LLM CLI child process: building its
// command line, parsing its JSON reply, and retrying with a fallback
// model when the primary misbehaves.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/antigravity-dev/looper/internal/config"
	"github.com/antigravity-dev/looper/internal/cost"
	"github.com/antigravity-dev/looper/internal/recovery"
)

// maxConversationHistory bounds the in-memory message ring
// (50 user/assistant pairs).
const maxConversationHistory = 100

// Message is one conversation turn kept in the bounded history.
type Message struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Metrics accumulates per-client call accounting.
type Metrics struct {
	TotalCalls      int
	TotalRetries    int
	TotalFallbacks  int
	TotalCostUSD    float64
	CacheHitTokens  int
	CacheMissTokens int
}

// CacheHitRate returns the fraction of prompt tokens served from cache.
func (m Metrics) CacheHitRate() float64 {
	total := m.CacheHitTokens + m.CacheMissTokens
	if total == 0 {
		return 0
	}
	return float64(m.CacheHitTokens) / float64(total)
}

// Options configures a Client.
type Options struct {
	CLI                  CLIOptions
	Model                string
	FallbackModel        string
	Timeout              time.Duration
	MaxRetries           int
	BaseDelay            time.Duration
	JitterFactor         float64 // lower bound of the random backoff multiplier
	AllowedTools         []string
	DisallowedTools      []string
	SkipPermissions      bool
	NoSessionPersistence bool
	MaxTurns             int
	OutputSchema         string
	WorkDir              string
	Pricing              config.ModelPricing

	// OnRetry and OnFallback are observability signals; nil is fine.
	OnRetry    func(attempt int, err error)
	OnFallback func(model string)
}

// Client drives one logical conversation with the child CLI.
type Client struct {
	mu     sync.Mutex
	runner Runner
	opts   Options
	logger *slog.Logger

	sessionID    string
	history      []Message
	usedFallback bool
	metrics      Metrics
}

func NewClient(runner Runner, opts Options, logger *slog.Logger) *Client {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Second
	}
	if opts.JitterFactor == 0 {
		opts.JitterFactor = 0.5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{runner: runner, opts: opts, logger: logger}
}

// NewWorkerClient builds the client that executes the goal: powerful
// model, long timeout, session persistence.
func NewWorkerClient(cfg *config.Config, runner Runner, workDir string, logger *slog.Logger) *Client {
	return NewClient(runner, Options{
		CLI:             CLIOptions{Cmd: cfg.Worker.Cmd, ExtraArgs: cfg.Worker.ExtraArgs},
		Model:           cfg.Models.Worker,
		FallbackModel:   cfg.Models.WorkerFallback,
		Timeout:         cfg.Worker.Timeout.Duration,
		MaxRetries:      cfg.Retry.MaxRetries,
		BaseDelay:       cfg.Retry.BaseDelay.Duration,
		JitterFactor:    cfg.Retry.JitterFactor,
		AllowedTools:    cfg.Worker.AllowedTools,
		DisallowedTools: cfg.Worker.DisallowedTools,
		SkipPermissions: cfg.Worker.SkipPermissions,
		MaxTurns:        cfg.Worker.MaxTurns,
		WorkDir:         workDir,
		Pricing:         cfg.Pricing[cfg.Models.Worker],
	}, logger)
}

// NewSupervisorClient builds the assessment client: fast model,
// read-only tools, no session persistence, tighter retry budget.
func NewSupervisorClient(cfg *config.Config, runner Runner, workDir string, logger *slog.Logger) *Client {
	allowed := cfg.Worker.ReadOnlyTools
	if !cfg.Supervisor.ReadOnlyTools {
		allowed = nil
	}
	return NewClient(runner, Options{
		CLI:                  CLIOptions{Cmd: cfg.Worker.Cmd, ExtraArgs: cfg.Worker.ExtraArgs},
		Model:                cfg.Models.Supervisor,
		FallbackModel:        cfg.Models.SupervisorFallback,
		Timeout:              cfg.Worker.SupervisorTimeout.Duration,
		MaxRetries:           2,
		BaseDelay:            cfg.Retry.BaseDelay.Duration,
		JitterFactor:         cfg.Retry.JitterFactor,
		AllowedTools:         allowed,
		SkipPermissions:      cfg.Worker.SkipPermissions,
		NoSessionPersistence: *cfg.Supervisor.NoSessionPersistence,
		WorkDir:              workDir,
		Pricing:              cfg.Pricing[cfg.Models.Supervisor],
	}, logger)
}

// NewPlannerClient builds the planning client: powerful model with
// session persistence so follow-up decompositions share context.
func NewPlannerClient(cfg *config.Config, runner Runner, workDir string, logger *slog.Logger) *Client {
	return NewClient(runner, Options{
		CLI:             CLIOptions{Cmd: cfg.Worker.Cmd, ExtraArgs: cfg.Worker.ExtraArgs},
		Model:           cfg.Models.Planner,
		FallbackModel:   cfg.Models.PlannerFallback,
		Timeout:         cfg.Worker.PlannerTimeout.Duration,
		MaxRetries:      cfg.Retry.MaxRetries,
		BaseDelay:       cfg.Retry.BaseDelay.Duration,
		JitterFactor:    cfg.Retry.JitterFactor,
		AllowedTools:    cfg.Worker.ReadOnlyTools,
		SkipPermissions: cfg.Worker.SkipPermissions,
		WorkDir:         workDir,
		Pricing:         cfg.Pricing[cfg.Models.Planner],
	}, logger)
}

// StartSession spawns a fresh child conversation: history and session id
// are reset, the system context rides along as a system prompt.
func (c *Client) StartSession(ctx context.Context, systemContext, initialPrompt string) (Reply, error) {
	c.mu.Lock()
	c.sessionID = ""
	c.history = nil
	c.mu.Unlock()

	return c.send(ctx, initialPrompt, systemContext)
}

// ContinueConversation resumes the active session with a new prompt.
func (c *Client) ContinueConversation(ctx context.Context, prompt string) (Reply, error) {
	c.mu.Lock()
	active := c.sessionID != ""
	c.mu.Unlock()
	if !active {
		return Reply{}, fmt.Errorf("no active session")
	}
	return c.send(ctx, prompt, "")
}

// SendPromptWithRetry continues the conversation when a session exists
// and starts one otherwise. Retry and fallback handling is built in.
func (c *Client) SendPromptWithRetry(ctx context.Context, prompt string) (Reply, error) {
	c.mu.Lock()
	active := c.sessionID != ""
	c.mu.Unlock()
	if active {
		return c.ContinueConversation(ctx, prompt)
	}
	return c.send(ctx, prompt, "")
}

func (c *Client) send(ctx context.Context, prompt, systemPrompt string) (Reply, error) {
	c.mu.Lock()
	model := c.opts.Model
	if c.usedFallback && c.opts.FallbackModel != "" {
		model = c.opts.FallbackModel
	}
	resume := c.sessionID
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		// Switch to the fallback model before the second attempt.
		if attempt >= 2 && c.opts.FallbackModel != "" && model != c.opts.FallbackModel {
			model = c.opts.FallbackModel
			c.mu.Lock()
			c.usedFallback = true
			c.metrics.TotalFallbacks++
			c.mu.Unlock()
			if c.opts.OnFallback != nil {
				c.opts.OnFallback(model)
			}
			c.logger.Info("switching to fallback model", "model", model)
		}

		inv := Invocation{
			Prompt:               prompt,
			SystemPrompt:         systemPrompt,
			Model:                model,
			ResumeSessionID:      resume,
			OutputSchema:         c.opts.OutputSchema,
			AllowedTools:         c.opts.AllowedTools,
			DisallowedTools:      c.opts.DisallowedTools,
			SkipPermissions:      c.opts.SkipPermissions,
			NoSessionPersistence: c.opts.NoSessionPersistence,
			MaxTurns:             c.opts.MaxTurns,
			WorkDir:              c.opts.WorkDir,
		}

		start := time.Now()
		stdout, err := c.runner.Run(ctx, c.opts.CLI, inv, c.opts.Timeout)
		if err == nil {
			reply := ParseReply(stdout)
			if reply.Duration == 0 {
				reply.Duration = time.Since(start)
			}
			c.recordReply(prompt, reply)
			return reply, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return Reply{}, err
		}
		if recovery.Classify(err.Error()) == recovery.CategoryPermanent {
			return Reply{}, err
		}
		if attempt == c.opts.MaxRetries {
			break
		}

		c.mu.Lock()
		c.metrics.TotalRetries++
		c.mu.Unlock()
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(attempt, err)
		}
		c.logger.Warn("child call failed, retrying",
			"attempt", attempt, "model", model, "error", err)

		delay := c.retryDelay(attempt)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return Reply{}, ctx.Err()
		case <-t.C:
		}
	}
	return Reply{}, fmt.Errorf("child call failed after %d attempts: %w", c.opts.MaxRetries, lastErr)
}

// retryDelay is base * 2^(attempt-1) scaled by a random factor in
// [jitterFactor, 1.0).
func (c *Client) retryDelay(attempt int) time.Duration {
	backoff := float64(c.opts.BaseDelay) * math.Pow(2, float64(attempt-1))
	factor := c.opts.JitterFactor + rand.Float64()*(1.0-c.opts.JitterFactor)
	return time.Duration(backoff * factor)
}

func (c *Client) recordReply(prompt string, reply Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.TotalCalls++
	if reply.SessionID != "" {
		c.sessionID = reply.SessionID
	}

	usage := cost.FillEstimates(cost.TokenUsage{
		Input:  reply.Usage.TokensIn,
		Output: reply.Usage.TokensOut,
	}, prompt, reply.Text)
	callCost := reply.Usage.CostUSD
	if callCost == 0 {
		callCost = cost.CalculateCost(usage, c.opts.Pricing.InputPerMtok, c.opts.Pricing.OutputPerMtok)
	}
	c.metrics.TotalCostUSD += callCost
	c.metrics.CacheHitTokens += reply.Usage.CacheRead
	c.metrics.CacheMissTokens += usage.Input

	now := time.Now()
	c.history = append(c.history,
		Message{Role: "user", Content: prompt, Timestamp: now},
		Message{Role: "assistant", Content: reply.Text, Timestamp: now},
	)
	if len(c.history) > maxConversationHistory {
		c.history = c.history[len(c.history)-maxConversationHistory:]
	}
}

// SessionID returns the child-minted session handle, empty before the
// first successful call.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Metrics returns a snapshot of the accumulated call metrics.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// History returns a copy of the bounded conversation history.
func (c *Client) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// LastAssistantMessage returns the most recent assistant turn, or "".
func (c *Client) LastAssistantMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Role == "assistant" {
			return c.history[i].Content
		}
	}
	return ""
}

// TrimHistory keeps only the most recent n messages. Used when recovery
// asks for a context trim.
func (c *Client) TrimHistory(keepRecent int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keepRecent >= 0 && len(c.history) > keepRecent {
		c.history = c.history[len(c.history)-keepRecent:]
	}
}

// ResetSession drops the session id and history so the next call starts
// a fresh child conversation.
func (c *Client) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.history = nil
}
