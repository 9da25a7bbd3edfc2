// Package recovery classifies worker errors and drives retry, backoff,
// and circuit-breaker decisions for the workflow engine.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Strategy is the action recovery chooses for a failed operation.
type Strategy string

const (
	RetryImmediate  Strategy = "RETRY_IMMEDIATE"
	RetryBackoff    Strategy = "RETRY_BACKOFF"
	RetryExtended   Strategy = "RETRY_EXTENDED"
	TrimContext     Strategy = "TRIM_CONTEXT"
	ResetContext    Strategy = "RESET_CONTEXT"
	SimplifyRequest Strategy = "SIMPLIFY_REQUEST"
	SkipStep        Strategy = "SKIP_STEP"
	Escalate        Strategy = "ESCALATE"
	Abort           Strategy = "ABORT"
)

// strategyLadders gives the per-retry-number strategy for each category.
// Retry numbers past the end of a ladder reuse its last entry.
var strategyLadders = map[Category][]Strategy{
	CategoryPermanent:  {Abort},
	CategoryTransient:  {RetryBackoff, RetryBackoff, RetryExtended, Escalate},
	CategoryRateLimit:  {RetryBackoff, RetryBackoff, RetryExtended, Escalate},
	CategoryTimeout:    {RetryExtended, SimplifyRequest, SkipStep, Escalate},
	CategoryContext:    {TrimContext, ResetContext, SimplifyRequest, Escalate},
	CategoryPermission: {Escalate},
	CategoryValidation: {SimplifyRequest, RetryImmediate, SkipStep, Escalate},
	CategoryResource:   {RetryImmediate, SkipStep, Escalate},
	CategoryInternal:   {RetryBackoff, RetryBackoff, Escalate},
}

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	NormalizedMessage string
	Category          Category
	Timestamp         time.Time
	ContextTag        string
}

// ContextAction asks the caller to mutate the worker conversation before
// the next retry (trim, reset, or simplify the request).
type ContextAction struct {
	Kind        string // "trim", "reset", "simplify"
	KeepRecent  int
	Suggestions []string
}

// RecoveryError is what callers see when recovery gives up on an
// operation: the final strategy plus the original error.
type RecoveryError struct {
	Category Category
	Strategy Strategy
	Err      error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery %s (%s): %v", e.Strategy, e.Category, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// Trend is the error-rate view the engine consults before escalating.
type Trend struct {
	LastMinute  map[Category]int
	Last5Minute map[Category]int
}

const maxErrorHistory = 50

// Recovery owns the error history, per-operation retry counters, and the
// circuit breaker. All mutation happens on the iteration path.
type Recovery struct {
	mu        sync.Mutex
	logger    *slog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration

	opRetries map[string]int
	history   []ErrorEntry
	breaker   *CircuitBreaker

	// OnContextAction, when set, receives trim/reset/simplify requests
	// before the corresponding retry is attempted.
	OnContextAction func(ContextAction)

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// Options tunes a Recovery instance; zero values fall back to defaults.
type Options struct {
	BaseDelay               time.Duration
	MaxDelay                time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerResetTime time.Duration
}

func New(opts Options, logger *slog.Logger) *Recovery {
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.CircuitBreakerThreshold == 0 {
		opts.CircuitBreakerThreshold = 5
	}
	if opts.CircuitBreakerResetTime == 0 {
		opts.CircuitBreakerResetTime = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		logger:    logger,
		baseDelay: opts.BaseDelay,
		maxDelay:  opts.MaxDelay,
		opRetries: make(map[string]int),
		breaker:   NewCircuitBreaker(opts.CircuitBreakerThreshold, opts.CircuitBreakerResetTime),
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RecordFailure classifies err, appends it to the bounded history, bumps
// the per-operation counter and the breaker, and returns the entry.
func (r *Recovery) RecordFailure(operationID string, err error, contextTag string) ErrorEntry {
	entry := ErrorEntry{
		NormalizedMessage: NormalizeMessage(err.Error()),
		Category:          Classify(err.Error()),
		Timestamp:         r.now(),
		ContextTag:        contextTag,
	}

	r.mu.Lock()
	r.history = append(r.history, entry)
	if len(r.history) > maxErrorHistory {
		r.history = r.history[len(r.history)-maxErrorHistory:]
	}
	r.opRetries[operationID]++
	r.mu.Unlock()

	r.breaker.RecordFailure()
	return entry
}

// RecordSuccess resets the operation's retry counter and feeds the breaker.
func (r *Recovery) RecordSuccess(operationID string) {
	r.mu.Lock()
	delete(r.opRetries, operationID)
	r.mu.Unlock()
	r.breaker.RecordSuccess()
}

// RetryCount returns the current retry counter for an operation.
func (r *Recovery) RetryCount(operationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opRetries[operationID]
}

// ShouldRetry reports whether another attempt is allowed for a category
// at the given retry count.
func (r *Recovery) ShouldRetry(category Category, retryCount int) bool {
	if category == CategoryPermanent {
		return false
	}
	return retryCount < MaxRetries(category)
}

// GetStrategy picks the strategy for the next attempt of an operation.
// An open breaker forces ABORT regardless of category.
func (r *Recovery) GetStrategy(operationID string, category Category) Strategy {
	if !r.breaker.Allow() {
		return Abort
	}

	r.mu.Lock()
	retryCount := r.opRetries[operationID]
	r.mu.Unlock()

	// retryCount includes the failure that just happened; the ceiling
	// applies to retries already attempted before it.
	if !r.ShouldRetry(category, retryCount-1) {
		if category == CategoryPermanent {
			return Abort
		}
		return Escalate
	}

	ladder := strategyLadders[category]
	if len(ladder) == 0 {
		return Escalate
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return ladder[idx]
}

// Delay returns how long to wait before the attempt a strategy permits.
func (r *Recovery) Delay(strategy Strategy, retryCount int) time.Duration {
	switch strategy {
	case RetryImmediate:
		return 0
	case RetryBackoff:
		return BackoffDelay(retryCount, r.baseDelay, r.maxDelay)
	case RetryExtended:
		return ExtendedBackoffDelay(retryCount, r.baseDelay, r.maxDelay)
	case TrimContext, ResetContext:
		return 500 * time.Millisecond
	case SimplifyRequest:
		return time.Second
	default:
		return 0
	}
}

// Execute runs fn under the recovery policy. It retries recoverable
// failures per the strategy ladders and returns nil on success, or a
// *RecoveryError carrying the final strategy (SKIP_STEP, ESCALATE,
// ABORT) once recovery gives up.
func (r *Recovery) Execute(ctx context.Context, operationID string, fn func(context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			r.RecordSuccess(operationID)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entry := r.RecordFailure(operationID, err, operationID)
		strategy := r.GetStrategy(operationID, entry.Category)

		r.logger.Warn("operation failed",
			"operation", operationID,
			"category", entry.Category,
			"strategy", strategy,
			"retries", r.RetryCount(operationID),
			"error", err)

		switch strategy {
		case SkipStep, Escalate, Abort:
			return &RecoveryError{Category: entry.Category, Strategy: strategy, Err: err}
		case TrimContext:
			r.emitContextAction(ContextAction{Kind: "trim", KeepRecent: 5})
		case ResetContext:
			r.emitContextAction(ContextAction{Kind: "reset"})
		case SimplifyRequest:
			r.emitContextAction(ContextAction{
				Kind: "simplify",
				Suggestions: []string{
					"Break the request into smaller pieces",
					"Drop non-essential context from the prompt",
					"Ask for a shorter answer",
				},
			})
		}

		if err := r.sleep(ctx, r.Delay(strategy, r.RetryCount(operationID))); err != nil {
			return err
		}
	}
}

func (r *Recovery) emitContextAction(action ContextAction) {
	if r.OnContextAction != nil {
		r.OnContextAction(action)
	}
}

// Trends reports per-category error counts over the last one and five
// minutes.
func (r *Recovery) Trends() Trend {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	trend := Trend{
		LastMinute:  make(map[Category]int),
		Last5Minute: make(map[Category]int),
	}
	for _, entry := range r.history {
		age := now.Sub(entry.Timestamp)
		if age <= 5*time.Minute {
			trend.Last5Minute[entry.Category]++
		}
		if age <= time.Minute {
			trend.LastMinute[entry.Category]++
		}
	}
	return trend
}

// History returns a copy of the bounded error history.
func (r *Recovery) History() []ErrorEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorEntry, len(r.history))
	copy(out, r.history)
	return out
}

// Breaker exposes the circuit breaker for observability.
func (r *Recovery) Breaker() *CircuitBreaker { return r.breaker }
