package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History provides SQLite-backed run history: every iteration,
// assessment, worker call, and escalation event of a workflow run is
// recorded for later inspection. Queries beyond what the engine needs
// live with the consumers of the database file.
type History struct {
	db *sql.DB
}

// RunRecord is one workflow run.
type RunRecord struct {
	ID        string
	Goal      string
	Status    string
	StartedAt time.Time
	EndedAt   sql.NullTime
}

// IterationRecord captures one engine tick.
type IterationRecord struct {
	RunID      string
	Iteration  int
	PromptKind string
	ResponseLen int
	DurationMS int64
	CreatedAt  time.Time
}

// AssessmentRecord mirrors one supervisor assessment.
type AssessmentRecord struct {
	RunID          string
	Iteration      int
	Score          int
	Action         string
	OriginalAction string
	Relevant       bool
	Productive     bool
	Progressing    bool
	Reason         string
}

// WorkerCallRecord accounts for one child-process invocation.
type WorkerCallRecord struct {
	RunID        string
	Iteration    int
	Role         string // worker, supervisor, planner, verifier
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	DurationMS   int64
}

// EventRecord is one observability event (escalation, verification,
// error, circuit-breaker open).
type EventRecord struct {
	RunID     string
	Iteration int
	Kind      string
	Details   string
	CreatedAt time.Time
}

const historySchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	ended_at DATETIME
);

CREATE TABLE IF NOT EXISTS iterations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	prompt_kind TEXT NOT NULL DEFAULT '',
	response_len INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS assessments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	score INTEGER NOT NULL DEFAULT 0,
	action TEXT NOT NULL DEFAULT '',
	original_action TEXT NOT NULL DEFAULT '',
	relevant INTEGER NOT NULL DEFAULT 0,
	productive INTEGER NOT NULL DEFAULT 0,
	progressing INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS worker_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	role TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	iteration INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, iteration);
CREATE INDEX IF NOT EXISTS idx_assessments_run ON assessments(run_id, iteration);
CREATE INDEX IF NOT EXISTS idx_worker_calls_run ON worker_calls(run_id);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, kind);
`

// OpenHistory creates or opens the run-history database and ensures the
// schema exists.
func OpenHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// RecordRun inserts a run row (or refreshes its goal on resume).
func (h *History) RecordRun(id, goal string) error {
	_, err := h.db.Exec(`INSERT INTO runs (id, goal) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET goal = excluded.goal, status = 'active'`, id, goal)
	if err != nil {
		return fmt.Errorf("history: record run: %w", err)
	}
	return nil
}

// FinishRun stamps the run's final status.
func (h *History) FinishRun(id, status string) error {
	_, err := h.db.Exec(`UPDATE runs SET status = ?, ended_at = datetime('now') WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("history: finish run: %w", err)
	}
	return nil
}

func (h *History) RecordIteration(rec IterationRecord) error {
	_, err := h.db.Exec(`INSERT INTO iterations (run_id, iteration, prompt_kind, response_len, duration_ms)
		VALUES (?, ?, ?, ?, ?)`,
		rec.RunID, rec.Iteration, rec.PromptKind, rec.ResponseLen, rec.DurationMS)
	if err != nil {
		return fmt.Errorf("history: record iteration: %w", err)
	}
	return nil
}

func (h *History) RecordAssessment(rec AssessmentRecord) error {
	_, err := h.db.Exec(`INSERT INTO assessments
		(run_id, iteration, score, action, original_action, relevant, productive, progressing, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Iteration, rec.Score, rec.Action, rec.OriginalAction,
		boolToInt(rec.Relevant), boolToInt(rec.Productive), boolToInt(rec.Progressing), rec.Reason)
	if err != nil {
		return fmt.Errorf("history: record assessment: %w", err)
	}
	return nil
}

func (h *History) RecordWorkerCall(rec WorkerCallRecord) error {
	_, err := h.db.Exec(`INSERT INTO worker_calls
		(run_id, iteration, role, model, input_tokens, output_tokens, cost_usd, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Iteration, rec.Role, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.DurationMS)
	if err != nil {
		return fmt.Errorf("history: record worker call: %w", err)
	}
	return nil
}

func (h *History) RecordEvent(rec EventRecord) error {
	_, err := h.db.Exec(`INSERT INTO events (run_id, iteration, kind, details) VALUES (?, ?, ?, ?)`,
		rec.RunID, rec.Iteration, rec.Kind, rec.Details)
	if err != nil {
		return fmt.Errorf("history: record event: %w", err)
	}
	return nil
}

// EventCount returns how many events of a kind a run has recorded.
func (h *History) EventCount(runID, kind string) (int, error) {
	var n int
	err := h.db.QueryRow(`SELECT COUNT(*) FROM events WHERE run_id = ? AND kind = ?`, runID, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count events: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
