// Package state persists workflow progress: resumable session files,
// checkpoints, the supervisor result cache, and the SQLite run history.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the persisted on-disk representation of one workflow run.
// The plan is stored as an opaque snapshot; the engine owns its shape.
type Session struct {
	ID             string                  `json:"id"`
	Goal           string                  `json:"goal"`
	GoalHash       string                  `json:"goal_hash"`
	Status         string                  `json:"status"` // active, completed, failed
	Plan           json.RawMessage         `json:"plan,omitempty"`
	CurrentStep    int                     `json:"current_step"`
	CompletedSteps []int                   `json:"completed_steps,omitempty"`
	Steps          map[string]StepProgress `json:"steps,omitempty"`
	StartedAt      time.Time               `json:"started_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	Result         string                  `json:"result,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// StepProgress records the latest persisted status for one step.
type StepProgress struct {
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Checkpoint is a tagged snapshot of session state.
type Checkpoint struct {
	SessionID      string          `json:"session_id"`
	GoalHash       string          `json:"goal_hash"`
	Plan           json.RawMessage `json:"plan,omitempty"`
	CurrentStep    int             `json:"current_step"`
	CompletedSteps []int           `json:"completed_steps,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	Tag            string          `json:"tag"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Options tunes the store; zero values fall back to defaults.
type Options struct {
	Dir              string
	AutoSaveInterval time.Duration
	MaxCheckpoints   int
	CleanupAge       time.Duration
}

// Store is the durable single-writer state store rooted at a directory.
// All mutations are serialized through one mutex; files are written
// atomically (temp file, then rename).
type Store struct {
	mu     sync.Mutex
	root   string
	opts   Options
	logger *slog.Logger

	current  *Session
	stopSave chan struct{}
	saveOnce sync.Once
}

func NewStore(opts Options, logger *slog.Logger) *Store {
	if opts.Dir == "" {
		opts.Dir = ".claude-runner"
	}
	if opts.AutoSaveInterval == 0 {
		opts.AutoSaveInterval = 30 * time.Second
	}
	if opts.MaxCheckpoints == 0 {
		opts.MaxCheckpoints = 10
	}
	if opts.CleanupAge == 0 {
		opts.CleanupAge = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: opts.Dir, opts: opts, logger: logger, stopSave: make(chan struct{})}
}

// Root returns the persistence root directory.
func (s *Store) Root() string { return s.root }

// Initialize ensures the directory layout exists.
func (s *Store) Initialize() error {
	for _, sub := range []string{"sessions", "checkpoints", "cache"} {
		if err := os.MkdirAll(filepath.Join(s.root, sub), 0755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}
	return nil
}

// GoalHash normalizes and hashes a goal so sessions for the same goal
// can be matched across runs.
func GoalHash(goal string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(goal)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// StartSession begins a new session for the goal, or restores the one
// named by resumeSessionID. The bool result reports whether a previous
// session was restored.
func (s *Store) StartSession(goal, resumeSessionID string) (*Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resumeSessionID != "" {
		sess, err := s.readSessionLocked(resumeSessionID)
		if err != nil {
			return nil, false, fmt.Errorf("resume session %s: %w", resumeSessionID, err)
		}
		sess.Status = "active"
		sess.UpdatedAt = time.Now()
		s.current = sess
		if err := s.saveLocked(); err != nil {
			return nil, false, err
		}
		return s.snapshotLocked(), true, nil
	}

	now := time.Now()
	s.current = &Session{
		ID:        uuid.NewString(),
		Goal:      goal,
		GoalHash:  GoalHash(goal),
		Status:    "active",
		Steps:     make(map[string]StepProgress),
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.saveLocked(); err != nil {
		return nil, false, err
	}
	return s.snapshotLocked(), false, nil
}

// GetResumableSession scans the sessions directory for the most recent
// non-completed session whose goal hash matches.
func (s *Store) GetResumableSession(goal string) (*Session, error) {
	hash := GoalHash(goal)
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan sessions: %w", err)
	}

	var best *Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.readSessionFile(filepath.Join(s.root, "sessions", entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable session file", "file", entry.Name(), "error", err)
			continue
		}
		if sess.GoalHash != hash || sess.Status == "completed" {
			continue
		}
		if best == nil || sess.UpdatedAt.After(best.UpdatedAt) {
			best = sess
		}
	}
	return best, nil
}

// SetPlan stores the engine's plan snapshot.
func (s *Store) SetPlan(plan json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return fmt.Errorf("no active session")
	}
	s.current.Plan = append(json.RawMessage(nil), plan...)
	return s.saveLocked()
}

// UpdateStepProgress records a step-status transition and advances the
// persisted step pointer. Completion triggers an immediate save.
func (s *Store) UpdateStepProgress(stepNum int, status string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return fmt.Errorf("no active session")
	}
	if s.current.Steps == nil {
		s.current.Steps = make(map[string]StepProgress)
	}
	s.current.Steps[fmt.Sprintf("%d", stepNum)] = StepProgress{
		Status:    status,
		Metadata:  metadata,
		UpdatedAt: time.Now(),
	}
	s.current.CurrentStep = stepNum
	if status == "completed" {
		s.current.CompletedSteps = appendUnique(s.current.CompletedSteps, stepNum)
	}
	return s.saveLocked()
}

// CreateCheckpoint snapshots the session under a tag, pruning the oldest
// checkpoints past the configured maximum.
func (s *Store) CreateCheckpoint(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return fmt.Errorf("no active session")
	}

	cp := Checkpoint{
		SessionID:      s.current.ID,
		GoalHash:       s.current.GoalHash,
		Plan:           s.current.Plan,
		CurrentStep:    s.current.CurrentStep,
		CompletedSteps: append([]int(nil), s.current.CompletedSteps...),
		StartedAt:      s.current.StartedAt,
		Tag:            tag,
		CreatedAt:      time.Now(),
	}
	name := fmt.Sprintf("%d-%s-%s.json", cp.CreatedAt.UnixNano(), s.current.ID, sanitizeTag(tag))
	if err := writeJSONAtomic(filepath.Join(s.root, "checkpoints", name), cp); err != nil {
		return err
	}
	return s.pruneCheckpointsLocked()
}

func (s *Store) pruneCheckpointsLocked() error {
	dir := filepath.Join(s.root, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan checkpoints: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.opts.MaxCheckpoints {
		return nil
	}
	// Name prefix is a nanosecond timestamp, so lexical order is age order.
	sort.Strings(names)
	for _, name := range names[:len(names)-s.opts.MaxCheckpoints] {
		_ = os.Remove(filepath.Join(dir, name))
	}
	return nil
}

// ListCheckpoints returns the session's checkpoints, oldest first.
func (s *Store) ListCheckpoints() ([]Checkpoint, error) {
	dir := filepath.Join(s.root, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Checkpoint
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// CompleteSession marks the session completed with a result summary.
func (s *Store) CompleteSession(result string) error {
	return s.finalize("completed", result, "")
}

// FailSession marks the session failed with the fatal error.
func (s *Store) FailSession(cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finalize("failed", "", msg)
}

func (s *Store) finalize(status, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return fmt.Errorf("no active session")
	}
	s.current.Status = status
	s.current.Result = result
	s.current.Error = errMsg
	return s.saveLocked()
}

// Current returns a by-value snapshot of the active session.
func (s *Store) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ReadSession loads a session file by id.
func (s *Store) ReadSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSessionLocked(id)
}

// Cleanup removes session, checkpoint, cache, and child-output log files
// older than the retention window.
func (s *Store) Cleanup() error {
	cutoff := time.Now().Add(-s.opts.CleanupAge)
	for _, sub := range []string{"sessions", "checkpoints", "cache", "logs"} {
		dir := filepath.Join(s.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || info.IsDir() {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}
	return nil
}

// StartAutoSave begins the periodic save loop. It runs on its own timer,
// independent of the engine loop.
func (s *Store) StartAutoSave() {
	go func() {
		ticker := time.NewTicker(s.opts.AutoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopSave:
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.current != nil {
					if err := s.saveLocked(); err != nil {
						s.logger.Warn("auto-save failed", "error", err)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

// StopAutoSave halts the auto-save loop.
func (s *Store) StopAutoSave() {
	s.saveOnce.Do(func() { close(s.stopSave) })
}

func (s *Store) saveLocked() error {
	if s.current == nil {
		return nil
	}
	s.current.UpdatedAt = time.Now()
	path := filepath.Join(s.root, "sessions", s.current.ID+".json")
	return writeJSONAtomic(path, s.current)
}

func (s *Store) snapshotLocked() *Session {
	if s.current == nil {
		return nil
	}
	copied := *s.current
	copied.Plan = append(json.RawMessage(nil), s.current.Plan...)
	copied.CompletedSteps = append([]int(nil), s.current.CompletedSteps...)
	copied.Steps = make(map[string]StepProgress, len(s.current.Steps))
	for k, v := range s.current.Steps {
		copied.Steps[k] = v
	}
	return &copied
}

func (s *Store) readSessionLocked(id string) (*Session, error) {
	return s.readSessionFile(filepath.Join(s.root, "sessions", id+".json"))
}

func (s *Store) readSessionFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", filepath.Base(path), err)
	}
	return &sess, nil
}

// writeJSONAtomic writes file.tmp then renames it into place.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func appendUnique(nums []int, n int) []int {
	for _, existing := range nums {
		if existing == n {
			return nums
		}
	}
	return append(nums, n)
}

func sanitizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "checkpoint"
	}
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-", ".", "-")
	return replacer.Replace(tag)
}
