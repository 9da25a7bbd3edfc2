// Package phase tracks the run's time budget and produces time-pressure
// prompts as thresholds are crossed.
package phase

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase is one unit of the time plan, mapped one-to-one from subgoals
// (or a single phase for the primary goal).
type Phase struct {
	Index       int
	Description string
}

// Checkpoint records a moment the manager was consulted.
type Checkpoint struct {
	At          time.Time
	PercentUsed float64
	Note        string
}

const maxCheckpoints = 100

// Manager owns the wall-clock budget for one run.
type Manager struct {
	mu sync.Mutex

	startTime             time.Time
	limit                 time.Duration
	phases                []Phase
	checkpoints           []Checkpoint
	progressCheckInterval time.Duration

	halfwayPromptSent bool
	lowTimePromptSent bool
	expiredPromptSent bool

	now func() time.Time
}

// NewManager starts the clock for a run with the given time limit.
// phaseDescriptions come from the subgoal list; when empty a single
// phase covering the primary goal is used.
func NewManager(limit time.Duration, primaryGoal string, phaseDescriptions []string, progressCheckInterval time.Duration) *Manager {
	if progressCheckInterval <= 0 {
		progressCheckInterval = 5 * time.Minute
	}
	m := &Manager{
		limit:                 limit,
		progressCheckInterval: progressCheckInterval,
		now:                   time.Now,
	}
	m.startTime = m.now()
	if len(phaseDescriptions) == 0 {
		m.phases = []Phase{{Index: 0, Description: primaryGoal}}
	} else {
		for i, desc := range phaseDescriptions {
			m.phases = append(m.phases, Phase{Index: i, Description: desc})
		}
	}
	return m
}

// Elapsed returns wall-clock time since the run started.
func (m *Manager) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.startTime)
}

// Remaining returns the unspent budget (may be negative).
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

func (m *Manager) remainingLocked() time.Duration {
	return m.limit - m.now().Sub(m.startTime)
}

// PercentUsed returns the consumed fraction of the budget in [0,∞).
func (m *Manager) PercentUsed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.percentUsedLocked()
}

func (m *Manager) percentUsedLocked() float64 {
	if m.limit <= 0 {
		return 0
	}
	return float64(m.now().Sub(m.startTime)) / float64(m.limit) * 100
}

// Expired reports whether the budget has run out.
func (m *Manager) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked() <= 0
}

// Phases returns the phase list.
func (m *Manager) Phases() []Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Phase, len(m.phases))
	copy(out, m.phases)
	return out
}

// TimePrompt returns a time-pressure prompt when a threshold is crossed,
// and whether the engine should stop. Each prompt fires once.
func (m *Manager) TimePrompt() (prompt string, stop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.remainingLocked()
	pctUsed := m.percentUsedLocked()
	m.recordCheckpointLocked(pctUsed, "")

	if remaining <= 0 {
		if m.expiredPromptSent {
			return "", true
		}
		m.expiredPromptSent = true
		return "TIME EXPIRED. Stop working immediately. Summarize what was accomplished, " +
			"what remains unfinished, and any critical notes for whoever picks this up.", true
	}

	if remaining < m.limit/10 {
		if m.lowTimePromptSent {
			return "", false
		}
		m.lowTimePromptSent = true
		return fmt.Sprintf("## TIME PRESSURE\nOnly %s remains of the budget. "+
			"Prioritize critical tasks, defer polish, and cut anything optional.",
			remaining.Round(time.Second)), false
	}

	if pctUsed >= 50 && pctUsed < 60 {
		if m.halfwayPromptSent {
			return "", false
		}
		m.halfwayPromptSent = true
		var b strings.Builder
		b.WriteString("## MIDPOINT CHECK\nHalf the time budget is spent. Reassess:\n")
		b.WriteString("1. Is the current approach working?\n")
		b.WriteString("2. Which remaining tasks matter most?\n")
		b.WriteString("3. What can be simplified or dropped?\n")
		return b.String(), false
	}

	return "", false
}

// IsTimeForProgressCheck reports whether a periodic progress injection
// is due.
func (m *Manager) IsTimeForProgressCheck(lastCheckedAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(lastCheckedAt) >= m.progressCheckInterval
}

func (m *Manager) recordCheckpointLocked(pctUsed float64, note string) {
	m.checkpoints = append(m.checkpoints, Checkpoint{
		At:          m.now(),
		PercentUsed: pctUsed,
		Note:        note,
	})
	if len(m.checkpoints) > maxCheckpoints {
		m.checkpoints = m.checkpoints[len(m.checkpoints)-maxCheckpoints:]
	}
}

// Checkpoints returns the bounded checkpoint list.
func (m *Manager) Checkpoints() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out
}
