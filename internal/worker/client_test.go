package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeRunner replays scripted outcomes in order.
type fakeRunner struct {
	outcomes []fakeOutcome
	calls    []Invocation
	models   []string
}

type fakeOutcome struct {
	stdout string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, _ CLIOptions, inv Invocation, _ time.Duration) (string, error) {
	f.calls = append(f.calls, inv)
	f.models = append(f.models, inv.Model)
	if len(f.outcomes) == 0 {
		return `{"result": "default", "session_id": "sess-default"}`, nil
	}
	outcome := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return outcome.stdout, outcome.err
}

func testOptions() Options {
	return Options{
		Model:         "primary",
		FallbackModel: "fallback",
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
	}
}

func TestStartSession_RecordsSessionID(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{stdout: `{"result": "hi", "session_id": "sess-1"}`},
	}}
	c := NewClient(runner, testOptions(), nil)

	reply, err := c.StartSession(context.Background(), "system ctx", "go")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if reply.SessionID != "sess-1" || c.SessionID() != "sess-1" {
		t.Fatalf("session id not recorded: reply=%q client=%q", reply.SessionID, c.SessionID())
	}
	if runner.calls[0].SystemPrompt != "system ctx" {
		t.Errorf("system prompt not passed: %q", runner.calls[0].SystemPrompt)
	}
	if runner.calls[0].ResumeSessionID != "" {
		t.Errorf("fresh session must not resume, got %q", runner.calls[0].ResumeSessionID)
	}
}

func TestContinueConversation_RequiresSession(t *testing.T) {
	c := NewClient(&fakeRunner{}, testOptions(), nil)
	if _, err := c.ContinueConversation(context.Background(), "next"); err == nil {
		t.Fatal("want error without active session")
	}
}

func TestContinueConversation_ResumesSession(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{stdout: `{"result": "started", "session_id": "sess-7"}`},
		{stdout: `{"result": "continued", "session_id": "sess-7"}`},
	}}
	c := NewClient(runner, testOptions(), nil)

	if _, err := c.StartSession(context.Background(), "", "start"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ContinueConversation(context.Background(), "more"); err != nil {
		t.Fatal(err)
	}
	if runner.calls[1].ResumeSessionID != "sess-7" {
		t.Fatalf("resume id = %q, want sess-7", runner.calls[1].ResumeSessionID)
	}
}

func TestSend_TransientErrorsThenFallbackSucceeds(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{err: errors.New("ECONNRESET")},
		{err: errors.New("upstream 503")},
		{stdout: `{"result": "finally", "session_id": "sess-2"}`},
	}}
	c := NewClient(runner, testOptions(), nil)

	reply, err := c.SendPromptWithRetry(context.Background(), "work")
	if err != nil {
		t.Fatalf("SendPromptWithRetry: %v", err)
	}
	if reply.Text != "finally" {
		t.Errorf("Text = %q", reply.Text)
	}

	m := c.Metrics()
	if m.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d, want 2", m.TotalRetries)
	}
	if m.TotalFallbacks != 1 {
		t.Errorf("TotalFallbacks = %d, want 1", m.TotalFallbacks)
	}
	if runner.models[0] != "primary" {
		t.Errorf("first attempt model = %q, want primary", runner.models[0])
	}
	if runner.models[1] != "fallback" || runner.models[2] != "fallback" {
		t.Errorf("later attempts = %v, want fallback", runner.models[1:])
	}
}

func TestSend_PermanentErrorNoRetry(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{err: errors.New("invalid api key")},
	}}
	c := NewClient(runner, testOptions(), nil)

	if _, err := c.SendPromptWithRetry(context.Background(), "work"); err == nil {
		t.Fatal("want error for permanent failure")
	}
	if len(runner.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(runner.calls))
	}
	if c.Metrics().TotalRetries != 0 {
		t.Fatalf("TotalRetries = %d, want 0", c.Metrics().TotalRetries)
	}
}

func TestSend_ExhaustedRetries(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{err: errors.New("network blip")},
		{err: errors.New("network blip")},
		{err: errors.New("network blip")},
	}}
	c := NewClient(runner, testOptions(), nil)

	if _, err := c.SendPromptWithRetry(context.Background(), "work"); err == nil {
		t.Fatal("want error after exhausting retries")
	}
	if len(runner.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(runner.calls))
	}
}

func TestHistoryTrimming(t *testing.T) {
	runner := &fakeRunner{}
	c := NewClient(runner, testOptions(), nil)

	for i := 0; i < 60; i++ {
		if _, err := c.SendPromptWithRetry(context.Background(), fmt.Sprintf("prompt %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	history := c.History()
	if len(history) != maxConversationHistory {
		t.Fatalf("history length = %d, want %d", len(history), maxConversationHistory)
	}
	// Oldest entries dropped: the first surviving user turn is not prompt 0.
	if history[0].Content == "prompt 0" {
		t.Error("oldest history entry should have been dropped")
	}
}

func TestLastAssistantMessage(t *testing.T) {
	runner := &fakeRunner{outcomes: []fakeOutcome{
		{stdout: `{"result": "one", "session_id": "s"}`},
		{stdout: `{"result": "two", "session_id": "s"}`},
	}}
	c := NewClient(runner, testOptions(), nil)
	_, _ = c.SendPromptWithRetry(context.Background(), "a")
	_, _ = c.SendPromptWithRetry(context.Background(), "b")
	if got := c.LastAssistantMessage(); got != "two" {
		t.Fatalf("LastAssistantMessage = %q, want two", got)
	}
}

func TestTrimHistoryAndReset(t *testing.T) {
	runner := &fakeRunner{}
	c := NewClient(runner, testOptions(), nil)
	for i := 0; i < 5; i++ {
		_, _ = c.SendPromptWithRetry(context.Background(), "p")
	}
	c.TrimHistory(4)
	if got := len(c.History()); got != 4 {
		t.Fatalf("history after trim = %d, want 4", got)
	}
	c.ResetSession()
	if c.SessionID() != "" || len(c.History()) != 0 {
		t.Fatal("reset should clear session and history")
	}
}

func TestCacheHitRate(t *testing.T) {
	m := Metrics{CacheHitTokens: 300, CacheMissTokens: 100}
	if got := m.CacheHitRate(); got != 0.75 {
		t.Fatalf("CacheHitRate = %v, want 0.75", got)
	}
	if got := (Metrics{}).CacheHitRate(); got != 0 {
		t.Fatalf("empty CacheHitRate = %v, want 0", got)
	}
}
