package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorTaxonomyMatchesThroughWrapping(t *testing.T) {
	cfgErr := fmt.Errorf("start: %w", NewConfigurationError("agent %s not found", "ghost"))
	if !IsConfiguration(cfgErr) {
		t.Fatalf("expected configuration error, got %v", cfgErr)
	}
	if IsTransient(cfgErr) {
		t.Fatalf("configuration error must not be transient")
	}

	cause := errors.New("connection reset")
	transient := fmt.Errorf("invoke: %w", NewTransientError("agent.invoke", cause))
	if !IsTransient(transient) {
		t.Fatalf("expected transient error")
	}
	if !errors.Is(transient, cause) {
		t.Fatalf("expected transient error to unwrap to its cause")
	}

	timeout := &TimeoutError{ExecutionID: "exec_1", Budget: time.Second, Elapsed: 2 * time.Second}
	if !IsTimeout(fmt.Errorf("run: %w", timeout)) {
		t.Fatalf("expected timeout error")
	}

	if NewTransientError("noop", nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}
}

func TestExecutionStateTerminal(t *testing.T) {
	cases := map[ExecutionState]bool{
		ExecutionQueued:      false,
		ExecutionRunning:     false,
		ExecutionInterrupted: false,
		ExecutionCompleted:   true,
		ExecutionFailed:      true,
		ExecutionTimedOut:    true,
		ExecutionCancelled:   true,
	}
	for state, want := range cases {
		if got := state.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestExecutionCloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := &Execution{
		ID:        "exec_1",
		History:   []Message{{Role: "user", Content: "hi"}},
		StepLog:   []Step{{Seq: 1, Type: StepRouting}},
		StartedAt: &now,
	}
	cp := orig.Clone()
	cp.History[0].Content = "changed"
	cp.StepLog[0].Detail = "changed"
	*cp.StartedAt = now.Add(time.Hour)

	if orig.History[0].Content != "hi" || orig.StepLog[0].Detail != "" || !orig.StartedAt.Equal(now) {
		t.Fatalf("clone shares state with original")
	}
}
