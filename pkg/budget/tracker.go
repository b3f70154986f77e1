// Package budget implements the per-session budget counters and ceilings
// described in spec §4.4. Grounded on original_source's
// backend/app/guardrails/enforcer.py usage of BudgetTracker/BudgetType and
// tarsy's small mutex-guarded struct idiom (pkg/session/manager.go).
package budget

import (
	"sync"

	"github.com/maratos-ai/orchestrator/pkg/config"
	"github.com/maratos-ai/orchestrator/pkg/resultkind"
)

// CounterKind names a budget dimension for typed exceeded errors.
type CounterKind string

const (
	ToolLoopsPerMessage  CounterKind = "tool_loops_per_message"
	ToolCallsPerMessage  CounterKind = "tool_calls_per_message"
	ToolCallsPerSession  CounterKind = "tool_calls_per_session"
	ShellSecondsSession  CounterKind = "shell_seconds_per_session"
	OutputBytesSession   CounterKind = "output_bytes_per_session"
)

// Remaining reports how much headroom is left in each counter.
type Remaining struct {
	ToolLoopsPerMessage int
	ToolCallsPerMessage int
	ToolCallsPerSession int
	ShellSeconds        float64
	OutputBytes         int64
}

// Tracker is per-session, mutated only from the owning session's execution
// context. Spec §5 explicitly says no locking is required for that reason;
// the mutex here is kept anyway because a single Tracker may in practice be
// shared across a bounded-parallelism fan-out of tasks within one run, and
// the cost of a mutex on an in-memory counter is negligible — matching the
// defensive-but-cheap style of the teacher's session.Manager.
type Tracker struct {
	mu     sync.Mutex
	policy config.BudgetPolicy

	toolLoopsThisMessage int
	toolCallsThisMessage int
	toolCallsThisSession int
	shellSecondsSession  float64
	outputBytesSession   int64
}

func New(policy config.BudgetPolicy) *Tracker {
	return &Tracker{policy: policy}
}

// CheckToolLoop raises before incrementing the per-message loop counter
// (one call per interpreter iteration), matching spec §4.2's iteration
// ceiling.
func (t *Tracker) CheckToolLoop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.toolLoopsThisMessage >= t.policy.MaxToolLoopsPerMessage {
		return resultkind.New(resultkind.ErrBudget, "tool loop ceiling exceeded (%d)", t.policy.MaxToolLoopsPerMessage)
	}
	t.toolLoopsThisMessage++
	return nil
}

// CheckToolCall raises before incrementing, per spec §4.4's two-API-style
// contract ("check_tool_call() raises before incrementing").
func (t *Tracker) CheckToolCall() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.toolCallsThisMessage >= t.policy.MaxToolCallsPerMessage {
		return resultkind.New(resultkind.ErrBudget, "tool call per-message ceiling exceeded (%d)", t.policy.MaxToolCallsPerMessage)
	}
	if t.toolCallsThisSession >= t.policy.MaxToolCallsPerSession {
		return resultkind.New(resultkind.ErrBudget, "tool call per-session ceiling exceeded (%d)", t.policy.MaxToolCallsPerSession)
	}
	if t.outputBytesSession >= t.policy.MaxOutputBytesSession {
		return resultkind.New(resultkind.ErrBudget, "output bytes ceiling exceeded (%d)", t.policy.MaxOutputBytesSession)
	}
	return nil
}

// CheckShellCall raises if the accumulated shell time already exceeds the
// session ceiling.
func (t *Tracker) CheckShellCall() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shellSecondsSession >= t.policy.MaxShellSecondsSession {
		return resultkind.New(resultkind.ErrBudget, "shell seconds ceiling exceeded (%.0f)", t.policy.MaxShellSecondsSession)
	}
	return nil
}

// RecordToolCall commits a completed tool call's effect on counters: it
// always records output size (even on failure — preserved from
// original_source's enforcer.record_tool_execution, SPEC_FULL supplement 5).
func (t *Tracker) RecordToolCall(outputSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolCallsThisMessage++
	t.toolCallsThisSession++
	t.outputBytesSession += int64(outputSize)
}

// RecordShellTime records elapsed shell seconds — callers must only invoke
// this on a *successful* shell execution (preserved from original_source
// supplement 5: "record only on successful shell execution").
func (t *Tracker) RecordShellTime(seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shellSecondsSession += seconds
}

// ResetMessageCounters resets per-message counters at the start of each
// agent turn; per-session counters never reset for the session's lifetime.
func (t *Tracker) ResetMessageCounters() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolLoopsThisMessage = 0
	t.toolCallsThisMessage = 0
}

func (t *Tracker) GetRemaining() Remaining {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Remaining{
		ToolLoopsPerMessage: t.policy.MaxToolLoopsPerMessage - t.toolLoopsThisMessage,
		ToolCallsPerMessage: t.policy.MaxToolCallsPerMessage - t.toolCallsThisMessage,
		ToolCallsPerSession: t.policy.MaxToolCallsPerSession - t.toolCallsThisSession,
		ShellSeconds:        t.policy.MaxShellSecondsSession - t.shellSecondsSession,
		OutputBytes:         t.policy.MaxOutputBytesSession - t.outputBytesSession,
	}
}

func (t *Tracker) IsExhausted() bool {
	r := t.GetRemaining()
	return r.ToolLoopsPerMessage <= 0 || r.ToolCallsPerMessage <= 0 ||
		r.ToolCallsPerSession <= 0 || r.ShellSeconds <= 0 || r.OutputBytes <= 0
}
