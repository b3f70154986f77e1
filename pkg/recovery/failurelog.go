package recovery

import (
	"context"
	"log/slog"
	"sync"
)

// Log is a bounded in-memory history of failure contexts, mirroring
// original_source's FailureLogger (log_failure/get_recent_failures/
// get_failure_stats), following the same non-singleton, explicitly-passed
// convention as pkg/pathsec.AuditSink (spec §9 "Global state").
type Log struct {
	mu         sync.Mutex
	failures   []FailureContext
	maxHistory int
	logger     *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{maxHistory: 100, logger: logger}
}

func (l *Log) Record(f FailureContext) {
	l.mu.Lock()
	l.failures = append(l.failures, f)
	if len(l.failures) > l.maxHistory {
		l.failures = l.failures[len(l.failures)-l.maxHistory:]
	}
	l.mu.Unlock()

	l.logger.Log(context.Background(), slog.LevelError, "agent failure",
		"agent_id", f.AgentID, "task_id", f.TaskID, "error", f.ErrorMessage,
		"attempt", f.Attempt, "max_attempts", f.MaxAttempts,
		"duration_seconds", f.DurationSeconds,
		"goals_completed", f.GoalsCompleted, "goals_total", f.GoalsTotal,
		"last_checkpoint", f.LastCheckpoint)
}

// Recent returns up to limit most-recent failures, optionally filtered by
// agent id and/or kind.
func (l *Log) Recent(agentID string, kind Kind, limit int) []FailureContext {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []FailureContext
	for _, f := range l.failures {
		if agentID != "" && f.AgentID != agentID {
			continue
		}
		k, _ := Classify(f.ErrorMessage)
		if kind != "" && k != kind {
			continue
		}
		out = append(out, f)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats reproduces get_failure_stats: totals by agent and by classified kind.
type Stats struct {
	Total       int
	ByAgent     map[string]int
	ByKind      map[Kind]int
	TotalRetries int
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Stats{ByAgent: map[string]int{}, ByKind: map[Kind]int{}}
	st.Total = len(l.failures)
	for _, f := range l.failures {
		st.ByAgent[f.AgentID]++
		kind, _ := Classify(f.ErrorMessage)
		st.ByKind[kind]++
		if f.Attempt > 1 {
			st.TotalRetries++
		}
	}
	return st
}
