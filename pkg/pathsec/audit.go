package pathsec

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AuditSink maintains a bounded in-memory ring of recent audit entries and
// violations, matching original_source's SecurityAuditLog trimming
// behaviour (max_entries/max_violations), in front of the durable record
// kept by pkg/store. It is never a process-wide singleton — callers
// construct and pass one explicitly, per spec §9's "Global state" note.
type AuditSink struct {
	mu           sync.Mutex
	entries      []AuditEntry
	violations   []*Violation
	fileOps      []FileOpAuditRecord
	maxEntries   int
	maxViolation int
	logger       *slog.Logger
}

func NewAuditSink(logger *slog.Logger) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditSink{maxEntries: 1000, maxViolation: 500, logger: logger}
}

func (s *AuditSink) LogOperation(entry AuditEntry) AuditEntry {
	entry.Timestamp = time.Now()
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.maxEntries {
		s.entries = s.entries[len(s.entries)-s.maxEntries:]
	}
	s.mu.Unlock()

	level := slog.LevelInfo
	if !entry.Success || !entry.Allowed {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "filesystem operation",
		"operation", entry.Operation, "path", entry.Path, "resolved", entry.ResolvedPath,
		"success", entry.Success, "allowed", entry.Allowed, "agent_id", entry.AgentID, "error", entry.Error)
	return entry
}

func (s *AuditSink) LogViolation(v *Violation) *Violation {
	s.mu.Lock()
	s.violations = append(s.violations, v)
	if len(s.violations) > s.maxViolation {
		s.violations = s.violations[len(s.violations)-s.maxViolation:]
	}
	s.mu.Unlock()

	s.logger.Warn("security violation", "type", v.Type, "path", v.OriginalPath,
		"resolved", v.ResolvedPath, "message", v.Message, "agent_id", v.AgentID)
	return v
}

func (s *AuditSink) LogFileOp(rec FileOpAuditRecord) FileOpAuditRecord {
	rec.Timestamp = time.Now()
	s.mu.Lock()
	s.fileOps = append(s.fileOps, rec)
	s.mu.Unlock()
	return rec
}

// RecentEntries returns up to limit most-recent entries, optionally
// filtered, mirroring get_recent_entries.
func (s *AuditSink) RecentEntries(limit int, op *Operation, success *bool) []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for _, e := range s.entries {
		if op != nil && e.Operation != *op {
			continue
		}
		if success != nil && e.Success != *success {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats reproduces get_stats(): aggregate counts by operation and
// violation type (original_source supplement #1).
type Stats struct {
	TotalOperations    int
	FailedOperations   int
	DeniedOperations   int
	TotalViolations    int
	OperationsByType   map[Operation]int
	ViolationsByType   map[ViolationType]int
}

func (s *AuditSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		OperationsByType: map[Operation]int{},
		ViolationsByType: map[ViolationType]int{},
	}
	st.TotalOperations = len(s.entries)
	for _, e := range s.entries {
		if !e.Success {
			st.FailedOperations++
		}
		if !e.Allowed {
			st.DeniedOperations++
		}
		st.OperationsByType[e.Operation]++
	}
	st.TotalViolations = len(s.violations)
	for _, v := range s.violations {
		st.ViolationsByType[v.Type]++
	}
	return st
}
