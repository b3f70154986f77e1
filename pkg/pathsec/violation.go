// Package pathsec validates filesystem operations against traversal,
// symlink-escape, null-byte, and unicode-normalisation attacks, and
// maintains an append-only audit trail of every operation and violation.
//
// Grounded on _examples/original_source/backend/app/tools/path_security.py:
// the same pattern lists, the same NFKC-normalisation check, the same
// symlink walk with a depth ceiling and visited-set loop detection, and the
// same prefix-plus-separator containment check (never a bare strings.HasPrefix).
package pathsec

import "time"

// ViolationType enumerates the kinds of security violations detected.
type ViolationType string

const (
	ViolationPathTraversal   ViolationType = "path_traversal"
	ViolationSymlinkEscape   ViolationType = "symlink_escape"
	ViolationNullByte        ViolationType = "null_byte"
	ViolationUnicodeAttack   ViolationType = "unicode_attack"
	ViolationOutsideAllowed  ViolationType = "outside_allowed"
	ViolationInvalidPath     ViolationType = "invalid_path"
)

// Operation enumerates the filesystem operations the jail distinguishes.
type Operation string

const (
	OpRead      Operation = "read"
	OpWrite     Operation = "write"
	OpDelete    Operation = "delete"
	OpList      Operation = "list"
	OpExists    Operation = "exists"
	OpCopy      Operation = "copy"
	OpCreateDir Operation = "create_dir"
)

// Violation describes a rejected path, matching original_source's
// SecurityViolation dataclass.
type Violation struct {
	Type         ViolationType
	OriginalPath string
	ResolvedPath string // empty if resolution never completed
	Message      string
	Timestamp    time.Time
	AgentID      string
	SessionID    string
}

func (v *Violation) Error() string { return v.Message }

// AuditEntry records one filesystem operation attempt, successful or not.
type AuditEntry struct {
	Operation    Operation
	Path         string
	ResolvedPath string
	Success      bool
	Allowed      bool
	Timestamp    time.Time
	AgentID      string
	SessionID    string
	Error        string
}

// FileOpAuditRecord is the supplemental, independently-computed audit
// record for write/delete/copy operations (original_source supplement #6:
// in_workspace is computed via a second, independent containment check —
// Abs+filepath.Rel, distinct from the jail's primary resolved-path check —
// as a defence-in-depth signal, not a replacement for it).
type FileOpAuditRecord struct {
	Path        string
	Operation   Operation
	Success     bool
	Error       string
	InWorkspace bool
	SessionID   string
	TaskID      string
	AgentID     string
	Timestamp   time.Time
}
