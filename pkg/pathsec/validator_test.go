package pathsec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_TraversalRejected(t *testing.T) {
	ws := t.TempDir()
	v := NewValidator([]string{ws}, ws, 10, NewAuditSink(nil))

	_, viol := v.Validate("../../etc/passwd", OpWrite, true, "coder", "sess-1")
	require.NotNil(t, viol)
	assert.Equal(t, ViolationPathTraversal, viol.Type)
}

func TestValidate_NullByte(t *testing.T) {
	ws := t.TempDir()
	v := NewValidator([]string{ws}, ws, 10, NewAuditSink(nil))

	_, viol := v.Validate("file\x00.txt", OpWrite, true, "coder", "sess-1")
	require.NotNil(t, viol)
	assert.Equal(t, ViolationNullByte, viol.Type)
}

func TestValidate_WithinWorkspaceAllowed(t *testing.T) {
	ws := t.TempDir()
	v := NewValidator([]string{ws}, ws, 10, NewAuditSink(nil))

	resolved, viol := v.Validate("sub/file.txt", OpWrite, true, "coder", "sess-1")
	require.Nil(t, viol)
	assert.Equal(t, filepath.Join(ws, "sub/file.txt"), resolved)
}

func TestValidate_SymlinkDepthExceeded(t *testing.T) {
	ws := t.TempDir()
	// Build a symlink chain of length maxDepth+1: l0 -> l1 -> ... -> target
	const depth = 3
	prev := filepath.Join(ws, "target.txt")
	require.NoError(t, os.WriteFile(prev, []byte("x"), 0o644))
	for i := depth; i >= 0; i-- {
		link := filepath.Join(ws, "link"+string(rune('0'+i)))
		require.NoError(t, os.Symlink(prev, link))
		prev = link
	}

	v := NewValidator([]string{ws}, ws, depth, NewAuditSink(nil))
	_, viol := v.Validate(prev, OpRead, false, "coder", "sess-1")
	require.NotNil(t, viol)
	assert.Equal(t, ViolationSymlinkEscape, viol.Type)
}

func TestValidate_OutsideAllowedDirRejected(t *testing.T) {
	ws := t.TempDir()
	other := t.TempDir()
	v := NewValidator([]string{ws}, ws, 10, NewAuditSink(nil))

	_, viol := v.Validate(filepath.Join(other, "x.txt"), OpWrite, true, "coder", "sess-1")
	require.NotNil(t, viol)
	assert.Equal(t, ViolationOutsideAllowed, viol.Type)
}

func TestAuditSink_StatsAndTrimming(t *testing.T) {
	sink := NewAuditSink(nil)
	sink.maxEntries = 2
	sink.LogOperation(AuditEntry{Operation: OpWrite, Success: true, Allowed: true})
	sink.LogOperation(AuditEntry{Operation: OpWrite, Success: false, Allowed: false})
	sink.LogOperation(AuditEntry{Operation: OpRead, Success: true, Allowed: true})

	stats := sink.Stats()
	assert.Equal(t, 2, stats.TotalOperations)
	assert.Equal(t, 1, stats.FailedOperations)
	assert.Equal(t, 1, stats.DeniedOperations)
}
