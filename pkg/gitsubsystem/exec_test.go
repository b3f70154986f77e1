package gitsubsystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func hasGitBinary(t *testing.T) bool {
	t.Helper()
	_, err := os.Stat("/usr/bin/git")
	if err == nil {
		return true
	}
	_, err = os.Stat("/usr/local/bin/git")
	return err == nil
}

func TestInitStatusCommit(t *testing.T) {
	if !hasGitBinary(t) {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	g := New(dir)
	ctx := context.Background()

	_, err := g.Init(ctx)
	require.NoError(t, err)

	isRepo, err := g.IsRepo(ctx)
	require.NoError(t, err)
	require.True(t, isRepo)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello"), 0o644))

	st, err := g.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.HasChanges)
}

func TestNoopForgeClientFails(t *testing.T) {
	res, err := NoopForgeClient{}.CreatePullRequest(context.Background(), "t", "b", "main", "feature")
	require.NoError(t, err)
	require.False(t, res.Success)
}
