package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/maratos-ai/orchestrator/pkg/config"
	"github.com/maratos-ai/orchestrator/pkg/sessionresolver"
	"github.com/maratos-ai/orchestrator/pkg/taskgraph"
)

// newTestClient spins up a disposable Postgres container and applies the
// embedded migrations through store.NewClient, matching the teacher's
// pkg/database/client_test.go pattern (container-per-test, torn down via
// t.Cleanup) minus the ent schema-creation step this package doesn't use.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, nat.Port("5432/tcp"))
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	cfg := config.DatabaseConfig{
		Host:         host,
		Port:         portNum,
		User:         "test",
		Password:     "test",
		Database:     "test",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestRunRepository_CreateUpdateFinish(t *testing.T) {
	client := newTestClient(t)
	repo := NewRunRepository(client)
	ctx := context.Background()

	run, err := repo.Create(ctx, uuid.New(), "build a feature", "/tmp/ws", 3, 3)
	require.NoError(t, err)
	assert.Equal(t, RunPending, run.Status)

	require.NoError(t, repo.UpdateStatus(ctx, run.ID, RunPlanning))
	require.NoError(t, repo.IncrementIterations(ctx, run.ID, 2))
	require.NoError(t, repo.Finish(ctx, run.ID, RunCompleted))

	fetched, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, fetched.Status)
	assert.Equal(t, 2, fetched.TotalIterations)
	assert.NotNil(t, fetched.FinishedAt)
}

func TestRunRepository_ListResumable(t *testing.T) {
	client := newTestClient(t)
	repo := NewRunRepository(client)
	ctx := context.Background()

	pending, err := repo.Create(ctx, uuid.New(), "pending run", "/tmp/ws", 1, 1)
	require.NoError(t, err)
	done, err := repo.Create(ctx, uuid.New(), "done run", "/tmp/ws", 1, 1)
	require.NoError(t, err)
	require.NoError(t, repo.Finish(ctx, done.ID, RunCompleted))

	resumable, err := repo.ListResumable(ctx)
	require.NoError(t, err)

	var ids []string
	for _, r := range resumable {
		ids = append(ids, r.ID.String())
	}
	assert.Contains(t, ids, pending.ID.String())
	assert.NotContains(t, ids, done.ID.String())
}

func TestTaskSnapshotRepository_SaveAndLoad(t *testing.T) {
	client := newTestClient(t)
	runs := NewRunRepository(client)
	snapshots := NewTaskSnapshotRepository(client)
	ctx := context.Background()

	run, err := runs.Create(ctx, uuid.New(), "goal", "/tmp/ws", 1, 1)
	require.NoError(t, err)

	specs := []taskgraph.TaskSpec{
		{ID: "t1", Title: "Add handler", AgentID: "coder"},
		{ID: "t2", Title: "Write tests", AgentID: "tester", DependsOn: []string{"t1"}},
	}
	require.NoError(t, snapshots.SaveSpecs(ctx, run.ID, specs))

	require.NoError(t, snapshots.SaveNodeState(ctx, run.ID, taskgraph.NodeSnapshot{
		ID: "t1", Status: taskgraph.StatusCompleted, Attempt: 1, Result: "implemented",
	}))

	snap, err := snapshots.LoadSnapshot(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, snap.Specs, 2)
	require.Len(t, snap.Nodes, 2)

	var t1 *taskgraph.NodeSnapshot
	for i := range snap.Nodes {
		if snap.Nodes[i].ID == "t1" {
			t1 = &snap.Nodes[i]
		}
	}
	require.NotNil(t, t1)
	assert.Equal(t, taskgraph.StatusCompleted, t1.Status)
	assert.Equal(t, "implemented", t1.Result)
}

func TestAttemptRepository_StartAndFinish(t *testing.T) {
	client := newTestClient(t)
	runs := NewRunRepository(client)
	attempts := NewAttemptRepository(client)
	ctx := context.Background()

	run, err := runs.Create(ctx, uuid.New(), "goal", "/tmp/ws", 1, 1)
	require.NoError(t, err)

	id, err := attempts.Start(ctx, run.ID, "t1", "coder", 1)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	require.NoError(t, attempts.Finish(ctx, id, "completed", ""))
}

func TestSessionRepository_ResolveOrCreateRoundTrip(t *testing.T) {
	client := newTestClient(t)
	repo := NewSessionRepository(client)
	resolver := sessionresolver.New(repo, nil)

	envelope := sessionresolver.Envelope{
		ChannelKind:      sessionresolver.ChannelWeb,
		ExternalThreadID: "thread-store-1",
		SenderID:         "user-1",
	}

	first, err := resolver.ResolveOrCreate(envelope)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := resolver.ResolveOrCreate(envelope)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.SessionID, second.SessionID)

	msg, err := resolver.PersistMessage(first.SessionID, sessionresolver.RoleUser, "hello there", envelope)
	require.NoError(t, err)
	assert.False(t, msg.Redacted)

	history, err := resolver.History(first.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello there", history[0].Content)
}
