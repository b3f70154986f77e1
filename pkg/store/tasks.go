package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/maratos-ai/orchestrator/pkg/taskgraph"
)

// TaskSnapshotRepository persists a Graph's per-node state so a run can be
// resumed after a process restart, writing each node's state as the engine
// reports it (see SaveNodeState) rather than in one batch at the end.
type TaskSnapshotRepository struct {
	db *Client
}

func NewTaskSnapshotRepository(db *Client) *TaskSnapshotRepository { return &TaskSnapshotRepository{db: db} }

// SaveSpecs upserts the immutable task specs once, at plan time.
func (r *TaskSnapshotRepository) SaveSpecs(ctx context.Context, runID uuid.UUID, specs []taskgraph.TaskSpec) error {
	for _, s := range specs {
		raw, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = r.db.Pool.Exec(ctx, `
			INSERT INTO task_snapshots (run_id, task_id, spec, status)
			VALUES ($1, $2, $3, 'pending')
			ON CONFLICT (run_id, task_id) DO UPDATE SET spec = EXCLUDED.spec`,
			runID, s.ID, raw)
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveNodeState upserts one node's mutable state. The engine calls it when
// a task completes and when it fails after its last attempt; the ready,
// running and blocked transitions are not written.
func (r *TaskSnapshotRepository) SaveNodeState(ctx context.Context, runID uuid.UUID, n taskgraph.NodeSnapshot) error {
	var resultRaw, artifactsRaw []byte
	var err error
	if n.Result != "" {
		if resultRaw, err = json.Marshal(n.Result); err != nil {
			return err
		}
	}
	if n.Artifacts != nil {
		if artifactsRaw, err = json.Marshal(n.Artifacts); err != nil {
			return err
		}
	}
	_, err = r.db.Pool.Exec(ctx, `
		UPDATE task_snapshots
		SET status = $3, attempt = $4, result = $5, error = $6, artifacts = $7, updated_at = now()
		WHERE run_id = $1 AND task_id = $2`,
		runID, n.ID, n.Status, n.Attempt, nullableJSON(resultRaw), n.Error, nullableJSON(artifactsRaw))
	return err
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// LoadSnapshot reconstructs a taskgraph.Snapshot for Restore, the
// counterpart to SaveSpecs/SaveNodeState used on resume.
func (r *TaskSnapshotRepository) LoadSnapshot(ctx context.Context, runID uuid.UUID) (taskgraph.Snapshot, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT task_id, spec, status, attempt, result, error, artifacts
		FROM task_snapshots WHERE run_id = $1`, runID)
	if err != nil {
		return taskgraph.Snapshot{}, err
	}
	defer rows.Close()

	snap := taskgraph.Snapshot{PlanID: runID.String()}
	for rows.Next() {
		var id string
		var specRaw, resultRaw, artifactsRaw []byte
		var status string
		var attempt int
		var errMsg *string
		if err := rows.Scan(&id, &specRaw, &status, &attempt, &resultRaw, &errMsg, &artifactsRaw); err != nil {
			return taskgraph.Snapshot{}, err
		}
		var spec taskgraph.TaskSpec
		if err := json.Unmarshal(specRaw, &spec); err != nil {
			return taskgraph.Snapshot{}, err
		}
		node := taskgraph.NodeSnapshot{ID: id, Status: taskgraph.Status(status), Attempt: attempt}
		if errMsg != nil {
			node.Error = *errMsg
		}
		if len(resultRaw) > 0 {
			_ = json.Unmarshal(resultRaw, &node.Result)
		}
		if len(artifactsRaw) > 0 {
			_ = json.Unmarshal(artifactsRaw, &node.Artifacts)
		}
		snap.Specs = append(snap.Specs, spec)
		snap.Nodes = append(snap.Nodes, node)
	}
	return snap, rows.Err()
}

// AttemptRepository logs each individual agent attempt at a task, giving
// a run its full attempt history independent of the graph's current
// (single, latest) attempt counter.
type AttemptRepository struct {
	db *Client
}

func NewAttemptRepository(db *Client) *AttemptRepository { return &AttemptRepository{db: db} }

func (r *AttemptRepository) Start(ctx context.Context, runID uuid.UUID, taskID, agentID string, attemptNum int) (int64, error) {
	var id int64
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO attempts (run_id, task_id, attempt_num, agent_id, status)
		VALUES ($1, $2, $3, $4, 'running') RETURNING id`,
		runID, taskID, attemptNum, agentID)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *AttemptRepository) Finish(ctx context.Context, attemptID int64, status string, errMsg string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE attempts SET status = $2, error = NULLIF($3, ''), finished_at = $4 WHERE id = $1`,
		attemptID, status, errMsg, time.Now())
	return err
}
