package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus mirrors the orchestration engine's run-level lifecycle.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunPlanning  RunStatus = "planning"
	RunExecuting RunStatus = "executing"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is the persisted record for one orchestration run.
type Run struct {
	ID              uuid.UUID
	Goal            string
	Workspace       string
	Status          RunStatus
	ParallelTasks   int
	MaxAttempts     int
	TotalIterations int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      *time.Time
}

// RunRepository persists run-level state, grounded on the teacher's
// pgx-pool query shape and kubernaut's INSERT...RETURNING repository
// convention.
type RunRepository struct {
	db *Client
}

func NewRunRepository(db *Client) *RunRepository { return &RunRepository{db: db} }

// Create inserts a run under the given id rather than minting its own, so
// the caller's in-memory run identity (what every other persistence call is
// keyed on) and the durable row never diverge.
func (r *RunRepository) Create(ctx context.Context, id uuid.UUID, goal, workspace string, parallelTasks, maxAttempts int) (*Run, error) {
	run := &Run{ID: id, Goal: goal, Workspace: workspace, Status: RunPending, ParallelTasks: parallelTasks, MaxAttempts: maxAttempts}
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO runs (id, goal, workspace, status, parallel_tasks, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		run.ID, run.Goal, run.Workspace, run.Status, run.ParallelTasks, run.MaxAttempts)
	if err := row.Scan(&run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *RunRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status RunStatus) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE runs SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

func (r *RunRepository) IncrementIterations(ctx context.Context, id uuid.UUID, by int) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE runs SET total_iterations = total_iterations + $2, updated_at = now() WHERE id = $1`, id, by)
	return err
}

func (r *RunRepository) Finish(ctx context.Context, id uuid.UUID, status RunStatus) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE runs SET status = $2, finished_at = now(), updated_at = now() WHERE id = $1`, id, status)
	return err
}

func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	run := &Run{ID: id}
	row := r.db.Pool.QueryRow(ctx, `
		SELECT goal, workspace, status, parallel_tasks, max_attempts, total_iterations, created_at, updated_at, finished_at
		FROM runs WHERE id = $1`, id)
	if err := row.Scan(&run.Goal, &run.Workspace, &run.Status, &run.ParallelTasks, &run.MaxAttempts,
		&run.TotalIterations, &run.CreatedAt, &run.UpdatedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	return run, nil
}

// ListResumable returns runs left in a non-terminal state, the set the
// engine must offer to resume on startup.
func (r *RunRepository) ListResumable(ctx context.Context) ([]*Run, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, goal, workspace, status, parallel_tasks, max_attempts, total_iterations, created_at, updated_at, finished_at
		FROM runs WHERE status IN ($1, $2, $3, $4) ORDER BY created_at`,
		RunPending, RunPlanning, RunExecuting, RunPaused)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.ID, &run.Goal, &run.Workspace, &run.Status, &run.ParallelTasks, &run.MaxAttempts,
			&run.TotalIterations, &run.CreatedAt, &run.UpdatedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
