package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, owner_id, name, steps, created_at) VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.Name, marshalJSON(w.Steps), w.CreatedAt)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, steps, created_at FROM workflows WHERE id = ?`, id)
	var w Workflow
	var steps string
	err := row.Scan(&w.ID, &w.OwnerID, &w.Name, &steps, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Steps = unmarshalJSON[[]WorkflowStep](steps)
	return &w, nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "workflows", id)
}

func (s *Store) CreateRun(ctx context.Context, r *WorkflowRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, owner_id, session_id, status, steps, input, output, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.OwnerID, r.SessionID, r.Status, marshalJSON(r.Steps),
		r.Input, r.Output, r.Error, r.CreatedAt, r.UpdatedAt)
	return err
}

// UpdateRun rewrites the run's mutable state. The DAG executor calls this on
// every node transition so reconnecting clients see fresh snapshots.
func (s *Store) UpdateRun(ctx context.Context, r *WorkflowRun) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, steps = ?, output = ?, error = ?, updated_at = ? WHERE id = ?`,
		r.Status, marshalJSON(r.Steps), r.Output, r.Error, r.UpdatedAt, r.ID)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, owner_id, session_id, status, steps, input, output, error, created_at, updated_at
		 FROM workflow_runs WHERE id = ?`, id)
	var r WorkflowRun
	var steps string
	err := row.Scan(&r.ID, &r.WorkflowID, &r.OwnerID, &r.SessionID, &r.Status, &steps,
		&r.Input, &r.Output, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Steps = unmarshalJSON[map[string]StepResult](steps)
	return &r, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sched *WorkflowSchedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_schedules (id, workflow_id, owner_id, cron_expr, input, active, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.OwnerID, sched.CronExpr, sched.Input, sched.Active,
		sched.LastRunAt, sched.NextRunAt, sched.CreatedAt)
	return err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*WorkflowSchedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, owner_id, cron_expr, input, active, last_run_at, next_run_at, created_at
		 FROM workflow_schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

func scanSchedule(row *sql.Row) (*WorkflowSchedule, error) {
	var sched WorkflowSchedule
	err := row.Scan(&sched.ID, &sched.WorkflowID, &sched.OwnerID, &sched.CronExpr, &sched.Input,
		&sched.Active, &sched.LastRunAt, &sched.NextRunAt, &sched.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]*WorkflowSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, owner_id, cron_expr, input, active, last_run_at, next_run_at, created_at
		 FROM workflow_schedules WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*WorkflowSchedule
	for rows.Next() {
		var sched WorkflowSchedule
		if err := rows.Scan(&sched.ID, &sched.WorkflowID, &sched.OwnerID, &sched.CronExpr, &sched.Input,
			&sched.Active, &sched.LastRunAt, &sched.NextRunAt, &sched.CreatedAt); err != nil {
			return nil, err
		}
		schedules = append(schedules, &sched)
	}
	return schedules, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "workflow_schedules", id)
}

// TouchSchedule records firing times after a scheduled run.
func (s *Store) TouchSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`, lastRun, nextRun, id)
	return err
}
