package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zpdzap/drydock/internal/cron"
)

var _ cron.Store = (*Store)(nil)

func (s *Store) SaveJob(ctx context.Context, job cron.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (id, name, enabled, created_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			data = excluded.data
	`, job.ID, job.Name, boolInt(job.Enabled), formatTime(job.CreatedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (cron.Job, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM cron_jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return cron.Job{}, false, nil
	}
	if err != nil {
		return cron.Job{}, false, fmt.Errorf("failed to load job: %w", err)
	}
	var job cron.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return cron.Job{}, false, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return job, true, nil
}

// UpdateJob loads a job, applies fn and stores the result in one
// transaction.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*cron.Job) bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM cron_jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load job: %w", err)
	}
	var job cron.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return false, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	if !fn(&job) {
		return true, nil
	}
	job.ID = id
	encoded, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to encode job: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE cron_jobs SET name = ?, enabled = ?, data = ? WHERE id = ?`,
		job.Name, boolInt(job.Enabled), string(encoded), id)
	if err != nil {
		return false, fmt.Errorf("failed to save job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit job: %w", err)
	}
	return true, nil
}

// ListJobs returns jobs in creation order.
func (s *Store) ListJobs(ctx context.Context) ([]cron.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM cron_jobs ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []cron.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var job cron.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job and its history.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM cron_job_runs WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SaveJobRun(ctx context.Context, run cron.JobRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode job run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_job_runs (id, job_id, status, started_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data
	`, run.ID, run.JobID, string(run.Status), formatTime(run.StartedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to save job run: %w", err)
	}
	return nil
}

// ListJobRuns returns a job's runs newest first.
func (s *Store) ListJobRuns(ctx context.Context, jobID string, limit int) ([]cron.JobRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM cron_job_runs WHERE job_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()
	var runs []cron.JobRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		var run cron.JobRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("failed to decode job run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job runs: %w", err)
	}
	return runs, nil
}

func (s *Store) PruneJobRuns(ctx context.Context, jobID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cron_job_runs WHERE job_id = ? AND id NOT IN (
			SELECT id FROM cron_job_runs WHERE job_id = ?
			ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`, jobID, jobID, keep)
	if err != nil {
		return fmt.Errorf("failed to prune job runs: %w", err)
	}
	return nil
}
