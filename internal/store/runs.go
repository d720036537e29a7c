package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/stream"
)

// RestartReason is recorded on runs that were still active when the engine
// went away.
const RestartReason = "engine restarted"

var (
	_ agent.Store    = (*Store)(nil)
	_ agent.Archiver = (*Store)(nil)
)

func (s *Store) SaveRun(ctx context.Context, run agent.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, state, repo, parent_id, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			repo = excluded.repo,
			parent_id = excluded.parent_id,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, run.ID, string(run.State), run.Repo, run.ParentID, formatTime(run.CreatedAt), formatTime(time.Now()), string(data))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (agent.Run, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return agent.Run{}, false, nil
	}
	if err != nil {
		return agent.Run{}, false, fmt.Errorf("failed to load run: %w", err)
	}
	var run agent.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return agent.Run{}, false, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return run, true, nil
}

// ListRuns returns runs newest first. A limit of zero or less means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]agent.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]agent.Run, error) {
	defer rows.Close()
	var runs []agent.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var run agent.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// AppendEvent stores rec. Re-appending a sequence number already stored
// for the run is a no-op.
func (s *Store) AppendEvent(ctx context.Context, runID string, rec stream.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, at, kind, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING
	`, runID, rec.Seq, formatTime(rec.At), string(rec.Kind), string(rec.Data))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns a run's events in sequence order. Once a run has been
// archived its events are read back from the archive.
func (s *Store) Events(ctx context.Context, runID string) ([]stream.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, at, kind, data FROM run_events WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) > 0 {
		return events, nil
	}
	archived, err := s.ReadArchive(runID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return archived, err
}

func scanEvents(rows *sql.Rows) ([]stream.Record, error) {
	defer rows.Close()
	var events []stream.Record
	for rows.Next() {
		var (
			rec        stream.Record
			at         string
			kind, data string
		)
		if err := rows.Scan(&rec.Seq, &at, &kind, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		t, err := parseTime(at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event time: %w", err)
		}
		rec.At = t
		rec.Kind = stream.Kind(kind)
		rec.Data = json.RawMessage(data)
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// RecoverInterrupted fails every run left in a non-terminal state and
// returns their ids. It is called once at startup, before anything new is
// started.
func (s *Store) RecoverInterrupted(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM runs WHERE state NOT IN (?, ?, ?, ?)
	`, string(agent.StateCompleted), string(agent.StateReadyForReview), string(agent.StateFailed), string(agent.StateStopped))
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupted runs: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, run := range runs {
		run.State = agent.StateFailed
		run.Reason = RestartReason
		run.Container = ""
		run.EndedAt = now
		if err := s.SaveRun(ctx, run); err != nil {
			return ids, err
		}
		ids = append(ids, run.ID)
	}
	return ids, nil
}

// PruneRuns deletes terminal runs beyond the newest keep, together with
// their events and archives. It returns how many were deleted.
func (s *Store) PruneRuns(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs WHERE state IN (?, ?, ?, ?)
		ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
	`, string(agent.StateCompleted), string(agent.StateReadyForReview), string(agent.StateFailed), string(agent.StateStopped), keep)
	if err != nil {
		return 0, fmt.Errorf("failed to select runs to prune: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate runs: %w", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete events: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete run: %w", err)
		}
		if err := s.removeArchive(id); err != nil {
			s.logger.Warn("removing archive failed", "run_id", id, "error", err)
		}
	}
	return len(ids), nil
}
