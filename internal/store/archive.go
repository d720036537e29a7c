package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/zpdzap/drydock/internal/stream"
)

const archiveExt = ".jsonl.zst"

// ArchivePath is where a run's transcript is archived.
func (s *Store) ArchivePath(runID string) string {
	return filepath.Join(s.archiveDir, runID+archiveExt)
}

// ArchiveRun writes the run's events to a compressed JSON-lines file and
// drops them from the database. Events reads them back transparently.
func (s *Store) ArchiveRun(ctx context.Context, runID string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, at, kind, data FROM run_events WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	if err := s.writeArchive(runID, events); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to drop archived events: %w", err)
	}
	s.logger.Debug("archived transcript", "run_id", runID, "events", len(events))
	return nil
}

func (s *Store) writeArchive(runID string, events []stream.Record) (err error) {
	path := s.ArchivePath(runID)
	tmp, err := os.CreateTemp(s.archiveDir, runID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	for _, rec := range events {
		if err := enc.Encode(rec); err != nil {
			zw.Close()
			return fmt.Errorf("failed to write archive: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

// ReadArchive returns the archived events of a run, or ErrNotFound.
func (s *Store) ReadArchive(runID string) ([]stream.Record, error) {
	f, err := os.Open(s.ArchivePath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("archive for %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	var events []stream.Record
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec stream.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode archived event: %w", err)
		}
		events = append(events, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return events, nil
}

func (s *Store) removeArchive(runID string) error {
	err := os.Remove(s.ArchivePath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
