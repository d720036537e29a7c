package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AddImage records an image reference in the managed list. Adding a
// reference twice is a no-op.
func (s *Store) AddImage(ctx context.Context, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("image reference is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (ref, added_at) VALUES (?, ?)
		ON CONFLICT(ref) DO NOTHING
	`, ref, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to add image: %w", err)
	}
	return nil
}

// RemoveImage drops ref from the list, or returns ErrNotFound.
func (s *Store) RemoveImage(ctx context.Context, ref string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE ref = ?`, ref)
	if err != nil {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("image %s: %w", ref, ErrNotFound)
	}
	return nil
}

// ListImages returns the managed image references in the order they were
// added.
func (s *Store) ListImages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref FROM images ORDER BY added_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate images: %w", err)
	}
	return refs, nil
}
