package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/toolproxy"
)

const toolsSeededKey = "tools_seeded"

var _ toolproxy.Registry = (*Store)(nil)

// LookupTool reads the registry on every call, so enabling or disabling a
// tool applies to the next invocation.
func (s *Store) LookupTool(ctx context.Context, id string) (toolproxy.Tool, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tools WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return toolproxy.Tool{}, false, nil
	}
	if err != nil {
		return toolproxy.Tool{}, false, fmt.Errorf("failed to load tool: %w", err)
	}
	var tool toolproxy.Tool
	if err := json.Unmarshal([]byte(data), &tool); err != nil {
		return toolproxy.Tool{}, false, fmt.Errorf("failed to decode tool %s: %w", id, err)
	}
	return tool, true, nil
}

// PutTool adds or replaces a tool after validating it.
func (s *Store) PutTool(ctx context.Context, tool toolproxy.Tool) error {
	if err := tool.Validate(); err != nil {
		return err
	}
	return putTool(ctx, s.db, tool)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putTool(ctx context.Context, db execer, tool toolproxy.Tool) error {
	data, err := json.Marshal(tool)
	if err != nil {
		return fmt.Errorf("failed to encode tool: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO tools (id, enabled, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET enabled = excluded.enabled, data = excluded.data
	`, tool.ID, boolInt(tool.Enabled), string(data))
	if err != nil {
		return fmt.Errorf("failed to save tool: %w", err)
	}
	return nil
}

// SetToolEnabled toggles a tool, or returns ErrNotFound.
func (s *Store) SetToolEnabled(ctx context.Context, id string, enabled bool) (toolproxy.Tool, error) {
	tool, ok, err := s.LookupTool(ctx, id)
	if err != nil {
		return toolproxy.Tool{}, err
	}
	if !ok {
		return toolproxy.Tool{}, fmt.Errorf("tool %s: %w", id, ErrNotFound)
	}
	tool.Enabled = enabled
	if err := putTool(ctx, s.db, tool); err != nil {
		return toolproxy.Tool{}, err
	}
	return tool, nil
}

// ListTools returns every registered tool sorted by id.
func (s *Store) ListTools(ctx context.Context) ([]toolproxy.Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()
	var tools []toolproxy.Tool
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		var tool toolproxy.Tool
		if err := json.Unmarshal([]byte(data), &tool); err != nil {
			return nil, fmt.Errorf("failed to decode tool: %w", err)
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tools: %w", err)
	}
	return tools, nil
}

// SeedTools inserts the tools declared in the settings file the first
// time the database is used. Later starts leave the registry alone so
// that edits made at runtime survive. It reports whether seeding ran.
func (s *Store) SeedTools(ctx context.Context, seeds []config.ToolSeed) (bool, error) {
	seeded, err := s.flag(ctx, toolsSeededKey)
	if err != nil || seeded {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, seed := range seeds {
		tool := toolproxy.Tool{
			ID:            seed.ID,
			Name:          seed.Name,
			HostPath:      seed.HostPath,
			Enabled:       seed.Enabled,
			AuthCheck:     seed.AuthCheck,
			ReauthHint:    seed.ReauthHint,
			ReauthCommand: seed.ReauthCommand,
			DenyArgs:      seed.DenyArgs,
		}
		if err := tool.Validate(); err != nil {
			return false, fmt.Errorf("seeding tools: %w", err)
		}
		if err := putTool(ctx, tx, tool); err != nil {
			return false, err
		}
	}
	if err := s.setFlag(ctx, tx, toolsSeededKey); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit tool seeds: %w", err)
	}
	return true, nil
}
