package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentloom/internal/domain"
)

// LoadState returns the persisted record for agentID, upgraded to the current
// schema version. It wraps domain.ErrNotFound when no record exists.
func (s *Store) LoadState(ctx context.Context, agentID string) (domain.AgentState, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM agent_states WHERE id = ?`, agentID).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentState{}, fmt.Errorf("load state %s: %w", agentID, domain.ErrNotFound)
		}
		return domain.AgentState{}, fmt.Errorf("load state %s: %w", agentID, err)
	}
	state, err := domain.UpgradeState([]byte(record))
	if err != nil {
		return domain.AgentState{}, fmt.Errorf("load state %s: %w", agentID, err)
	}
	return state, nil
}

func (s *Store) SaveState(ctx context.Context, state domain.AgentState) error {
	if state.Identity.ID == "" {
		return fmt.Errorf("save state: empty agent id")
	}
	state.SchemaVersion = domain.StateSchemaVersion
	if state.Connections == nil {
		state.Connections = map[string]string{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", state.Identity.ID, err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO agent_states(id, parent_id, name, kind, orphaned, schema_version, record, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			kind = excluded.kind,
			orphaned = excluded.orphaned,
			schema_version = excluded.schema_version,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		state.Identity.ID, state.Identity.ParentID, state.Identity.Name, state.Identity.Kind,
		boolToInt(state.Orphaned), state.SchemaVersion, string(raw), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", state.Identity.ID, err)
	}
	return nil
}

// PutRawState stores a record exactly as given. It exists so older record
// versions can be seeded and upgraded through LoadState.
func (s *Store) PutRawState(ctx context.Context, identity domain.AgentIdentity, version int, raw []byte) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agent_states(id, parent_id, name, kind, orphaned, schema_version, record, updated_at)
		VALUES(?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, schema_version = excluded.schema_version`,
		identity.ID, identity.ParentID, identity.Name, identity.Kind, version, string(raw), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put raw state %s: %w", identity.ID, err)
	}
	return nil
}

func (s *Store) ListStates(ctx context.Context) ([]domain.AgentState, error) {
	return s.queryStates(ctx, `SELECT record FROM agent_states ORDER BY id ASC`)
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]domain.AgentState, error) {
	return s.queryStates(ctx, `SELECT record FROM agent_states WHERE parent_id = ? ORDER BY id ASC`, parentID)
}

func (s *Store) FindByName(ctx context.Context, name string) ([]domain.AgentState, error) {
	return s.queryStates(ctx, `SELECT record FROM agent_states WHERE name = ? ORDER BY id ASC`, name)
}

func (s *Store) queryStates(ctx context.Context, query string, args ...any) ([]domain.AgentState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AgentState, 0)
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		state, err := domain.UpgradeState([]byte(record))
		if err != nil {
			return nil, err
		}
		result = append(result, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate states: %w", err)
	}
	return result, nil
}
