package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateSchemaVersion is the version written by SaveState. Version 1 records
// kept chat history as plain strings under "history" and the log cursor under
// "last_seen".
const StateSchemaVersion = 2

type stateV1 struct {
	SchemaVersion int               `json:"schema_version"`
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Kind          string            `json:"kind"`
	ParentID      string            `json:"parent_id"`
	Path          string            `json:"path"`
	Connections   map[string]string `json:"connections"`
	History       []string          `json:"history"`
	LastSeen      int64             `json:"last_seen"`
	ContentHash   string            `json:"content_hash"`
	Orphaned      bool              `json:"orphaned"`
}

// UpgradeState decodes a persisted state record of any known version into the
// current shape.
func UpgradeState(raw []byte) (AgentState, error) {
	var header struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return AgentState{}, fmt.Errorf("decode state version: %w", err)
	}
	switch header.SchemaVersion {
	case 0, 1:
		var old stateV1
		if err := json.Unmarshal(raw, &old); err != nil {
			return AgentState{}, fmt.Errorf("decode v1 state: %w", err)
		}
		return upgradeV1(old), nil
	case StateSchemaVersion:
		var state AgentState
		if err := json.Unmarshal(raw, &state); err != nil {
			return AgentState{}, fmt.Errorf("decode state: %w", err)
		}
		if state.Connections == nil {
			state.Connections = map[string]string{}
		}
		return state, nil
	default:
		return AgentState{}, fmt.Errorf("unsupported state schema version %d", header.SchemaVersion)
	}
}

func upgradeV1(old stateV1) AgentState {
	state := NewAgentState(AgentIdentity{
		ID:       old.ID,
		Name:     old.Name,
		Kind:     old.Kind,
		ParentID: old.ParentID,
		Path:     old.Path,
	}, old.ContentHash)
	for k, v := range old.Connections {
		state.Connections[k] = v
	}
	for _, line := range old.History {
		state.ChatHistory = append(state.ChatHistory, ChatMessage{Role: RoleSystem, Content: line})
	}
	state.LastSeenEventID = old.LastSeen
	state.Orphaned = old.Orphaned
	if old.Orphaned {
		now := time.Now().UTC()
		state.OrphanedAt = &now
	}
	return state
}
