package route

import (
	"context"
	"fmt"

	"agentloom/internal/domain"
)

// Directory is the read side of the agent state store that routing needs.
type Directory interface {
	LoadState(ctx context.Context, agentID string) (domain.AgentState, error)
	ListChildren(ctx context.Context, parentID string) ([]domain.AgentState, error)
	ListStates(ctx context.Context) ([]domain.AgentState, error)
}

// MissPolicy decides what happens when a destination resolves to nobody.
type MissPolicy string

const (
	MissDrop   MissPolicy = "drop"
	MissNotify MissPolicy = "notify"
)

func ParseMissPolicy(raw string) (MissPolicy, error) {
	switch MissPolicy(raw) {
	case "", MissDrop:
		return MissDrop, nil
	case MissNotify:
		return MissNotify, nil
	default:
		return "", fmt.Errorf("unknown find miss policy %q", raw)
	}
}

const maxFindDepth = 256

// Resolve turns dest into the concrete set of recipient ids for a message
// sent by sender. An unresolvable destination wraps domain.ErrNotFound.
func Resolve(ctx context.Context, dir Directory, sender domain.AgentState, dest domain.Destination) ([]string, error) {
	switch dest.Kind {
	case domain.DestinationDirect:
		if dest.ID == "" {
			return nil, fmt.Errorf("resolve direct: empty id: %w", domain.ErrNotFound)
		}
		return []string{dest.ID}, nil
	case domain.DestinationParent:
		if sender.Identity.ParentID == "" {
			return nil, fmt.Errorf("resolve parent of %s: %w", sender.Identity.ID, domain.ErrNotFound)
		}
		return []string{sender.Identity.ParentID}, nil
	case domain.DestinationBroadcast:
		return resolveBroadcast(ctx, dir, sender, dest.Scope)
	case domain.DestinationFind:
		id, err := resolveFind(ctx, dir, sender, dest.Name)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	default:
		return nil, fmt.Errorf("resolve destination kind %d: %w", dest.Kind, domain.ErrNotFound)
	}
}

func resolveBroadcast(ctx context.Context, dir Directory, sender domain.AgentState, scope string) ([]string, error) {
	var candidates []domain.AgentState
	var err error
	switch scope {
	case domain.BroadcastChildren:
		candidates, err = dir.ListChildren(ctx, sender.Identity.ID)
	case domain.BroadcastSiblings:
		candidates, err = dir.ListChildren(ctx, sender.Identity.ParentID)
	default:
		candidates, err = dir.ListStates(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast:%s: %w", scope, err)
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.Orphaned || c.Identity.ID == sender.Identity.ID {
			continue
		}
		ids = append(ids, c.Identity.ID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("resolve broadcast:%s from %s: %w", scope, sender.Identity.ID, domain.ErrNotFound)
	}
	return ids, nil
}

// resolveFind checks the sender's own connections, then walks up through its
// ancestors. An ancestor named name is itself the match; otherwise its
// connections map is consulted.
func resolveFind(ctx context.Context, dir Directory, sender domain.AgentState, name string) (string, error) {
	if id, ok := sender.Connections[name]; ok && id != "" {
		return id, nil
	}
	visited := map[string]struct{}{sender.Identity.ID: {}}
	parentID := sender.Identity.ParentID
	for depth := 0; parentID != "" && depth < maxFindDepth; depth++ {
		if _, seen := visited[parentID]; seen {
			break
		}
		visited[parentID] = struct{}{}
		ancestor, err := dir.LoadState(ctx, parentID)
		if err != nil {
			return "", fmt.Errorf("resolve find:%s: %w", name, err)
		}
		if ancestor.Identity.Name == name {
			return ancestor.Identity.ID, nil
		}
		if id, ok := ancestor.Connections[name]; ok && id != "" {
			return id, nil
		}
		parentID = ancestor.Identity.ParentID
	}
	return "", fmt.Errorf("resolve find:%s from %s: %w", name, sender.Identity.ID, domain.ErrNotFound)
}
