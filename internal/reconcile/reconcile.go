package reconcile

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"agentloom/internal/domain"
	"agentloom/internal/eventlog"
	"agentloom/internal/fs"
)

type Source interface {
	Scan(ctx context.Context) ([]fs.Entry, error)
}

type Store interface {
	ListStates(ctx context.Context) ([]domain.AgentState, error)
	SaveState(ctx context.Context, state domain.AgentState) error
}

type Emitter interface {
	Emit(ctx context.Context, ev domain.Event) (domain.Event, error)
}

type Report struct {
	Spawned  []string         `json:"spawned"`
	Orphaned []string         `json:"orphaned"`
	Restored []string         `json:"restored"`
	Changed  []domain.Trigger `json:"changed"`
	Total    int              `json:"total"`
}

// Reconciler re-syncs persisted agents against a fresh scan. It never deletes
// state and never rewrites a content hash itself.
type Reconciler struct {
	source Source
	states Store
	events Emitter
	logger *log.Logger
	now    func() time.Time
}

func New(source Source, states Store, events Emitter, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		source: source,
		states: states,
		events: events,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	entries, err := r.source.Scan(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile scan: %w", err)
	}
	saved, err := r.states.ListStates(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile list states: %w", err)
	}

	current := make(map[string]fs.Entry, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		current[e.Identity.ID] = e
		ids = append(ids, e.Identity.ID)
	}
	sort.Strings(ids)
	known := make(map[string]domain.AgentState, len(saved))
	for _, s := range saved {
		known[s.Identity.ID] = s
	}

	report := Report{
		Spawned:  []string{},
		Orphaned: []string{},
		Restored: []string{},
		Changed:  []domain.Trigger{},
		Total:    len(entries),
	}
	for _, id := range ids {
		entry := current[id]
		state, ok := known[id]
		if !ok {
			if err := r.spawn(ctx, entry); err != nil {
				return report, err
			}
			report.Spawned = append(report.Spawned, id)
			continue
		}
		if state.Orphaned {
			if err := r.restore(ctx, state, entry); err != nil {
				return report, err
			}
			report.Restored = append(report.Restored, id)
		}
		if entry.ContentHash != "" && entry.ContentHash != state.ContentHash {
			report.Changed = append(report.Changed, domain.Trigger{
				Kind:        domain.TriggerFileChanged,
				AgentID:     id,
				Path:        entry.Identity.Path,
				ContentHash: entry.ContentHash,
			})
		}
	}

	for _, s := range saved {
		if _, ok := current[s.Identity.ID]; ok || s.Orphaned {
			continue
		}
		if err := r.orphan(ctx, s); err != nil {
			return report, err
		}
		report.Orphaned = append(report.Orphaned, s.Identity.ID)
	}

	r.logger.Printf("reconcile done total=%d spawned=%d orphaned=%d restored=%d changed=%d",
		report.Total, len(report.Spawned), len(report.Orphaned), len(report.Restored), len(report.Changed))
	return report, nil
}

func (r *Reconciler) spawn(ctx context.Context, entry fs.Entry) error {
	state := domain.NewAgentState(entry.Identity, entry.ContentHash)
	if err := r.states.SaveState(ctx, state); err != nil {
		return fmt.Errorf("spawn %s: %w", entry.Identity.ID, err)
	}
	return r.emit(ctx, domain.ActionAgentSpawned, entry.Identity, nil)
}

func (r *Reconciler) orphan(ctx context.Context, state domain.AgentState) error {
	now := r.now()
	state.Orphaned = true
	state.OrphanedAt = &now
	if err := r.states.SaveState(ctx, state); err != nil {
		return fmt.Errorf("orphan %s: %w", state.Identity.ID, err)
	}
	return r.emit(ctx, domain.ActionAgentOrphaned, state.Identity, nil)
}

func (r *Reconciler) restore(ctx context.Context, state domain.AgentState, entry fs.Entry) error {
	orphanedAt := state.OrphanedAt
	state.Orphaned = false
	state.OrphanedAt = nil
	state.Identity.Name = entry.Identity.Name
	state.Identity.Kind = entry.Identity.Kind
	state.Identity.Path = entry.Identity.Path
	state.Identity.ParentID = entry.Identity.ParentID
	if err := r.states.SaveState(ctx, state); err != nil {
		return fmt.Errorf("restore %s: %w", state.Identity.ID, err)
	}
	extra := map[string]any{}
	if orphanedAt != nil {
		extra["orphaned_at"] = orphanedAt
	}
	return r.emit(ctx, domain.ActionAgentRestored, state.Identity, extra)
}

func (r *Reconciler) emit(ctx context.Context, action string, identity domain.AgentIdentity, extra map[string]any) error {
	payload := map[string]any{
		"agent_id":  identity.ID,
		"name":      identity.Name,
		"kind":      identity.Kind,
		"path":      identity.Path,
		"parent_id": identity.ParentID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := r.events.Emit(ctx, domain.Event{
		Category:  domain.CategoryGraph,
		Action:    action,
		FromAgent: "reconciler",
		Payload:   eventlog.Payload(payload),
	}); err != nil {
		return fmt.Errorf("emit %s %s: %w", action, identity.ID, err)
	}
	return nil
}
