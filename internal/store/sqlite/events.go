package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"agentloom/internal/domain"
)

// EventFilter narrows QueryEvents. Zero values mean "any".
type EventFilter struct {
	Category      domain.Category
	ToAgent       string
	SinceID       int64
	CorrelationID string
	Limit         int
}

func (s *Store) AppendEvent(ctx context.Context, ev domain.Event) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx append event: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO events(created_at, category, action, from_agent, to_agent, correlation_id, payload)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UnixMilli(), string(ev.Category), ev.Action, ev.FromAgent, ev.ToAgent,
		ev.CorrelationID, payload,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event last insert id: %w", err)
	}

	for _, agentID := range dedupe(ev.Recipients) {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO event_recipients(event_id, agent_id) VALUES(?, ?)`,
			id, agentID,
		); err != nil {
			return 0, fmt.Errorf("insert event recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append event: %w", err)
	}
	return id, nil
}

// QueryEvents returns matching events in ascending id order. ToAgent matches
// either the verbatim routing column or the resolved recipient index.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	var where []string
	var args []any
	if f.SinceID > 0 {
		where = append(where, "e.id > ?")
		args = append(args, f.SinceID)
	}
	if f.Category != "" {
		where = append(where, "e.category = ?")
		args = append(args, string(f.Category))
	}
	if f.CorrelationID != "" {
		where = append(where, "e.correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.ToAgent != "" {
		where = append(where, `(e.to_agent = ? OR EXISTS (
			SELECT 1 FROM event_recipients r WHERE r.event_id = e.id AND r.agent_id = ?))`)
		args = append(args, f.ToAgent, f.ToAgent)
	}

	query := `SELECT e.id, e.created_at, e.category, e.action, e.from_agent, e.to_agent, e.correlation_id, e.payload
		FROM events e`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Event, 0)
	for rows.Next() {
		var ev domain.Event
		var category string
		var payload string
		var created int64
		if err := rows.Scan(&ev.ID, &created, &category, &ev.Action, &ev.FromAgent, &ev.ToAgent, &ev.CorrelationID, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Category = domain.Category(category)
		ev.Timestamp = unixMilliToTime(created)
		ev.Payload = []byte(payload)
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if err := s.attachRecipients(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) attachRecipients(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	index := make(map[int64]int, len(events))
	for i, ev := range events {
		index[ev.ID] = i
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT event_id, agent_id FROM event_recipients
		WHERE event_id BETWEEN ? AND ?
		ORDER BY event_id ASC, agent_id ASC`,
		events[0].ID, events[len(events)-1].ID,
	)
	if err != nil {
		return fmt.Errorf("query event recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventID int64
		var agentID string
		if err := rows.Scan(&eventID, &agentID); err != nil {
			return fmt.Errorf("scan event recipient: %w", err)
		}
		if i, ok := index[eventID]; ok {
			events[i].Recipients = append(events[i].Recipients, agentID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate event recipients: %w", err)
	}
	return nil
}

func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("last event id: %w", err)
	}
	return id, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
