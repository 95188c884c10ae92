package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agentloom/internal/domain"
)

func sortAgents(agents []domain.AgentState) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Orphaned != agents[j].Orphaned {
			return !agents[i].Orphaned
		}
		return agents[i].Identity.Path < agents[j].Identity.Path
	})
}

func renderAgentsTable(table *tview.Table, agents []domain.AgentState, selectedID string, pending map[string]int) {
	table.Clear()
	headers := []string{"Agent", "Kind", "Status", "Asks", "Path"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for row, a := range agents {
		status := string(a.LastStatus)
		if status == "" {
			status = "-"
		}
		if a.Orphaned {
			status = "ORPHANED"
		}
		asks := ""
		if n := pending[a.Identity.ID]; n > 0 {
			asks = fmt.Sprintf("%d", n)
		}
		path := a.Identity.Path
		if path == "" {
			path = a.Identity.Name
		}
		cells := []*tview.TableCell{
			tview.NewTableCell(shortID(a.Identity.ID)),
			tview.NewTableCell(a.Identity.Kind),
			tview.NewTableCell(status).SetTextColor(statusColor(a)),
			tview.NewTableCell(asks).SetTextColor(tcell.ColorYellow),
			tview.NewTableCell(trimLine(path, 60)).SetExpansion(1),
		}
		for col, cell := range cells {
			table.SetCell(row+1, col, cell)
		}
		if a.Identity.ID == selectedID {
			table.Select(row+1, 0)
		}
	}
}

func statusColor(a domain.AgentState) tcell.Color {
	if a.Orphaned {
		return tcell.ColorGray
	}
	switch a.LastStatus {
	case domain.TurnStatusCompleted:
		return tcell.ColorGreen
	case domain.TurnStatusFailed:
		return tcell.ColorRed
	case domain.TurnStatusBlocked:
		return tcell.ColorYellow
	case domain.TurnStatusCancelled:
		return tcell.ColorOrange
	}
	return tcell.ColorWhite
}

func renderAgentState(a domain.AgentState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[::-] (%s)\n", tview.Escape(a.Identity.Name), a.Identity.Kind)
	fmt.Fprintf(&b, "id=%s parent=%s\n", a.Identity.ID, shortID(a.Identity.ParentID))
	fmt.Fprintf(&b, "last_seen=%d status=%s", a.LastSeenEventID, a.LastStatus)
	if a.LastActivated != nil {
		fmt.Fprintf(&b, " at %s", a.LastActivated.Local().Format("15:04:05"))
	}
	b.WriteString("\n")
	if a.LastError != "" {
		fmt.Fprintf(&b, "[red]error:[-] %s\n", tview.Escape(trimLine(a.LastError, 200)))
	}
	if len(a.Connections) > 0 {
		names := make([]string, 0, len(a.Connections))
		for name := range a.Connections {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("connections:")
		for _, name := range names {
			fmt.Fprintf(&b, " %s->%s", tview.Escape(name), shortID(a.Connections[name]))
		}
		b.WriteString("\n")
	}
	history := a.ChatHistory
	if len(history) > 12 {
		history = history[len(history)-12:]
	}
	for _, m := range history {
		color := "aqua"
		if m.Role == domain.RoleUser {
			color = "yellow"
		}
		fmt.Fprintf(&b, "[%s]%s:[-] %s\n", color, m.Role, tview.Escape(trimLine(strings.ReplaceAll(m.Content, "\n", " "), 200)))
	}
	return b.String()
}

func renderEvents(items []domain.Event) string {
	if len(items) == 0 {
		return "No events"
	}
	lines := make([]string, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		ev := items[i]
		lines = append(lines, fmt.Sprintf(
			"#%d %s [%s]%s[-] %s -> %s %s",
			ev.ID,
			ev.Timestamp.Local().Format("15:04:05"),
			topicColor(ev),
			ev.Topic(),
			shortID(ev.FromAgent),
			shortID(firstNonEmpty(ev.ToAgent, "-")),
			tview.Escape(payloadSummary(ev.Payload)),
		))
	}
	return strings.Join(lines, "\n")
}

func topicColor(ev domain.Event) string {
	switch ev.Action {
	case domain.ActionFailed, domain.ActionRouteNotFound, domain.ActionRouteDropped:
		return "red"
	case domain.ActionBlocked:
		return "yellow"
	case domain.ActionCompleted, domain.ActionResumed:
		return "green"
	}
	return "white"
}

func renderQuestions(items []domain.PendingQuestion) string {
	if len(items) == 0 {
		return "No pending questions"
	}
	lines := make([]string, 0, len(items))
	for _, q := range items {
		line := fmt.Sprintf("[yellow]%s[-] %s: %s", shortID(q.MsgID), shortID(q.AgentID), tview.Escape(trimLine(q.Question, 160)))
		if len(q.Options) > 0 {
			line += " [" + tview.Escape(strings.Join(q.Options, " | ")) + "]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func payloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil {
		return trimLine(string(payload), 120)
	}
	for _, key := range []string{"text", "reply", "question", "answer", "error", "status"} {
		if v, ok := values[key]; ok {
			s := strings.ReplaceAll(fmt.Sprint(v), "\n", " ")
			return key + "=" + trimLine(s, 120)
		}
	}
	return trimLine(string(payload), 120)
}

func questionFor(items []domain.PendingQuestion, agentID, prefix string) (domain.PendingQuestion, bool) {
	for _, q := range items {
		if q.AgentID != agentID {
			continue
		}
		if prefix == "" || strings.HasPrefix(q.MsgID, prefix) {
			return q, true
		}
	}
	return domain.PendingQuestion{}, false
}

// parseAnswer splits "/answer [msg-prefix:] text" input. ok is false for
// plain chat text.
func parseAnswer(input string) (prefix, answer string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(input), "/answer")
	if !found {
		return "", "", false
	}
	rest = strings.TrimSpace(rest)
	if head, tail, cut := strings.Cut(rest, ":"); cut && !strings.ContainsAny(head, " \t") {
		return head, strings.TrimSpace(tail), true
	}
	return "", rest, true
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
