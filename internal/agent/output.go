package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentloom/internal/domain"
)

// parseTurnOutput decodes worker output. Markdown fences and text around the
// JSON object are tolerated. With plainFallback, output that holds no JSON
// object becomes the reply.
func parseTurnOutput(raw []byte, plainFallback bool) (domain.TurnOutput, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.TurnOutput{}, nil
	}

	var out domain.TurnOutput
	err := json.Unmarshal([]byte(text), &out)
	if err == nil {
		return out, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if innerErr := json.Unmarshal([]byte(text[start:end+1]), &out); innerErr == nil {
			return out, nil
		}
	}
	if plainFallback && start < 0 {
		return domain.TurnOutput{Reply: text}, nil
	}
	return domain.TurnOutput{}, fmt.Errorf("decode turn output: %w; output: %s", err, trim(text, 800))
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func buildTurnPrompt(in domain.TurnInput) string {
	var b strings.Builder
	b.WriteString("Agent: ")
	b.WriteString(in.Agent.Identity.Name)
	b.WriteString(" (")
	b.WriteString(in.Agent.Identity.Kind)
	b.WriteString(")\n")
	if in.Agent.Identity.Path != "" {
		b.WriteString("Path: ")
		b.WriteString(in.Agent.Identity.Path)
		b.WriteString("\n")
	}
	b.WriteString("Trigger: ")
	b.WriteString(string(in.Trigger.Kind))
	b.WriteString("\n")
	if in.Trigger.Text != "" {
		b.WriteString("\nUser says:\n")
		b.WriteString(in.Trigger.Text)
		b.WriteString("\n")
	}
	if len(in.Agent.Connections) > 0 {
		b.WriteString("\nKnown connections:\n")
		for name, id := range in.Agent.Connections {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteString(" -> ")
			b.WriteString(id)
			b.WriteString("\n")
		}
	}
	if history := in.Agent.ChatHistory; len(history) > 0 {
		if len(history) > 20 {
			history = history[len(history)-20:]
		}
		b.WriteString("\nRecent conversation:\n")
		for _, m := range history {
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(trim(m.Content, 2000))
			b.WriteString("\n")
		}
	}
	if len(in.Inbox) > 0 {
		b.WriteString("\nInbox:\n")
		for _, ev := range in.Inbox {
			fmt.Fprintf(&b, "- #%d %s from=%s to=%s payload=%s\n", ev.ID, ev.Topic(), ev.FromAgent, ev.ToAgent, trim(string(ev.Payload), 2000))
		}
	}
	if len(in.Responses) > 0 {
		b.WriteString("\nAnswers to your earlier questions:\n")
		for _, r := range in.Responses {
			b.WriteString("- ")
			b.WriteString(r.MsgID)
			b.WriteString(": ")
			b.WriteString(r.Answer)
			b.WriteString("\n")
		}
	}
	return b.String()
}
