package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agentloom/internal/domain"
)

// Echo is the built-in worker. It needs no external process and is the default
// so a fresh install can run turns end to end.
//
// Chat text understands two directives:
//
//	@<destination> <text>   send text to a routing destination
//	?<question>             block on a question for the user
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (Echo) Run(ctx context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.TurnOutput{}, err
	}
	var out domain.TurnOutput
	var lines []string

	text := strings.TrimSpace(in.Trigger.Text)
	switch {
	case strings.HasPrefix(text, "@"):
		dest, body, _ := strings.Cut(strings.TrimPrefix(text, "@"), " ")
		if _, err := domain.ParseDestination(dest); err != nil {
			return domain.TurnOutput{}, fmt.Errorf("echo send: %w", err)
		}
		payload, err := json.Marshal(map[string]string{"text": strings.TrimSpace(body)})
		if err != nil {
			return domain.TurnOutput{}, fmt.Errorf("marshal echo payload: %w", err)
		}
		out.Messages = append(out.Messages, domain.OutgoingMessage{To: dest, Payload: payload})
		lines = append(lines, "sent to "+dest)
	case strings.HasPrefix(text, "?"):
		out.Question = &domain.QuestionRequest{Question: strings.TrimSpace(strings.TrimPrefix(text, "?"))}
		lines = append(lines, "waiting for an answer")
	case text != "":
		lines = append(lines, "echo: "+text)
	}

	if in.Trigger.Kind == domain.TriggerFileChanged {
		lines = append(lines, fmt.Sprintf("%s changed", in.Trigger.Path))
	}
	if n := len(in.Inbox); n > 0 {
		lines = append(lines, fmt.Sprintf("read %d message(s)", n))
	}
	for _, r := range in.Responses {
		lines = append(lines, fmt.Sprintf("answer %s: %s", r.MsgID, r.Answer))
	}
	if len(lines) == 0 {
		lines = append(lines, in.Agent.Identity.Name+" is idle")
	}
	out.Reply = strings.Join(lines, "\n")
	return out, nil
}
