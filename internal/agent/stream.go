package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	deltaEvent     = "response.output_text.delta"
	completedEvent = "response.completed"
)

type modelRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions"`
	Stream          bool            `json:"stream"`
	Reasoning       *reasoningParam `json:"reasoning,omitempty"`
	Input           []inputMessage  `json:"input"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
}

type reasoningParam struct {
	Effort string `json:"effort"`
}

type inputMessage struct {
	Role    string      `json:"role"`
	Content []inputPart `json:"content"`
}

type inputPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamEvent struct {
	Type     string           `json:"type"`
	Delta    string           `json:"delta,omitempty"`
	Response *streamResponse  `json:"response,omitempty"`
	Error    *streamErrorBody `json:"error,omitempty"`
}

type streamResponse struct {
	Error  *streamErrorBody `json:"error,omitempty"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output,omitempty"`
}

func (r *streamResponse) text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, item := range r.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

type streamErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type statusError struct {
	Code int
	Body string
}

func (e statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("model endpoint status=%d", e.Code)
	}
	return fmt.Sprintf("model endpoint status=%d body=%s", e.Code, e.Body)
}

type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(body io.Reader, maxLine int) *sseReader {
	s := bufio.NewScanner(body)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &sseReader{scanner: s}
}

// next returns io.EOF once the body is exhausted.
func (r *sseReader) next() (string, error) {
	var data []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimSpace(rest))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	if len(data) > 0 {
		return strings.Join(data, "\n"), nil
	}
	return "", io.EOF
}

// readStream collects the streamed output text. Deltas win; the completed
// response body is only used when no delta arrived.
func readStream(body io.Reader, maxBytes int) (string, error) {
	reader := newSSEReader(body, maxBytes+64*1024)
	var out strings.Builder
	add := func(s string) error {
		if out.Len()+len(s) > maxBytes {
			return fmt.Errorf("model output exceeds %d bytes", maxBytes)
		}
		out.WriteString(s)
		return nil
	}
	for {
		data, err := reader.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return "", fmt.Errorf("decode stream event: %w", err)
		}
		switch {
		case ev.Error != nil:
			return "", fmt.Errorf("stream error: %s", ev.Error.Message)
		case ev.Response != nil && ev.Response.Error != nil:
			return "", fmt.Errorf("response error: %s", ev.Response.Error.Message)
		}
		switch ev.Type {
		case deltaEvent:
			err = add(ev.Delta)
		case completedEvent:
			if out.Len() == 0 {
				err = add(ev.Response.text())
			}
		}
		if err != nil {
			return "", err
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", errors.New("empty output stream")
	}
	return text, nil
}
