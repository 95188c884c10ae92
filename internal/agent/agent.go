// Package agent holds the workers that perform the opaque part of a turn.
package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"agentloom/internal/domain"
)

const (
	KindEcho    = "echo"
	KindCommand = "command"
	KindHTTP    = "http"
)

type Worker interface {
	Run(ctx context.Context, in domain.TurnInput) (domain.TurnOutput, error)
}

type Config struct {
	Kind            string
	Command         string
	Args            []string
	Workdir         string
	Endpoint        string
	Model           string
	ReasoningEffort string
	// AuthTokenEnv names the environment variable holding the bearer token.
	AuthTokenEnv string
	Timeout      time.Duration
	Logger       *log.Logger
}

func New(cfg Config) (Worker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindEcho:
		return NewEcho(), nil
	case KindCommand:
		return NewCommand(CommandConfig{
			Binary:  cfg.Command,
			Args:    cfg.Args,
			Workdir: cfg.Workdir,
			Logger:  cfg.Logger,
		})
	case KindHTTP:
		var token string
		if cfg.AuthTokenEnv != "" {
			token = os.Getenv(cfg.AuthTokenEnv)
		}
		return NewHTTP(HTTPConfig{
			Endpoint:        cfg.Endpoint,
			Model:           cfg.Model,
			ReasoningEffort: cfg.ReasoningEffort,
			AuthToken:       token,
			Timeout:         cfg.Timeout,
			Logger:          cfg.Logger,
		})
	default:
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("unknown worker kind %q", cfg.Kind)}
	}
}
