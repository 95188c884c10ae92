package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"agentloom/internal/domain"
)

type CommandConfig struct {
	Binary    string
	Args      []string
	Workdir   string
	Env       []string
	Heartbeat time.Duration
	Logger    *log.Logger
}

// Command runs an external process per turn. The TurnInput is written to its
// stdin as JSON and its stdout is decoded as a TurnOutput.
type Command struct {
	binary    string
	args      []string
	workdir   string
	env       []string
	heartbeat time.Duration
	logger    *log.Logger
}

func NewCommand(cfg CommandConfig) (*Command, error) {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		return nil, fmt.Errorf("empty worker command")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Command{
		binary:    binary,
		args:      append([]string(nil), cfg.Args...),
		workdir:   cfg.Workdir,
		env:       append([]string(nil), cfg.Env...),
		heartbeat: cfg.Heartbeat,
		logger:    cfg.Logger,
	}, nil
}

func (c *Command) Run(ctx context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
	input, err := json.Marshal(in)
	if err != nil {
		return domain.TurnOutput{}, fmt.Errorf("marshal turn input: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.binary, c.args...)
	cmd.Dir = c.workdir
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Env = append(cmd.Env,
		"AGENTLOOM_AGENT_ID="+in.Agent.Identity.ID,
		"AGENTLOOM_TRIGGER="+string(in.Trigger.Kind),
	)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	agentID := in.Agent.Identity.ID
	stopHeartbeat := startProgressHeartbeat(ctx, c.heartbeat, func(elapsed time.Duration) {
		c.logger.Printf("command worker still running agent=%s elapsed=%s", agentID, elapsed.Round(time.Second))
		domain.ReportProgress(ctx, fmt.Sprintf("%s still running after %s", c.binary, elapsed.Round(time.Second)))
	})
	started := time.Now()
	err = cmd.Run()
	stopHeartbeat()
	if err != nil {
		return domain.TurnOutput{}, fmt.Errorf("%s failed: %w; stderr: %s", c.binary, err, trim(strings.TrimSpace(stderr.String()), 800))
	}
	c.logger.Printf("command worker done agent=%s duration_ms=%d", agentID, time.Since(started).Milliseconds())

	out, err := parseTurnOutput(stdout.Bytes(), true)
	if err != nil {
		return domain.TurnOutput{}, fmt.Errorf("parse %s output: %w", c.binary, err)
	}
	return out, nil
}

func startProgressHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if onTick != nil {
					onTick(time.Since(started))
				}
			}
		}
	}()

	return func() {
		close(stop)
	}
}
