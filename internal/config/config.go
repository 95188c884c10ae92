package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultPath = "~/.agentloom/config.toml"

type Config struct {
	Engine EngineConfig   `toml:"engine"`
	Worker WorkerConfig   `toml:"worker"`
	Raw    map[string]any `toml:"-"`
	// Path is empty when no file was read.
	Path string `toml:"-"`
}

type EngineConfig struct {
	Addr               string   `toml:"addr"`
	DBPath             string   `toml:"db_path"`
	WorkspaceRoot      string   `toml:"workspace_root"`
	MaxConcurrency     int      `toml:"max_concurrency"`
	ErrorPolicy        string   `toml:"error_policy"`
	BusCapacity        int      `toml:"bus_capacity"`
	AskPollIntervalMS  int      `toml:"ask_poll_interval_ms"`
	AskMaxIntervalMS   int      `toml:"ask_max_interval_ms"`
	AskTimeoutMS       int      `toml:"ask_timeout_ms"`
	WatchIntervalMS    int      `toml:"watch_interval_ms"`
	FindMissPolicy     string   `toml:"find_miss_policy"`
	TransientRetries   int      `toml:"transient_retries"`
	GraphManifest      string   `toml:"graph_manifest"`
	Ignore             []string `toml:"ignore"`
	MaxHistory         int      `toml:"max_history"`
	WatchWorkspace     bool     `toml:"watch_workspace"`
	DebounceIntervalMS int      `toml:"debounce_interval_ms"`
}

type WorkerConfig struct {
	Kind            string   `toml:"kind"`
	Command         string   `toml:"command"`
	Args            []string `toml:"args"`
	Endpoint        string   `toml:"endpoint"`
	Model           string   `toml:"model"`
	ReasoningEffort string   `toml:"reasoning_effort"`
	AuthTokenEnv    string   `toml:"auth_token_env"`
	TimeoutMS       int      `toml:"timeout_ms"`
}

func Default() Config {
	return Config{
		Engine: EngineConfig{
			Addr:               "127.0.0.1:8787",
			DBPath:             "agentloom.db",
			WorkspaceRoot:      ".",
			MaxConcurrency:     4,
			ErrorPolicy:        "stop_graph",
			BusCapacity:        1000,
			AskPollIntervalMS:  500,
			AskMaxIntervalMS:   5000,
			AskTimeoutMS:       300000,
			WatchIntervalMS:    500,
			FindMissPolicy:     "drop",
			TransientRetries:   5,
			MaxHistory:         200,
			WatchWorkspace:     true,
			DebounceIntervalMS: 500,
		},
		Worker: WorkerConfig{
			Kind:         "echo",
			AuthTokenEnv: "AGENTLOOM_API_KEY",
		},
	}
}

// Load reads path over the defaults. A missing file at the default location
// is not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	resolved, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func expandHome(path string) (string, error) {
	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	return filepath.Clean(resolved), nil
}

func (e EngineConfig) AskPollInterval() time.Duration {
	return millis(e.AskPollIntervalMS)
}

func (e EngineConfig) AskMaxInterval() time.Duration {
	return millis(e.AskMaxIntervalMS)
}

func (e EngineConfig) AskTimeout() time.Duration {
	return millis(e.AskTimeoutMS)
}

func (e EngineConfig) WatchInterval() time.Duration {
	return millis(e.WatchIntervalMS)
}

func (e EngineConfig) DebounceInterval() time.Duration {
	return millis(e.DebounceIntervalMS)
}

func (w WorkerConfig) Timeout() time.Duration {
	return millis(w.TimeoutMS)
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
