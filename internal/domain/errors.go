package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrOrphaned    = errors.New("agent is orphaned")
	ErrTimeout     = errors.New("timed out waiting for response")
	ErrTransientIO = errors.New("transient io failure")
	ErrCancelled   = errors.New("turn cancelled")
)

// ConfigurationError reports a graph or configuration problem detected at
// build time. It is never produced while turns are running.
type ConfigurationError struct {
	Reason string
	Nodes  []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Nodes) == 0 {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s %v", e.Reason, e.Nodes)
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
