package graph

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"agentloom/internal/domain"
)

// Manifest is the YAML form of a graph:
//
//	agents:
//	  - name: fetch
//	    id: 6f1c...
//	edges:
//	  - after: fetch
//	    run: [parse, index]
type Manifest struct {
	Agents []ManifestAgent `yaml:"agents"`
	Edges  []ManifestEdge  `yaml:"edges"`
}

type ManifestAgent struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id,omitempty"`
	Kind string `yaml:"kind,omitempty"`
	Path string `yaml:"path,omitempty"`
}

type ManifestEdge struct {
	After string   `yaml:"after"`
	Run   []string `yaml:"run"`
}

func ParseManifest(data []byte) (*Graph, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &domain.ConfigurationError{Reason: "graph manifest is empty"}
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("decode graph manifest: %v", err)}
	}
	return m.Builder().Build()
}

func LoadManifest(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph manifest %s: %w", path, err)
	}
	g, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("graph manifest %s: %w", path, err)
	}
	return g, nil
}

func (m Manifest) Builder() *Builder {
	b := NewBuilder()
	for _, a := range m.Agents {
		b.AddAgent(a.Name, AgentConfig{ID: a.ID, Kind: a.Kind, Path: a.Path})
	}
	for _, e := range m.Edges {
		b.After(e.After).Run(e.Run...)
	}
	return b
}

// FromStates builds a graph over persisted agents using their recorded
// upstream and downstream edges. Orphaned agents and edges to agents outside
// the set are left out. Nodes are keyed by agent id.
func FromStates(states []domain.AgentState) (*Graph, error) {
	b := NewBuilder()
	live := make(map[string]bool, len(states))
	for _, s := range states {
		if s.Orphaned {
			continue
		}
		live[s.Identity.ID] = true
		b.AddAgent(s.Identity.ID, AgentConfig{
			ID:          s.Identity.ID,
			DisplayName: s.Identity.Name,
			Kind:        s.Identity.Kind,
			Path:        s.Identity.Path,
			ParentID:    s.Identity.ParentID,
		})
	}
	for _, s := range states {
		if !live[s.Identity.ID] {
			continue
		}
		for _, down := range s.Identity.Downstream {
			if live[down] {
				b.After(s.Identity.ID).Run(down)
			}
		}
		for _, up := range s.Identity.Upstream {
			if live[up] {
				b.After(up).Run(s.Identity.ID)
			}
		}
	}
	return b.Build()
}
