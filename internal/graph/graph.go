package graph

import (
	"sort"
	"strings"

	"agentloom/internal/domain"
)

// AgentConfig describes one node added to a Builder. ID and DisplayName
// default to the node name when empty.
type AgentConfig struct {
	ID          string
	DisplayName string
	Kind        string
	Path        string
	ParentID    string
}

type Node struct {
	Name       string
	Identity   domain.AgentIdentity
	Upstream   []string
	Downstream []string
}

// Builder collects nodes and edges. Errors are deferred to Build so calls can
// be chained.
type Builder struct {
	nodes map[string]*Node
	order []string
	edges [][2]string
	errs  []string
}

func NewBuilder() *Builder {
	return &Builder{nodes: make(map[string]*Node)}
}

func (b *Builder) AddAgent(name string, cfg AgentConfig) *Builder {
	name = strings.TrimSpace(name)
	if name == "" {
		b.errs = append(b.errs, "agent with empty name")
		return b
	}
	if _, exists := b.nodes[name]; exists {
		b.errs = append(b.errs, "duplicate agent "+name)
		return b
	}
	id := cfg.ID
	if id == "" {
		id = name
	}
	display := cfg.DisplayName
	if display == "" {
		display = name
	}
	b.nodes[name] = &Node{
		Name: name,
		Identity: domain.AgentIdentity{
			ID:       id,
			Name:     display,
			Kind:     cfg.Kind,
			Path:     cfg.Path,
			ParentID: cfg.ParentID,
		},
	}
	b.order = append(b.order, name)
	return b
}

type Edge struct {
	b    *Builder
	from string
}

// After starts an edge declaration: After("a").Run("b", "c") makes b and c
// depend on a.
func (b *Builder) After(name string) *Edge {
	return &Edge{b: b, from: name}
}

func (e *Edge) Run(names ...string) *Builder {
	for _, name := range names {
		e.b.edges = append(e.b.edges, [2]string{e.from, name})
	}
	return e.b
}

// Build validates names and rejects cycles before any turn can run.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, &domain.ConfigurationError{Reason: strings.Join(b.errs, "; ")}
	}
	nodes := make(map[string]*Node, len(b.nodes))
	for name, n := range b.nodes {
		copied := *n
		copied.Upstream = nil
		copied.Downstream = nil
		nodes[name] = &copied
	}

	var unknown []string
	seen := map[[2]string]bool{}
	for _, edge := range b.edges {
		from, to := edge[0], edge[1]
		for _, name := range []string{from, to} {
			if _, ok := nodes[name]; !ok {
				unknown = append(unknown, name)
			}
		}
		if nodes[from] == nil || nodes[to] == nil || seen[edge] {
			continue
		}
		seen[edge] = true
		nodes[from].Downstream = append(nodes[from].Downstream, to)
		nodes[to].Upstream = append(nodes[to].Upstream, from)
	}
	if len(unknown) > 0 {
		return nil, &domain.ConfigurationError{Reason: "edge references unknown agent", Nodes: uniqueSorted(unknown)}
	}

	g := &Graph{nodes: nodes, order: append([]string(nil), b.order...)}
	for _, n := range nodes {
		sort.Strings(n.Upstream)
		sort.Strings(n.Downstream)
		n.Identity.Upstream = idsOf(nodes, n.Upstream)
		n.Identity.Downstream = idsOf(nodes, n.Downstream)
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, &domain.ConfigurationError{Reason: "dependency cycle", Nodes: cycle}
	}
	return g, nil
}

// Graph is an immutable, validated DAG of agents.
type Graph struct {
	nodes map[string]*Node
	order []string
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Batches layers the graph topologically: every node appears in the first
// batch after all of its upstream nodes. Names within a batch are sorted.
func (g *Graph) Batches() [][]string {
	depth := make(map[string]int, len(g.nodes))
	var level func(name string) int
	level = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		d := 0
		for _, up := range g.nodes[name].Upstream {
			if l := level(up) + 1; l > d {
				d = l
			}
		}
		depth[name] = d
		return d
	}
	maxDepth := -1
	for _, name := range g.order {
		if d := level(name); d > maxDepth {
			maxDepth = d
		}
	}
	batches := make([][]string, maxDepth+1)
	for _, name := range g.order {
		batches[depth[name]] = append(batches[depth[name]], name)
	}
	for _, batch := range batches {
		sort.Strings(batch)
	}
	return batches
}

func (g *Graph) Descendants(name string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for _, down := range g.nodes[n].Downstream {
			if !seen[down] {
				seen[down] = true
				walk(down)
			}
		}
	}
	if _, ok := g.nodes[name]; ok {
		walk(name)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) findCycle() []string {
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var stack []string
	var cycle []string
	var dfs func(name string) bool
	dfs = func(name string) bool {
		if visiting[name] {
			for i, n := range stack {
				if n == name {
					cycle = append(append([]string(nil), stack[i:]...), name)
					break
				}
			}
			return true
		}
		if visited[name] {
			return false
		}
		visiting[name] = true
		stack = append(stack, name)
		for _, down := range g.nodes[name].Downstream {
			if dfs(down) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		visiting[name] = false
		visited[name] = true
		return false
	}
	for _, name := range g.order {
		if dfs(name) {
			return cycle
		}
	}
	return nil
}

func idsOf(nodes map[string]*Node, names []string) []string {
	if len(names) == 0 {
		return nil
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		ids = append(ids, nodes[name].Identity.ID)
	}
	return ids
}

func uniqueSorted(values []string) []string {
	set := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
