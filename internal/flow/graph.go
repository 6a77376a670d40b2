package flow

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/FlowDesk/internal/models"
)

// CompiledGraph is the runnable form of a workflow: instantiated nodes, the
// step-node successor map, and per-branch routing tables. Immutable after
// Compile and safe for concurrent use by many simultaneous runs.
type CompiledGraph struct {
	WorkflowID   string
	WorkflowName string
	StartNodeID  string

	nodes   map[string]Node
	configs map[string]models.NodeConfig
	// next maps a step node to its single successor ("" for terminal nodes).
	next map[string]string
	// routes maps a branch node to its routeKey -> target table. Every table
	// resolves models.RouteDefault.
	routes map[string]map[string]string
}

// Compile validates a workflow and builds its runnable form. Fails fast on
// structural defects: dangling edges, unknown node types, step nodes with
// multiple outgoing edges.
func Compile(w *models.Workflow, deps *Deps) (*CompiledGraph, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %s failed validation: %w", w.ID, err)
	}

	g := &CompiledGraph{
		WorkflowID:   w.ID,
		WorkflowName: w.Name,
		nodes:        make(map[string]Node, len(w.Nodes)),
		configs:      make(map[string]models.NodeConfig, len(w.Nodes)),
		next:         make(map[string]string),
		routes:       make(map[string]map[string]string),
	}

	outgoing := make(map[string][]models.Edge)
	for _, e := range w.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e)
	}

	for _, nc := range w.Nodes {
		factory, err := NodeFactory(nc.Type)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", nc.ID, err)
		}
		node, err := factory(nc, deps)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s) config invalid: %w", nc.ID, nc.Type, err)
		}
		g.nodes[nc.ID] = node
		g.configs[nc.ID] = nc

		if nc.Type == models.NodeTypeStart {
			g.StartNodeID = nc.ID
		}

		edges := outgoing[nc.ID]
		if models.IsBranchType(nc.Type) {
			table := make(map[string]string, len(edges))
			for _, e := range edges {
				key := e.RouteKey
				if key == "" {
					key = models.RouteDefault
				}
				table[key] = e.Target
			}
			if len(edges) > 0 {
				if _, ok := table[models.RouteDefault]; !ok {
					// No default edge declared: fall back to the first
					// declared edge so routing always resolves.
					table[models.RouteDefault] = edges[0].Target
					slog.Debug("flow.Compile: branch node missing default route, using first edge",
						"workflow", w.ID, "node", nc.ID, "fallback", edges[0].Target)
				}
			}
			g.routes[nc.ID] = table
		} else {
			switch len(edges) {
			case 0:
				g.next[nc.ID] = ""
			case 1:
				g.next[nc.ID] = edges[0].Target
			default:
				return nil, fmt.Errorf("node %s (%s) has %d outgoing edges, step nodes allow one: %w",
					nc.ID, nc.Type, len(edges), models.ErrNoOutgoingEdge)
			}
		}
	}

	if g.StartNodeID == "" {
		return nil, models.ErrMissingStartNode
	}
	return g, nil
}

// Node returns the instantiated node for an id.
func (g *CompiledGraph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Config returns the declared configuration for a node id.
func (g *CompiledGraph) Config(id string) (models.NodeConfig, bool) {
	c, ok := g.configs[id]
	return c, ok
}

// NextForStep returns the single successor of a step node; empty when the
// node is terminal.
func (g *CompiledGraph) NextForStep(id string) string {
	return g.next[id]
}

// NextForRoute resolves a branch node's returned route key against its
// routing table, falling back to the default route. Returns an error when
// even the default cannot resolve, which is a configuration defect.
func (g *CompiledGraph) NextForRoute(id, routeKey string) (string, error) {
	table, ok := g.routes[id]
	if !ok || len(table) == 0 {
		return "", fmt.Errorf("branch node %s has no routing table: %w", id, models.ErrUnresolvableRoute)
	}
	if target, ok := table[routeKey]; ok {
		return target, nil
	}
	if target, ok := table[models.RouteDefault]; ok {
		slog.Debug("flow.NextForRoute: route key not declared, using default", "node", id, "routeKey", routeKey)
		return target, nil
	}
	return "", fmt.Errorf("branch node %s cannot resolve route %q (declared: %s): %w", id, routeKey, strings.Join(g.RouteKeys(id), ", "), models.ErrUnresolvableRoute)
}

// RouteKeys returns the declared route keys of a branch node, sorted for
// stable diagnostics.
func (g *CompiledGraph) RouteKeys(id string) []string {
	table := g.routes[id]
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
