package lineage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aegis-io/aegis/internal/storage"
)

// Edges not re-observed within the staleness window drop out of traversals
// without being physically deleted.
const (
	DefaultStaleDays = 30

	// BlastRadiusDepth bounds how far downstream impact is traced.
	BlastRadiusDepth = 10
)

type (
	// Store is the narrow read interface the graph needs. *storage.Store
	// satisfies it.
	Store interface {
		EdgesFrom(ctx context.Context, sourceTable string) ([]storage.LineageEdge, error)
		EdgesTo(ctx context.Context, targetTable string) ([]storage.LineageEdge, error)
		AllLineageEdges(ctx context.Context) ([]storage.LineageEdge, error)
	}

	// Node is one table reached by a traversal. Confidence is that of the
	// edge used to reach the node; the first visit wins.
	Node struct {
		FQN        string  `json:"fqn"`
		Depth      int     `json:"depth"`
		Confidence float64 `json:"confidence"`
	}

	// BlastRadius summarizes the downstream impact of a table.
	BlastRadius struct {
		Table    string `json:"table"`
		Affected []Node `json:"affected"`
		Total    int    `json:"total"`
		MaxDepth int    `json:"max_depth"`
	}

	// GraphEdge is the wire shape of one edge in a full graph export.
	GraphEdge struct {
		Source       string  `json:"source"`
		Target       string  `json:"target"`
		Relationship string  `json:"relationship"`
		Confidence   float64 `json:"confidence"`
	}

	// GraphView is the full exported graph.
	GraphView struct {
		Nodes []string    `json:"nodes"`
		Edges []GraphEdge `json:"edges"`
	}

	// Graph answers traversal queries over the recent edge relation.
	Graph struct {
		store      Store
		staleAfter time.Duration
		now        func() time.Time
	}

	// GraphOption configures optional Graph behavior.
	GraphOption func(*Graph)
)

// WithStaleAfter overrides the edge staleness window.
func WithStaleAfter(d time.Duration) GraphOption {
	return func(g *Graph) {
		g.staleAfter = d
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) GraphOption {
	return func(g *Graph) {
		g.now = now
	}
}

// NewGraph builds a lineage graph over the store.
func NewGraph(store Store, opts ...GraphOption) *Graph {
	g := &Graph{
		store:      store,
		staleAfter: DefaultStaleDays * 24 * time.Hour,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Upstream returns the tables feeding into table, in BFS order, up to depth.
func (g *Graph) Upstream(ctx context.Context, table string, depth int) ([]Node, error) {
	return g.traverse(ctx, table, depth, g.incomingNeighbors)
}

// Downstream returns the tables fed by table, in BFS order, up to depth.
func (g *Graph) Downstream(ctx context.Context, table string, depth int) ([]Node, error) {
	return g.traverse(ctx, table, depth, g.outgoingNeighbors)
}

// Path returns the shortest forward path from source to target inclusive, or
// nil when no path exists. Ties break on store order, so results are
// deterministic for a fixed edge set.
func (g *Graph) Path(ctx context.Context, source, target string) ([]string, error) {
	if source == target {
		return []string{source}, nil
	}

	parents := map[string]string{source: ""}
	queue := []string{source}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		neighbors, err := g.outgoingNeighbors(ctx, current)
		if err != nil {
			return nil, err
		}

		for _, neighbor := range neighbors {
			if _, visited := parents[neighbor.fqn]; visited {
				continue
			}

			parents[neighbor.fqn] = current

			if neighbor.fqn == target {
				return assemblePath(parents, source, target), nil
			}

			queue = append(queue, neighbor.fqn)
		}
	}

	return nil, nil
}

// BlastRadius traces downstream impact to the standard depth bound.
func (g *Graph) BlastRadius(ctx context.Context, table string) (*BlastRadius, error) {
	affected, err := g.Downstream(ctx, table, BlastRadiusDepth)
	if err != nil {
		return nil, err
	}

	maxDepth := 0
	for _, node := range affected {
		if node.Depth > maxDepth {
			maxDepth = node.Depth
		}
	}

	return &BlastRadius{
		Table:    table,
		Affected: affected,
		Total:    len(affected),
		MaxDepth: maxDepth,
	}, nil
}

// FullGraph exports every fresh edge with a sorted unique node list.
func (g *Graph) FullGraph(ctx context.Context) (*GraphView, error) {
	edges, err := g.store.AllLineageEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load lineage edges: %w", err)
	}

	cutoff := g.cutoff()
	nodeSet := make(map[string]struct{})
	view := &GraphView{Edges: []GraphEdge{}}

	for _, edge := range edges {
		if edge.LastSeenAt.Before(cutoff) {
			continue
		}

		nodeSet[edge.SourceTable] = struct{}{}
		nodeSet[edge.TargetTable] = struct{}{}

		view.Edges = append(view.Edges, GraphEdge{
			Source:       edge.SourceTable,
			Target:       edge.TargetTable,
			Relationship: edge.RelationshipType,
			Confidence:   edge.Confidence,
		})
	}

	view.Nodes = make([]string, 0, len(nodeSet))
	for node := range nodeSet {
		view.Nodes = append(view.Nodes, node)
	}

	sort.Strings(view.Nodes)

	return view, nil
}

type neighbor struct {
	fqn        string
	confidence float64
}

type neighborFunc func(ctx context.Context, fqn string) ([]neighbor, error)

// traverse runs a depth-bounded BFS. Each node is visited at most once;
// edges crossing the depth bound are not followed.
func (g *Graph) traverse(ctx context.Context, start string, depth int, neighbors neighborFunc) ([]Node, error) {
	if depth <= 0 {
		return []Node{}, nil
	}

	visited := map[string]struct{}{start: {}}
	result := []Node{}

	type queued struct {
		fqn   string
		depth int
	}

	queue := []queued{{fqn: start, depth: 0}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= depth {
			continue
		}

		next, err := neighbors(ctx, current.fqn)
		if err != nil {
			return nil, err
		}

		for _, n := range next {
			if _, seen := visited[n.fqn]; seen {
				continue
			}

			visited[n.fqn] = struct{}{}
			result = append(result, Node{FQN: n.fqn, Depth: current.depth + 1, Confidence: n.confidence})
			queue = append(queue, queued{fqn: n.fqn, depth: current.depth + 1})
		}
	}

	return result, nil
}

func (g *Graph) outgoingNeighbors(ctx context.Context, fqn string) ([]neighbor, error) {
	edges, err := g.store.EdgesFrom(ctx, fqn)
	if err != nil {
		return nil, fmt.Errorf("failed to load outgoing edges of %s: %w", fqn, err)
	}

	return g.freshNeighbors(edges, func(e storage.LineageEdge) string { return e.TargetTable }), nil
}

func (g *Graph) incomingNeighbors(ctx context.Context, fqn string) ([]neighbor, error) {
	edges, err := g.store.EdgesTo(ctx, fqn)
	if err != nil {
		return nil, fmt.Errorf("failed to load incoming edges of %s: %w", fqn, err)
	}

	return g.freshNeighbors(edges, func(e storage.LineageEdge) string { return e.SourceTable }), nil
}

func (g *Graph) freshNeighbors(edges []storage.LineageEdge, pick func(storage.LineageEdge) string) []neighbor {
	cutoff := g.cutoff()
	neighbors := make([]neighbor, 0, len(edges))

	for _, edge := range edges {
		if edge.LastSeenAt.Before(cutoff) {
			continue
		}

		neighbors = append(neighbors, neighbor{fqn: pick(edge), confidence: edge.Confidence})
	}

	return neighbors
}

func (g *Graph) cutoff() time.Time {
	return g.now().UTC().Add(-g.staleAfter)
}

func assemblePath(parents map[string]string, source, target string) []string {
	var reversed []string

	for current := target; current != ""; current = parents[current] {
		reversed = append(reversed, current)

		if current == source {
			break
		}
	}

	path := make([]string, len(reversed))
	for i, fqn := range reversed {
		path[len(reversed)-1-i] = fqn
	}

	return path
}
