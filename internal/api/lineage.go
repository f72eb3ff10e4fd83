package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aegis-io/aegis/internal/lineage"
)

const (
	defaultTraversalDepth = 5
	maxTraversalDepth     = lineage.BlastRadiusDepth
)

type (
	// LineageGraph answers traversal queries. *lineage.Graph satisfies it.
	LineageGraph interface {
		Upstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
		Downstream(ctx context.Context, table string, depth int) ([]lineage.Node, error)
		BlastRadius(ctx context.Context, table string) (*lineage.BlastRadius, error)
		FullGraph(ctx context.Context) (*lineage.GraphView, error)
	}

	// TraversalResponse wraps a directed lineage traversal.
	TraversalResponse struct {
		Table string         `json:"table"`
		Depth int            `json:"depth"`
		Nodes []lineage.Node `json:"nodes"`
		Total int            `json:"total"`
	}

	// traversalParams holds validated upstream/downstream query parameters.
	traversalParams struct {
		depth         int
		minConfidence float64
	}
)

// handleLineageGraph handles GET /api/v1/lineage/graph. Edges are keyed by
// fully qualified name, not by connection, so the graph is global; the
// connection_id parameter is accepted and validated for forward compatibility.
func (s *Server) handleLineageGraph(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("connection_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err != nil || id <= 0 {
			WriteErrorResponse(w, r, s.logger,
				BadRequest("Invalid parameter 'connection_id': must be a positive integer"))

			return
		}
	}

	view, err := s.graph.FullGraph(r.Context())
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load lineage graph"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, view)
}

// handleLineageUpstream handles GET /api/v1/lineage/{table}/upstream.
func (s *Server) handleLineageUpstream(w http.ResponseWriter, r *http.Request) {
	s.handleTraversal(w, r, s.graph.Upstream)
}

// handleLineageDownstream handles GET /api/v1/lineage/{table}/downstream.
func (s *Server) handleLineageDownstream(w http.ResponseWriter, r *http.Request) {
	s.handleTraversal(w, r, s.graph.Downstream)
}

func (s *Server) handleTraversal(
	w http.ResponseWriter,
	r *http.Request,
	traverse func(ctx context.Context, table string, depth int) ([]lineage.Node, error),
) {
	table := r.PathValue("table")
	if table == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid parameter 'table': field is required"))

		return
	}

	params, err := parseTraversalParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	nodes, err := traverse(r.Context(), table, params.depth)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Lineage traversal failed"))

		return
	}

	if params.minConfidence > 0 {
		filtered := nodes[:0]

		for _, node := range nodes {
			if node.Confidence >= params.minConfidence {
				filtered = append(filtered, node)
			}
		}

		nodes = filtered
	}

	if nodes == nil {
		nodes = []lineage.Node{}
	}

	s.writeJSON(w, r, http.StatusOK, TraversalResponse{
		Table: table,
		Depth: params.depth,
		Nodes: nodes,
		Total: len(nodes),
	})
}

// handleBlastRadius handles GET /api/v1/lineage/{table}/blast-radius.
func (s *Server) handleBlastRadius(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	if table == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid parameter 'table': field is required"))

		return
	}

	radius, err := s.graph.BlastRadius(r.Context(), table)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Blast radius computation failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, radius)
}

func parseTraversalParams(r *http.Request) (*traversalParams, error) {
	q := r.URL.Query()

	params := &traversalParams{depth: defaultTraversalDepth}

	if raw := q.Get("depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil || depth < 1 || depth > maxTraversalDepth {
			return nil, &paramError{param: "depth", msg: fmt.Sprintf("must be between 1 and %d", maxTraversalDepth)}
		}

		params.depth = depth
	}

	if raw := q.Get("min_confidence"); raw != "" {
		confidence, err := strconv.ParseFloat(raw, 64)
		if err != nil || confidence < 0 || confidence > 1 {
			return nil, &paramError{param: "min_confidence", msg: "must be between 0.0 and 1.0"}
		}

		params.minConfidence = confidence
	}

	return params, nil
}
