package lineage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/aegis-io/aegis/internal/storage"
	"github.com/aegis-io/aegis/internal/warehouse"
)

// DefaultRefreshWindow is how far back the refresher looks in the query log
// when no explicit cutoff is given.
const DefaultRefreshWindow = 2 * time.Hour

// queryHashLen truncates the statement hash stored on edges.
const queryHashLen = 16

// EdgeWriter is the narrow write interface the refresher needs.
// *storage.Store satisfies it.
type EdgeWriter interface {
	UpsertLineageEdge(ctx context.Context, edge *storage.LineageEdge) error
}

// Resolver canonicalizes table names before edges are written, so aliased
// spellings of one table collapse into a single lineage node.
// *aliasing.Resolver satisfies it.
type Resolver interface {
	Resolve(fqn string) string
}

// Refresher feeds parsed query-log edges into the store.
type Refresher struct {
	store    EdgeWriter
	resolver Resolver
	logger   *slog.Logger
}

// RefresherOption customizes refresher construction.
type RefresherOption func(*Refresher)

// WithResolver installs an alias resolver applied to every edge endpoint.
func WithResolver(resolver Resolver) RefresherOption {
	return func(r *Refresher) {
		r.resolver = resolver
	}
}

// NewRefresher builds a refresher writing through the given store.
func NewRefresher(store EdgeWriter, logger *slog.Logger, opts ...RefresherOption) *Refresher {
	r := &Refresher{store: store, logger: logger}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Refresh pulls query-log entries newer than since from the extractor,
// parses each statement and upserts the edges it implies. Returns the number
// of edges upserted. Extraction and parse failures are logged and skipped;
// the cycle itself only fails when the query log is unreadable.
func (r *Refresher) Refresh(
	ctx context.Context,
	extractor warehouse.QueryLogExtractor,
	dialect string,
	since time.Time,
) (int, error) {
	entries, err := extractor.RecentQueries(ctx, since)
	if err != nil {
		return 0, err
	}

	upserted := 0

	for _, entry := range entries {
		edges := ExtractEdges(entry.SQL, dialect)
		if len(edges) == 0 {
			continue
		}

		queryHash := hashStatement(entry.SQL)

		for _, edge := range edges {
			source, target := r.canonicalize(edge.Source), r.canonicalize(edge.Target)
			if source == target {
				// Aliases of the same table produce no meaningful edge.
				continue
			}

			record := &storage.LineageEdge{
				SourceTable:      source,
				TargetTable:      target,
				RelationshipType: "direct",
				QueryHash:        queryHash,
				Confidence:       edge.Confidence,
			}

			if err := r.store.UpsertLineageEdge(ctx, record); err != nil {
				r.logger.Warn("Failed to upsert lineage edge",
					slog.String("source", source),
					slog.String("target", target),
					slog.Any("error", err),
				)

				continue
			}

			upserted++
		}
	}

	return upserted, nil
}

// canonicalize applies the alias resolver when one is configured.
func (r *Refresher) canonicalize(fqn string) string {
	if r.resolver == nil {
		return fqn
	}

	return r.resolver.Resolve(fqn)
}

func hashStatement(sql string) string {
	sum := sha256.Sum256([]byte(sql))

	return hex.EncodeToString(sum[:])[:queryHashLen]
}
