package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/pkg/metrics"
)

// DefaultOverFetch is how many candidates are requested per wanted result.
const DefaultOverFetch = 2

// MaxOverFetch bounds the over-fetch factor.
const MaxOverFetch = 10

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher answers nearest-neighbour queries, best match first.
type VectorSearcher interface {
	Search(ctx context.Context, embedding []float32, limit int) ([]domain.ScoredPaper, error)
}

// Searcher runs session-deduplicated searches.
type Searcher struct {
	embed     Embedder
	store     VectorSearcher
	overFetch int
	log       *slog.Logger

	mSearches *metrics.Counter
	mResults  *metrics.Counter
	mEmpty    *metrics.Counter
	mFailed   *metrics.Counter
}

// NewSearcher creates a Searcher. overFetch outside 1..MaxOverFetch means DefaultOverFetch;
// reg and log may be nil.
func NewSearcher(embed Embedder, store VectorSearcher, overFetch int, reg *metrics.Registry, log *slog.Logger) *Searcher {
	if overFetch < 1 || overFetch > MaxOverFetch {
		overFetch = DefaultOverFetch
	}
	if reg == nil {
		reg = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Searcher{
		embed:     embed,
		store:     store,
		overFetch: overFetch,
		log:       log,
		mSearches: reg.Counter("paperqa_searches_total", "Searches completed"),
		mResults:  reg.Counter("paperqa_search_results_total", "Papers returned by searches"),
		mEmpty:    reg.Counter("paperqa_search_empty_total", "Searches that returned nothing new"),
		mFailed:   reg.Counter("paperqa_search_failures_total", "Searches that failed"),
	}
}

// Search returns at most limit papers for query that this session has not
// seen, in the store's rank order. It asks the store for overFetch*limit
// candidates once and never re-queries, so fewer than limit results is
// normal late in a session. On failure it returns an empty slice and the
// error, and the session is left untouched.
func (s *Searcher) Search(ctx context.Context, sess *Session, query string, limit int) ([]domain.ScoredPaper, error) {
	if err := domain.ValidateQuery(query, limit); err != nil {
		return []domain.ScoredPaper{}, err
	}

	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		s.mFailed.Inc()
		s.log.Warn("search embedding failed", "err", err)
		return []domain.ScoredPaper{}, fmt.Errorf("search: embed query: %w", err)
	}

	candidates, err := s.store.Search(ctx, vec, s.overFetch*limit)
	if err != nil {
		s.mFailed.Inc()
		s.log.Warn("vector search failed", "err", err)
		return []domain.ScoredPaper{}, fmt.Errorf("search: nearest neighbours: %w", err)
	}

	results := sess.accept(query, candidates, limit)
	s.mSearches.Inc()
	s.mResults.Add(int64(len(results)))
	if len(results) == 0 {
		s.mEmpty.Inc()
	}
	s.log.Debug("search done", "candidates", len(candidates), "returned", len(results), "limit", limit)
	return results, nil
}
