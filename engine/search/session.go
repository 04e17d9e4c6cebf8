// Package search wraps raw similarity search with per-session result
// deduplication and query analytics.
package search

import (
	"slices"
	"sync"
	"time"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/pkg/fn"
)

// SearchEntry is one completed search.
type SearchEntry struct {
	Time          time.Time `json:"time"`
	Query         string    `json:"query"`
	Count         int       `json:"count"`
	MeanRelevance float64   `json:"mean_relevance"`
}

// QAEntry is one successfully generated answer.
type QAEntry struct {
	Time        time.Time `json:"time"`
	Query       string    `json:"query"`
	Response    string    `json:"response"`
	SourceCount int       `json:"source_count"`
}

// Analytics aggregates a session's history.
type Analytics struct {
	TotalSearches     int     `json:"total_searches"`
	UniquePapersShown int     `json:"unique_papers_shown"`
	MeanRelevance     float64 `json:"mean_relevance"`
	TotalAnswers      int     `json:"total_answers"`
}

// Session is the state of one interactive session: the titles already shown
// and the search and answer histories. It lives only in memory and is safe
// for concurrent use.
type Session struct {
	mu       sync.Mutex
	shown    map[string]struct{}
	searches []SearchEntry
	answers  []QAEntry
	now      func() time.Time
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{shown: make(map[string]struct{}), now: time.Now}
}

// Clear forgets which papers were shown. Histories are kept.
func (s *Session) Clear() {
	s.mu.Lock()
	s.shown = make(map[string]struct{})
	s.mu.Unlock()
}

// Shown reports whether a paper with this title was already returned.
func (s *Session) Shown(title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.shown[title]
	return ok
}

// Analytics is computed from the histories alone. MeanRelevance is the mean
// of the per-search means, empty searches counting as zero.
func (s *Session) Analytics() Analytics {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := Analytics{
		TotalSearches:     len(s.searches),
		UniquePapersShown: len(s.shown),
		TotalAnswers:      len(s.answers),
	}
	if len(s.searches) > 0 {
		sum := fn.Reduce(s.searches, 0.0, func(acc float64, e SearchEntry) float64 {
			return acc + e.MeanRelevance
		})
		a.MeanRelevance = sum / float64(len(s.searches))
	}
	return a
}

// SearchHistory returns a copy of the search history, oldest first.
func (s *Session) SearchHistory() []SearchEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.searches)
}

// QAHistory returns a copy of the answer history, oldest first.
func (s *Session) QAHistory() []QAEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.answers)
}

// RecordAnswer appends a generated answer to the history.
func (s *Session) RecordAnswer(query, response string, sourceCount int) {
	s.mu.Lock()
	s.answers = append(s.answers, QAEntry{Time: s.now(), Query: query, Response: response, SourceCount: sourceCount})
	s.mu.Unlock()
}

// accept walks candidates in rank order, keeps up to limit papers whose
// titles were not shown yet, marks them shown and records the search.
func (s *Session) accept(query string, candidates []domain.ScoredPaper, limit int) []domain.ScoredPaper {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ScoredPaper, 0, min(limit, len(candidates)))
	var sum float64
	for _, c := range candidates {
		if len(out) == limit {
			break
		}
		if _, seen := s.shown[c.Title]; seen {
			continue
		}
		s.shown[c.Title] = struct{}{}
		out = append(out, c)
		sum += float64(c.Score)
	}

	entry := SearchEntry{Time: s.now(), Query: query, Count: len(out)}
	if len(out) > 0 {
		entry.MeanRelevance = sum / float64(len(out))
	}
	s.searches = append(s.searches, entry)
	return out
}
