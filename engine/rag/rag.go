// Package rag turns retrieved papers into a grounded answer: it builds a
// prompt that cites papers by position, calls the generation model, and
// splits the reply into labelled sections.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/engine/search"
	"github.com/WessleyAI/paperqa/pkg/fn"
	"github.com/WessleyAI/paperqa/pkg/metrics"
)

// NoResultsText is the answer given when nothing was retrieved.
const NoResultsText = "No relevant papers were found for this question."

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Retriever runs a session-deduplicated search.
type Retriever interface {
	Search(ctx context.Context, sess *search.Session, query string, limit int) ([]domain.ScoredPaper, error)
}

// RelatedFinder suggests other papers listed alongside the given titles.
type RelatedFinder interface {
	RelatedPapers(ctx context.Context, titles []string, limit int) ([]string, error)
}

// Options configures the orchestrator.
type Options struct {
	// Timeout bounds the generation call.
	Timeout time.Duration
	// RelatedLimit caps Answer.Related. Zero disables the lookup.
	RelatedLimit int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Timeout: 120 * time.Second, RelatedLimit: 5}
}

// Service is the generation orchestrator.
type Service struct {
	gen     Generator
	related RelatedFinder
	opts    Options
	logger  *slog.Logger

	mAnswers  *metrics.Counter
	mFailures *metrics.Counter
	mDuration *metrics.Histogram
}

// New creates a Service. related, reg and logger may be nil.
func New(gen Generator, related RelatedFinder, opts Options, reg *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Service{
		gen:       gen,
		related:   related,
		opts:      opts,
		logger:    logger,
		mAnswers:  reg.Counter("paperqa_answers_total", "Answers generated"),
		mFailures: reg.Counter("paperqa_answer_failures_total", "Generation failures"),
		mDuration: reg.Histogram("paperqa_generate_duration_seconds", "Generation call latency", nil),
	}
}

// Source is a retrieved paper as cited in the prompt.
type Source struct {
	Position       int     `json:"position"`
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	SourceDocument string  `json:"source_document"`
	Score          float32 `json:"score"`
	Relevance      string  `json:"relevance"`
}

// Label is the citation marker for the source, e.g. "[P2]".
func (s Source) Label() string { return "[P" + strconv.Itoa(s.Position) + "]" }

// Answer is a generated, parsed reply.
type Answer struct {
	Query     string   `json:"query"`
	Text      string   `json:"text"`
	Sections  Sections `json:"sections,omitempty"`
	Sources   []Source `json:"sources,omitempty"`
	Citations []int    `json:"citations,omitempty"`
	Related   []string `json:"related,omitempty"`
	NoResults bool     `json:"no_results"`
}

// GenerationError is returned when the model could not produce an answer.
// It wraps domain.ErrTransientService or domain.ErrMalformedResponse.
type GenerationError struct {
	Query string
	Err   error
}

func (e *GenerationError) Error() string { return "rag: generation failed: " + e.Err.Error() }

func (e *GenerationError) Unwrap() error { return e.Err }

// Ask searches for query within the session and answers from the results.
func (s *Service) Ask(ctx context.Context, r Retriever, sess *search.Session, query string, limit int) (*Answer, error) {
	retrieved, err := r.Search(ctx, sess, query, limit)
	if err != nil {
		return nil, err
	}
	return s.Answer(ctx, sess, query, retrieved)
}

// Answer generates a reply to query grounded on retrieved, in that order.
// With nothing retrieved it returns the fixed no-results answer without
// calling the model. Successful answers are added to the session's history.
func (s *Service) Answer(ctx context.Context, sess *search.Session, query string, retrieved []domain.ScoredPaper) (*Answer, error) {
	if len(retrieved) == 0 {
		return &Answer{Query: query, Text: NoResultsText, NoResults: true}, nil
	}
	s.logger.Info("rag answer start", "query_len", len(query), "papers", len(retrieved))

	prompt := BuildPrompt(query, retrieved)
	genCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	text, err := s.gen.Generate(genCtx, prompt)
	s.mDuration.Since(start)
	if err != nil {
		s.mFailures.Inc()
		s.logger.Warn("rag generation failed", "err", err)
		return nil, &GenerationError{Query: query, Err: err}
	}
	s.mAnswers.Inc()

	sources := make([]Source, len(retrieved))
	for i, p := range retrieved {
		sources[i] = Source{
			Position:       i + 1,
			ID:             p.ID,
			Title:          p.Title,
			SourceDocument: p.SourceDocument,
			Score:          p.Score,
			Relevance:      search.Explain(p.Score).String(),
		}
	}
	titles := fn.Map(fn.UniqueBy(retrieved, paperTitle), paperTitle)

	ans := &Answer{
		Query:     query,
		Text:      text,
		Sections:  ParseSections(text),
		Sources:   sources,
		Citations: Citations(text, len(retrieved)),
	}
	if s.related != nil && s.opts.RelatedLimit > 0 {
		ans.Related = s.relatedPapers(ctx, titles)
	}
	if sess != nil {
		sess.RecordAnswer(query, text, len(titles))
	}
	return ans, nil
}

func paperTitle(p domain.ScoredPaper) string { return p.Title }

// relatedPapers asks the graph for further reading; failures are logged and skipped.
func (s *Service) relatedPapers(ctx context.Context, titles []string) []string {
	related, err := s.related.RelatedPapers(ctx, titles, s.opts.RelatedLimit)
	if err != nil {
		s.logger.Warn("rag: related papers lookup failed, continuing without", "err", err)
		return nil
	}
	return related
}

// BuildPrompt renders the question and the papers as [P1]..[Pn] blocks.
func BuildPrompt(query string, papers []domain.ScoredPaper) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on the following research papers, answer this question: %s\n\n", query)
	b.WriteString("Research papers:\n\n")
	for i, p := range papers {
		fmt.Fprintf(&b, "[P%d] Title: %s\nAbstract: %s\n\n", i+1, p.Title, p.Abstract)
	}
	b.WriteString("Instructions:\n")
	b.WriteString("- Answer using only these papers and cite them by position, for example [P1] or [P2][P3].\n")
	b.WriteString("- Organize the reply under these headers, each on its own line: ")
	b.WriteString(strings.Join(sectionHeaders(), ", "))
	b.WriteString(".\n")
	b.WriteString("- Leave out a section if the papers say nothing about it.\n")
	return b.String()
}

var citationRe = regexp.MustCompile(`\[P(\d+)\]`)

// Citations returns the positions cited in text, in order of first
// appearance, ignoring positions outside 1..n.
func Citations(text string, n int) []int {
	var out []int
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		pos, err := strconv.Atoi(m[1])
		if err != nil || pos < 1 || pos > n || slices.Contains(out, pos) {
			continue
		}
		out = append(out, pos)
	}
	return out
}
