// Package ingest keeps a vector collection in step with a directory of paper
// documents. A Tracker compares each document against the ledger, rebuilds
// what changed, and stores every new paper exactly once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/engine/extract"
	"github.com/WessleyAI/paperqa/engine/ledger"
	"github.com/WessleyAI/paperqa/engine/semantic"
	"github.com/WessleyAI/paperqa/pkg/fn"
	"github.com/WessleyAI/paperqa/pkg/metrics"
)

// Policy decides what happens to the collection when documents change.
type Policy string

const (
	// PolicyFull drops and recreates the collection and reprocesses every
	// document whenever anything changed.
	PolicyFull Policy = "full"
	// PolicyIncremental deletes only the points of changed or vanished
	// documents and reprocesses those documents.
	PolicyIncremental Policy = "incremental"
)

// ParsePolicy validates s. Empty means PolicyFull.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyFull, PolicyIncremental:
		return p, nil
	case "":
		return PolicyFull, nil
	}
	return "", domain.NewValidationError("policy", s, domain.ErrValidation)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the subset of the vector store the tracker writes to.
type Store interface {
	Recreate(ctx context.Context, dims int) error
	EnsureCollection(ctx context.Context, dims int) error
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
	DeleteBySource(ctx context.Context, source string) error
}

// GraphSink mirrors stored papers somewhere else. Its failures are logged
// and never fail a record.
type GraphSink interface {
	SavePaper(ctx context.Context, id string, p domain.PaperRecord) error
	ForgetDocument(ctx context.Context, source string) error
	Reset(ctx context.Context) error
}

// Options tune a Tracker.
type Options struct {
	Policy      Policy
	Fingerprint Fingerprint
	// Dimensions of the embedding vectors, used when (re)creating the collection.
	Dimensions int
	// KeyPrefix is how many abstract runes go into a record key.
	KeyPrefix int
	// Workers embeds up to this many records of a document concurrently.
	Workers int
	// Retry applies to the embedding call only.
	Retry fn.RetryOpts
}

// DefaultOptions retries transient embedding failures three times.
func DefaultOptions() Options {
	retry := fn.DefaultRetry
	retry.Retryable = func(err error) bool { return errors.Is(err, domain.ErrTransientService) }
	return Options{
		Policy:      PolicyFull,
		Fingerprint: FingerprintStat,
		Dimensions:  768,
		KeyPrefix:   MinKeyPrefix,
		Workers:     1,
		Retry:       retry,
	}
}

// Deps holds the external dependencies of a Tracker.
type Deps struct {
	Embedder Embedder
	Store    Store
	Ledger   *ledger.Ledger
	Graph    GraphSink         // optional
	Metrics  *metrics.Registry // optional
	Logger   *slog.Logger
}

// Report summarizes one Synchronize call.
type Report struct {
	Policy          Policy        `json:"policy"`
	Documents       int           `json:"documents"`
	Unchanged       int           `json:"unchanged"`
	Processed       int           `json:"processed"`
	FailedDocuments int           `json:"failed_documents"`
	Vanished        int           `json:"vanished"`
	Stored          int           `json:"stored"`
	Duplicates      int           `json:"duplicates"`
	Invalid         int           `json:"invalid"`
	Failed          int           `json:"failed"`
	Recreated       bool          `json:"recreated"`
	Started         time.Time     `json:"started"`
	Duration        time.Duration `json:"duration"`
}

// Changed reports whether the run touched the collection.
func (r Report) Changed() bool {
	return r.Recreated || r.Processed+r.FailedDocuments+r.Vanished > 0
}

// Tracker synchronizes documents into the vector store.
type Tracker struct {
	opts   Options
	deps   Deps
	log    *slog.Logger
	met    trackerMetrics
	record fn.Stage[pendingRecord, storedRecord]
}

// NewTracker validates deps and opts and wires the record pipeline.
func NewTracker(deps Deps, opts Options) (*Tracker, error) {
	if deps.Embedder == nil || deps.Store == nil || deps.Ledger == nil {
		return nil, errors.New("ingest: embedder, store and ledger are required")
	}
	if _, err := ParsePolicy(string(opts.Policy)); err != nil {
		return nil, err
	}
	if _, err := ParseFingerprint(string(opts.Fingerprint)); err != nil {
		return nil, err
	}
	if opts.Policy == "" {
		opts.Policy = PolicyFull
	}
	if opts.Fingerprint == "" {
		opts.Fingerprint = FingerprintStat
	}
	if opts.Dimensions <= 0 {
		return nil, domain.NewValidationError("dimensions", fmt.Sprint(opts.Dimensions), domain.ErrValidation)
	}
	if opts.KeyPrefix < MinKeyPrefix {
		opts.KeyPrefix = MinKeyPrefix
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{opts: opts, deps: deps, log: log, met: newTrackerMetrics(deps.Metrics)}
	retry := opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			t.met.embedRetries.Inc()
			t.log.Warn("embedding failed, retrying", "attempt", attempt, "wait", wait, "err", err)
		}
	}
	t.record = newRecordPipeline(deps.Embedder, deps.Store, retry, t.met.embedSeconds, t.confirm)
	return t, nil
}

// Options returns the effective options.
func (t *Tracker) Options() Options { return t.opts }

// Synchronize brings the collection and ledger up to date with docs. When no
// document changed or vanished it does nothing. The ledger is saved after
// every document, so an interrupted run resumes where it stopped and at
// worst re-embeds the records of the interrupted document.
func (t *Tracker) Synchronize(ctx context.Context, docs []domain.SourceDocument) (rep Report, err error) {
	rep = Report{Policy: t.opts.Policy, Documents: len(docs), Started: time.Now()}
	defer func() { rep.Duration = time.Since(rep.Started) }()
	t.met.runs.Inc()
	t.met.documentsScanned.Add(int64(len(docs)))

	docs, unreadable := t.fingerprint(docs)
	rep.FailedDocuments = len(unreadable)
	t.met.documents("failed").Add(int64(len(unreadable)))

	changed, vanished := t.partition(docs)
	vanished = slices.DeleteFunc(vanished, func(path string) bool { return slices.Contains(unreadable, path) })
	rep.Vanished = len(vanished)
	if len(changed) == 0 && len(vanished) == 0 {
		rep.Unchanged = len(docs)
		t.met.documents("unchanged").Add(int64(len(docs)))
		t.log.Info("no document changes", "documents", len(docs), "unreadable", len(unreadable))
		return rep, nil
	}

	var queue []domain.SourceDocument
	switch t.opts.Policy {
	case PolicyIncremental:
		queue, err = t.prepareIncremental(ctx, docs, changed, vanished)
	default:
		queue, err = t.prepareFull(ctx, docs, changed, vanished)
		rep.Recreated = err == nil
	}
	if err != nil {
		return rep, err
	}
	rep.Unchanged = len(docs) - len(queue)
	t.met.documents("unchanged").Add(int64(rep.Unchanged))

	for _, doc := range queue {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if t.processDocument(ctx, doc, &rep) {
			rep.Processed++
			t.met.documents("processed").Inc()
		} else {
			rep.FailedDocuments++
			t.met.documents("failed").Inc()
		}
		if err := t.deps.Ledger.Save(); err != nil {
			return rep, err
		}
	}

	t.log.Info("ingestion finished",
		"policy", rep.Policy,
		"processed", rep.Processed,
		"failed_documents", rep.FailedDocuments,
		"stored", rep.Stored,
		"duplicates", rep.Duplicates,
		"invalid", rep.Invalid,
		"failed", rep.Failed,
	)
	return rep, ctx.Err()
}

// fingerprint fills in missing content hashes under FingerprintSHA256. A
// document that cannot be read is dropped from docs and its path returned;
// it is neither processed nor treated as vanished.
func (t *Tracker) fingerprint(docs []domain.SourceDocument) (readable []domain.SourceDocument, unreadable []string) {
	if t.opts.Fingerprint != FingerprintSHA256 {
		return docs, nil
	}
	readable = make([]domain.SourceDocument, 0, len(docs))
	for _, doc := range docs {
		if doc.SHA256 == "" {
			sum, err := hashFile(doc.Path)
			if err != nil {
				t.log.Error("document unreadable, skipping", "document", doc.Path, "err", err)
				unreadable = append(unreadable, doc.Path)
				continue
			}
			doc.SHA256 = sum
		}
		readable = append(readable, doc)
	}
	return readable, unreadable
}

// partition splits docs into those needing processing and returns the
// ledger paths that no longer exist.
func (t *Tracker) partition(docs []domain.SourceDocument) (changed []domain.SourceDocument, vanished []string) {
	byHash := t.opts.Fingerprint == FingerprintSHA256
	present := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		present[doc.Path] = struct{}{}
		e, ok := t.deps.Ledger.Document(doc.Path)
		if !ok || !e.Matches(doc, byHash) {
			changed = append(changed, doc)
		}
	}
	for _, path := range t.deps.Ledger.DocumentPaths() {
		if _, ok := present[path]; !ok {
			vanished = append(vanished, path)
		}
	}
	return changed, vanished
}

// prepareFull empties the ledger before dropping the collection, so a crash
// in between leaves every document marked as unprocessed.
func (t *Tracker) prepareFull(ctx context.Context, docs, changed []domain.SourceDocument, vanished []string) ([]domain.SourceDocument, error) {
	t.log.Info("documents changed, recreating collection",
		"changed", len(changed), "vanished", len(vanished), "documents", len(docs))

	t.deps.Ledger.Reset()
	if err := t.deps.Ledger.Save(); err != nil {
		return nil, err
	}
	if err := t.deps.Store.Recreate(ctx, t.opts.Dimensions); err != nil {
		return nil, fmt.Errorf("ingest: recreate collection: %w", err)
	}
	t.met.recreations.Inc()
	if t.deps.Graph != nil {
		if err := t.deps.Graph.Reset(ctx); err != nil {
			t.log.Warn("graph reset failed", "err", err)
		}
	}
	return docs, nil
}

// prepareIncremental removes the points and ledger state of changed and
// vanished documents. Documents whose duplicates pointed at a removed record
// are queued again so the paper is stored under them instead.
func (t *Tracker) prepareIncremental(ctx context.Context, docs, changed []domain.SourceDocument, vanished []string) ([]domain.SourceDocument, error) {
	if err := t.deps.Store.EnsureCollection(ctx, t.opts.Dimensions); err != nil {
		return nil, fmt.Errorf("ingest: ensure collection: %w", err)
	}

	dirty := make(map[string]struct{}, len(changed)+len(vanished))
	for _, doc := range changed {
		dirty[doc.Path] = struct{}{}
	}
	for _, path := range vanished {
		dirty[path] = struct{}{}
	}

	requeue := make(map[string]struct{})
	for path := range dirty {
		t.deps.Ledger.ForgetDocument(path)
		for _, other := range t.deps.Ledger.ForgetSource(path) {
			requeue[other] = struct{}{}
		}
	}
	for path := range requeue {
		t.deps.Ledger.ForgetDocument(path)
	}
	if err := t.deps.Ledger.Save(); err != nil {
		return nil, err
	}

	for path := range dirty {
		if err := t.deps.Store.DeleteBySource(ctx, path); err != nil {
			return nil, fmt.Errorf("ingest: delete points of %s: %w", path, err)
		}
		if t.deps.Graph != nil {
			if err := t.deps.Graph.ForgetDocument(ctx, path); err != nil {
				t.log.Warn("graph forget failed", "document", path, "err", err)
			}
		}
	}

	queue := make([]domain.SourceDocument, 0, len(changed)+len(requeue))
	for _, doc := range docs {
		_, d := dirty[doc.Path]
		_, r := requeue[doc.Path]
		if d || r {
			queue = append(queue, doc)
		}
	}
	t.log.Info("documents changed, updating collection",
		"changed", len(changed), "vanished", len(vanished), "requeued", len(queue)-len(changed))
	return queue, nil
}

// processDocument extracts, filters and stores the papers of doc. It returns
// true, and records doc in the ledger, only when no record failed.
func (t *Tracker) processDocument(ctx context.Context, doc domain.SourceDocument, rep *Report) bool {
	log := t.log.With("document", doc.Path)

	res, err := t.extract(doc)
	if err != nil {
		log.Error("extraction failed", "err", err)
		return false
	}
	if res.NoTable {
		log.Info("no paper table found")
	}
	for _, skipped := range res.Skipped {
		log.Warn("skipping row", "row", skipped.Row, "reason", skipped.Reason)
	}
	rep.Invalid += len(res.Skipped)
	t.met.records("invalid").Add(int64(len(res.Skipped)))

	pending := t.claim(ctx, doc, res.Papers, rep, log)

	results := fn.ParMapResult(pending, t.opts.Workers, func(p pendingRecord) fn.Result[storedRecord] {
		return t.record(ctx, p)
	})

	failed := 0
	for i, r := range results {
		if _, err := r.Unwrap(); err != nil {
			failed++
			log.Warn("record failed", "title", pending[i].paper.Title, "err", err)
			continue
		}
		rep.Stored++
	}
	rep.Failed += failed
	t.met.records("stored").Add(int64(len(pending) - failed))
	t.met.records("failed").Add(int64(failed))

	log.Info("document done", "papers", len(res.Papers), "stored", len(pending)-failed, "failed", failed)
	if failed > 0 {
		log.Warn("document had failures, will retry on next run", "failed", failed)
		return false
	}
	t.deps.Ledger.SetDocument(doc.Path, ledger.EntryFor(doc))
	return true
}

func (t *Tracker) extract(doc domain.SourceDocument) (extract.Result, error) {
	f, err := os.Open(doc.Path)
	if err != nil {
		return extract.Result{}, fmt.Errorf("ingest: open %s: %w", doc.Path, err)
	}
	defer f.Close()
	return extract.Extract(f, doc.Path)
}

// claim validates papers and reserves their keys in document order, before
// any embedding starts. Keys already in the ledger or claimed earlier in the
// same document are duplicates.
func (t *Tracker) claim(ctx context.Context, doc domain.SourceDocument, papers []domain.PaperRecord, rep *Report, log *slog.Logger) []pendingRecord {
	claimed := make(map[string]struct{}, len(papers))
	pending := make([]pendingRecord, 0, len(papers))
	for _, p := range papers {
		if _, err := Validate(ctx, p).Unwrap(); err != nil {
			rep.Invalid++
			t.met.records("invalid").Inc()
			log.Info("skipping invalid record", "title", p.Title, "err", err)
			continue
		}
		key := RecordKey(p, t.opts.KeyPrefix)
		if _, dup := claimed[key]; dup || t.deps.Ledger.NoteDuplicate(key, doc.Path) {
			rep.Duplicates++
			t.met.records("duplicate").Inc()
			log.Debug("skipping duplicate record", "title", p.Title)
			continue
		}
		claimed[key] = struct{}{}
		pending = append(pending, pendingRecord{key: key, paper: p})
	}
	return pending
}

// confirm is the last record stage: only now does the key enter the ledger.
func (t *Tracker) confirm(ctx context.Context, r storedRecord) fn.Result[storedRecord] {
	t.deps.Ledger.PutRecord(r.key, ledger.RecordEntry{
		Title:          r.paper.Title,
		SourceDocument: r.paper.SourceDocument,
		StoredID:       r.id,
	})
	if t.deps.Graph != nil {
		if err := t.deps.Graph.SavePaper(ctx, r.id, r.paper); err != nil {
			t.log.Warn("graph save failed", "title", r.paper.Title, "err", err)
		}
	}
	return fn.Ok(r)
}
