package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/engine/semantic"
	"github.com/WessleyAI/paperqa/pkg/fn"
	"github.com/WessleyAI/paperqa/pkg/metrics"
	"github.com/google/uuid"
)

// pendingRecord is a validated paper whose key has been claimed.
type pendingRecord struct {
	key   string
	paper domain.PaperRecord
}

type embeddedRecord struct {
	pendingRecord
	vector []float32
}

type storedRecord struct {
	embeddedRecord
	id string
}

// --- Pipeline Stages ---

// Validate rejects papers with an empty or placeholder abstract or no title.
var Validate fn.Stage[domain.PaperRecord, domain.PaperRecord] = func(_ context.Context, p domain.PaperRecord) fn.Result[domain.PaperRecord] {
	if err := domain.ValidatePaper(p); err != nil {
		return fn.Err[domain.PaperRecord](err)
	}
	return fn.Ok(p)
}

// newEmbed creates an Embed stage that embeds "title\nabstract", retrying per retry.
func newEmbed(e Embedder, retry fn.RetryOpts, latency *metrics.Histogram) fn.Stage[pendingRecord, embeddedRecord] {
	return fn.RetryStage(retry, func(ctx context.Context, p pendingRecord) fn.Result[embeddedRecord] {
		start := time.Now()
		vec, err := e.Embed(ctx, p.paper.EmbeddingText())
		if latency != nil {
			latency.Since(start)
		}
		if err != nil {
			return fn.Err[embeddedRecord](fmt.Errorf("embed: %w", err))
		}
		return fn.Ok(embeddedRecord{pendingRecord: p, vector: vec})
	})
}

// newStore creates a Store stage that upserts the vector under a fresh random id.
func newStore(s Store) fn.Stage[embeddedRecord, storedRecord] {
	return func(ctx context.Context, r embeddedRecord) fn.Result[storedRecord] {
		id := uuid.NewString()
		err := s.Upsert(ctx, []semantic.VectorRecord{{ID: id, Embedding: r.vector, Paper: r.paper}})
		if err != nil {
			return fn.Err[storedRecord](fmt.Errorf("vector upsert: %w", err))
		}
		return fn.Ok(storedRecord{embeddedRecord: r, id: id})
	}
}

// newRecordPipeline composes Embed → Store → confirm under one span.
func newRecordPipeline(e Embedder, s Store, retry fn.RetryOpts, latency *metrics.Histogram, confirm fn.Stage[storedRecord, storedRecord]) fn.Stage[pendingRecord, storedRecord] {
	stored := fn.Then(newEmbed(e, retry, latency), newStore(s))
	return fn.TracedStage("ingest.record", fn.Then(stored, confirm))
}

type trackerMetrics struct {
	runs             *metrics.Counter
	recreations      *metrics.Counter
	documentsScanned *metrics.Counter
	embedSeconds     *metrics.Histogram
	embedRetries     *metrics.Counter
	reg              *metrics.Registry
}

func newTrackerMetrics(reg *metrics.Registry) trackerMetrics {
	return trackerMetrics{
		runs:             reg.Counter("paperqa_ingest_runs_total", "Synchronize calls"),
		recreations:      reg.Counter("paperqa_ingest_recreations_total", "Collection recreations"),
		documentsScanned: reg.Counter("paperqa_ingest_documents_scanned_total", "Documents seen by Synchronize"),
		embedSeconds:     reg.Histogram("paperqa_ingest_embed_duration_seconds", "Embedding call latency", nil),
		embedRetries:     reg.Counter("paperqa_ingest_embed_retries_total", "Embedding attempts retried"),
		reg:              reg,
	}
}

func (m trackerMetrics) documents(outcome string) *metrics.Counter {
	return m.reg.Counter(metrics.WithLabels("paperqa_ingest_documents_total", "outcome", outcome), "Documents by outcome")
}

func (m trackerMetrics) records(outcome string) *metrics.Counter {
	return m.reg.Counter(metrics.WithLabels("paperqa_ingest_records_total", "outcome", outcome), "Records by outcome")
}
