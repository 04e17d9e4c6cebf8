package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/engine/ledger"
	"github.com/WessleyAI/paperqa/pkg/metrics"
)

func TestSynchronize_FirstRun(t *testing.T) {
	f := newFixture(t)
	f.write("a.md",
		row{"Sparse Identification", abstract("sparse regression")},
		row{"No Abstract Paper", domain.NoneAbstract},
		row{"Empty Abstract Paper", "   "},
	)
	f.write("b.md", row{"Neural Operators", abstract("operator learning")})

	rep, l := f.mustRun(testOptions(PolicyFull))

	if rep.Stored != 2 || rep.Invalid != 2 || rep.Processed != 2 || !rep.Recreated {
		t.Fatalf("unexpected report %+v", rep)
	}
	want := []string{"Neural Operators@b.md", "Sparse Identification@a.md"}
	if got := f.store.titles(); !slices.Equal(got, want) {
		t.Fatalf("stored %v, want %v", got, want)
	}
	if docs, recs := l.Len(); docs != 2 || recs != 2 {
		t.Fatalf("ledger has %d docs, %d records", docs, recs)
	}
	if _, err := os.Stat(f.ledgerPath); err != nil {
		t.Fatalf("ledger not saved: %v", err)
	}
	if len(f.graph.saved) != 2 {
		t.Errorf("graph mirror got %d papers", len(f.graph.saved))
	}
	if !strings.HasPrefix(f.embed.texts[0], "Sparse Identification\nWe study") {
		t.Errorf("embedding text = %q", f.embed.texts[0])
	}
}

func TestSynchronize_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"One", abstract("one")}, row{"Two", abstract("two")})
	f.mustRun(testOptions(PolicyFull))
	calls := f.embed.calls()

	rep, _ := f.mustRun(testOptions(PolicyFull))
	if rep.Changed() || rep.Unchanged != 1 || rep.Stored != 0 {
		t.Fatalf("second run should do nothing: %+v", rep)
	}
	if f.embed.calls() != calls {
		t.Fatalf("embedder called again: %d → %d", calls, f.embed.calls())
	}
	if f.store.recreated != 1 {
		t.Fatalf("collection recreated %d times", f.store.recreated)
	}
}

func TestSynchronize_DuplicateAcrossDocuments(t *testing.T) {
	f := newFixture(t)
	shared := row{"Shared Paper", abstract("shared")}
	f.write("a.md", shared)
	f.write("b.md", row{"  shared   PAPER ", strings.ToUpper(abstract("shared"))}, row{"Other", abstract("other")})

	rep, l := f.mustRun(testOptions(PolicyFull))
	if rep.Stored != 2 || rep.Duplicates != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	rec, ok := l.Record(RecordKey(domain.PaperRecord{Title: shared.title, Abstract: shared.abstract}, MinKeyPrefix))
	if !ok || !slices.Equal(rec.AlsoIn, []string{f.path("b.md")}) {
		t.Fatalf("shared record = %+v", rec)
	}
}

func TestSynchronize_SameTitleDifferentAbstract(t *testing.T) {
	f := newFixture(t)
	f.write("a.md",
		row{"Deep Learning", abstract("images")},
		row{"Deep Learning", "A completely different abstract about language models and their scaling behaviour in practice."},
		row{"Deep Learning", abstract("images")},
	)
	rep, _ := f.mustRun(testOptions(PolicyFull))
	if rep.Stored != 2 || rep.Duplicates != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestSynchronize_FailedRecordLeavesDocumentUnledgered(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Good", abstract("good")}, row{"Bad", abstract("bad")})
	f.write("b.md", row{"Fine", abstract("fine")})
	f.embed.fail = func(text string, _ int) error {
		if strings.HasPrefix(text, "Bad\n") {
			return domain.Malformed("ollama", "embed", errors.New("empty embedding"))
		}
		return nil
	}

	rep, l := f.mustRun(testOptions(PolicyFull))
	if rep.Failed != 1 || rep.FailedDocuments != 1 || rep.Processed != 1 || rep.Stored != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, ok := l.Document(f.path("a.md")); ok {
		t.Fatal("document with a failed record must not be ledgered")
	}
	if _, ok := l.Document(f.path("b.md")); !ok {
		t.Fatal("clean document should be ledgered")
	}
	if _, ok := l.Record(RecordKey(domain.PaperRecord{Title: "Bad", Abstract: abstract("bad")}, MinKeyPrefix)); ok {
		t.Fatal("failed record must not enter the ledger")
	}

	f.embed.fail = nil
	rep, _ = f.mustRun(testOptions(PolicyFull))
	if !rep.Recreated || rep.Stored != 3 {
		t.Fatalf("retry run should rebuild everything: %+v", rep)
	}
	want := []string{"Bad@a.md", "Fine@b.md", "Good@a.md"}
	if got := f.store.titles(); !slices.Equal(got, want) {
		t.Fatalf("stored %v, want %v", got, want)
	}
}

func TestSynchronize_TransientEmbedIsRetried(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Flaky", abstract("flaky")})
	f.embed.fail = func(_ string, call int) error {
		if call == 1 {
			return domain.Transient("ollama", "embed", errors.New("connection refused"))
		}
		return nil
	}
	rep, _ := f.mustRun(testOptions(PolicyFull))
	if rep.Stored != 1 || rep.Failed != 0 || f.embed.calls() != 2 {
		t.Fatalf("report %+v after %d calls", rep, f.embed.calls())
	}
}

func TestSynchronize_FullPolicyKeepsUnchangedPapers(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Alpha", abstract("alpha")})
	f.write("b.md", row{"Beta", abstract("beta")})
	f.mustRun(testOptions(PolicyFull))

	f.write("b.md", row{"Beta", abstract("beta")}, row{"Gamma", abstract("gamma")})
	rep, _ := f.mustRun(testOptions(PolicyFull))

	if !rep.Recreated || rep.Processed != 2 || rep.Unchanged != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	want := []string{"Alpha@a.md", "Beta@b.md", "Gamma@b.md"}
	if got := f.store.titles(); !slices.Equal(got, want) {
		t.Fatalf("stored %v, want %v", got, want)
	}
	if f.graph.resets != 2 {
		t.Errorf("graph resets = %d", f.graph.resets)
	}
}

func TestSynchronize_IncrementalPolicy(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Alpha", abstract("alpha")})
	f.write("b.md", row{"Beta", abstract("beta")})
	f.mustRun(testOptions(PolicyIncremental))
	calls := f.embed.calls()

	f.write("b.md", row{"Beta", abstract("beta")}, row{"Gamma", abstract("gamma")})
	rep, _ := f.mustRun(testOptions(PolicyIncremental))

	if rep.Recreated || rep.Processed != 1 || rep.Unchanged != 1 || rep.Stored != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if f.store.recreated != 0 {
		t.Fatal("incremental policy must not recreate the collection")
	}
	if f.embed.calls()-calls != 2 {
		t.Fatalf("expected 2 new embeddings, got %d", f.embed.calls()-calls)
	}
	want := []string{"Alpha@a.md", "Beta@b.md", "Gamma@b.md"}
	if got := f.store.titles(); !slices.Equal(got, want) {
		t.Fatalf("stored %v, want %v", got, want)
	}
}

func TestSynchronize_IncrementalRequeuesDuplicateHolders(t *testing.T) {
	f := newFixture(t)
	shared := row{"Shared", abstract("shared")}
	f.write("a.md", shared, row{"Alpha", abstract("alpha")})
	f.write("b.md", shared)
	f.mustRun(testOptions(PolicyIncremental))

	// a.md drops the shared paper; b.md still lists it and must own it now.
	f.write("a.md", row{"Alpha", abstract("alpha")})
	rep, l := f.mustRun(testOptions(PolicyIncremental))

	if rep.Processed != 2 {
		t.Fatalf("expected a.md and b.md processed, got %+v", rep)
	}
	want := []string{"Alpha@a.md", "Shared@b.md"}
	if got := f.store.titles(); !slices.Equal(got, want) {
		t.Fatalf("stored %v, want %v", got, want)
	}
	rec, _ := l.Record(RecordKey(domain.PaperRecord{Title: shared.title, Abstract: shared.abstract}, MinKeyPrefix))
	if rec.SourceDocument != f.path("b.md") {
		t.Fatalf("shared paper owned by %q", rec.SourceDocument)
	}
}

func TestSynchronize_VanishedDocument(t *testing.T) {
	for _, policy := range []Policy{PolicyFull, PolicyIncremental} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture(t)
			f.write("a.md", row{"Alpha", abstract("alpha")})
			f.write("b.md", row{"Beta", abstract("beta")})
			f.mustRun(testOptions(policy))

			f.remove("b.md")
			rep, l := f.mustRun(testOptions(policy))
			if rep.Vanished != 1 {
				t.Fatalf("unexpected report %+v", rep)
			}
			if got := f.store.titles(); !slices.Equal(got, []string{"Alpha@a.md"}) {
				t.Fatalf("stored %v", got)
			}
			if slices.Contains(l.DocumentPaths(), f.path("b.md")) {
				t.Fatal("vanished document still in ledger")
			}
		})
	}
}

func TestSynchronize_CorruptLedgerReprocessesEverything(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Alpha", abstract("alpha")})
	f.mustRun(testOptions(PolicyFull))

	if err := os.WriteFile(f.ledgerPath, []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, l := f.mustRun(testOptions(PolicyFull))
	if !errors.Is(l.Recovered(), domain.ErrLedgerCorruption) {
		t.Fatalf("expected recovered corruption, got %v", l.Recovered())
	}
	if !rep.Recreated || rep.Stored != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := f.store.titles(); !slices.Equal(got, []string{"Alpha@a.md"}) {
		t.Fatalf("stored %v", got)
	}
}

func TestSynchronize_RecreateFailureKeepsLedgerEmpty(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Alpha", abstract("alpha")})
	f.store.recreateErr = domain.Transient("qdrant", "create collection", errors.New("unavailable"))

	_, l, err := f.run(testOptions(PolicyFull))
	if !errors.Is(err, domain.ErrTransientService) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if docs, recs := l.Len(); docs != 0 || recs != 0 {
		t.Fatalf("ledger should be empty, got %d/%d", docs, recs)
	}
	if f.embed.calls() != 0 {
		t.Fatal("nothing should be embedded")
	}
}

func TestSynchronize_ParallelWorkersStoreEachKeyOnce(t *testing.T) {
	f := newFixture(t)
	var rows []row
	for _, topic := range []string{"a", "b", "c", "d", "e", "f"} {
		rows = append(rows, row{"Paper " + topic, abstract(topic)})
	}
	rows = append(rows, rows[0], rows[3])
	f.write("a.md", rows...)

	opts := testOptions(PolicyFull)
	opts.Workers = 4
	rep, l := f.mustRun(opts)
	if rep.Stored != 6 || rep.Duplicates != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(f.store.titles()) != 6 {
		t.Fatalf("store has %d points", len(f.store.titles()))
	}
	if _, recs := l.Len(); recs != 6 {
		t.Fatalf("ledger has %d records", recs)
	}
}

func TestSynchronize_DocumentWithoutTable(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.path("notes.md"), []byte("# Notes\n\nnothing tabular"), 0o644); err != nil {
		t.Fatal(err)
	}
	rep, l := f.mustRun(testOptions(PolicyFull))
	if rep.Processed != 1 || rep.Stored != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, ok := l.Document(f.path("notes.md")); !ok {
		t.Fatal("empty document should still be ledgered")
	}
}

func TestSynchronize_SHA256IgnoresTouch(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Alpha", abstract("alpha")})
	opts := testOptions(PolicyFull)
	opts.Fingerprint = FingerprintSHA256
	f.mustRun(opts)

	f.write("a.md", row{"Alpha", abstract("alpha")}) // same bytes, new mtime
	rep, _ := f.mustRun(opts)
	if rep.Changed() {
		t.Fatalf("touch should not count as a change: %+v", rep)
	}

	rep, _ = f.mustRun(testOptions(PolicyFull))
	if !rep.Changed() {
		t.Fatal("stat fingerprint should see the new mtime")
	}
}

func TestSynchronize_DanglingDocumentDoesNotAbortRun(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Alpha", abstract("alpha")})
	if err := os.Symlink(f.path("gone.md"), f.path("b.md")); err != nil {
		t.Fatal(err)
	}
	for _, fp := range []Fingerprint{FingerprintStat, FingerprintSHA256} {
		opts := testOptions(PolicyFull)
		opts.Fingerprint = fp
		f.store = newFakeStore()
		f.ledgerPath = filepath.Join(t.TempDir(), "ledger.json")
		rep, l := f.mustRun(opts)
		if rep.Stored != 1 || rep.Processed != 1 {
			t.Fatalf("%s: report %+v", fp, rep)
		}
		if got := l.DocumentPaths(); !slices.Equal(got, []string{f.path("a.md")}) {
			t.Fatalf("%s: ledger documents %v", fp, got)
		}
	}
}

func TestSynchronize_UnreadableDocumentFailsAlone(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Alpha", abstract("alpha")})
	f.write("b.md", row{"Beta", abstract("beta")})
	opts := testOptions(PolicyFull)
	opts.Fingerprint = FingerprintSHA256
	f.mustRun(opts)

	l, err := ledger.Load(f.ledgerPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := NewTracker(Deps{Embedder: f.embed, Store: f.store, Ledger: l}, opts)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := Discover(f.dir, "*.md", FingerprintSHA256, nil)
	if err != nil {
		t.Fatal(err)
	}
	// b.md disappears between discovery and hashing.
	docs[1].SHA256 = ""
	f.remove("b.md")

	rep, err := tr.Synchronize(context.Background(), docs)
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if rep.FailedDocuments != 1 || rep.Vanished != 0 || rep.Unchanged != 1 || rep.Recreated {
		t.Fatalf("unexpected report %+v", rep)
	}
	if !slices.Contains(l.DocumentPaths(), f.path("b.md")) {
		t.Fatal("unreadable document was dropped from the ledger")
	}
	if got := f.store.titles(); !slices.Equal(got, []string{"Alpha@a.md", "Beta@b.md"}) {
		t.Fatalf("stored %v", got)
	}
}

func TestSynchronize_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Alpha", abstract("alpha")})
	l := ledger.New(f.ledgerPath)
	tr, err := NewTracker(Deps{Embedder: f.embed, Store: f.store, Ledger: l}, testOptions(PolicyFull))
	if err != nil {
		t.Fatal(err)
	}
	docs, _ := Discover(f.dir, "*.md", FingerprintStat, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Synchronize(ctx, docs); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.embed.calls() != 0 {
		t.Fatal("no record should be embedded after cancellation")
	}
}

func TestSynchronize_Metrics(t *testing.T) {
	f := newFixture(t)
	f.write("a.md", row{"Alpha", abstract("alpha")}, row{"Nothing", domain.NoneAbstract})
	f.embed.fail = func(_ string, call int) error {
		if call == 1 {
			return domain.Transient("ollama", "embed", errors.New("timeout"))
		}
		return nil
	}
	reg := metrics.New()
	l := ledger.New(f.ledgerPath)
	tr, err := NewTracker(Deps{Embedder: f.embed, Store: f.store, Ledger: l, Metrics: reg}, testOptions(PolicyFull))
	if err != nil {
		t.Fatal(err)
	}
	docs, _ := Discover(f.dir, "*.md", FingerprintStat, nil)
	if _, err := tr.Synchronize(context.Background(), docs); err != nil {
		t.Fatal(err)
	}
	out := reg.Render()
	for _, want := range []string{
		`paperqa_ingest_records_total{outcome="stored"} 1`,
		`paperqa_ingest_records_total{outcome="invalid"} 1`,
		`paperqa_ingest_documents_total{outcome="processed"} 1`,
		"paperqa_ingest_recreations_total 1",
		"paperqa_ingest_embed_retries_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestNewTracker_Validation(t *testing.T) {
	l := ledger.New("unused")
	if _, err := NewTracker(Deps{Store: newFakeStore(), Ledger: l}, DefaultOptions()); err == nil {
		t.Error("missing embedder should fail")
	}
	opts := DefaultOptions()
	opts.Policy = "sometimes"
	if _, err := NewTracker(Deps{Embedder: &fakeEmbedder{}, Store: newFakeStore(), Ledger: l}, opts); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown policy: %v", err)
	}
	opts = DefaultOptions()
	opts.Dimensions = 0
	if _, err := NewTracker(Deps{Embedder: &fakeEmbedder{}, Store: newFakeStore(), Ledger: l}, opts); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero dimensions: %v", err)
	}
}
