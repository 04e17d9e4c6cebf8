package ingest

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/engine/ledger"
	"github.com/WessleyAI/paperqa/engine/semantic"
)

// --- Fakes ---

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	fail  func(text string, call int) error
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.texts = append(e.texts, text)
	call := len(e.texts)
	fail := e.fail
	e.mu.Unlock()
	if fail != nil {
		if err := fail(text, call); err != nil {
			return nil, err
		}
	}
	return []float32{float32(len(text)), 1, 0, 0}, nil
}

func (e *fakeEmbedder) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.texts)
}

type fakeStore struct {
	mu             sync.Mutex
	points         map[string]semantic.VectorRecord
	recreated      int
	ensured        int
	deletedSources []string
	recreateErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{points: make(map[string]semantic.VectorRecord)}
}

func (s *fakeStore) Recreate(_ context.Context, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recreateErr != nil {
		return s.recreateErr
	}
	s.recreated++
	s.points = make(map[string]semantic.VectorRecord)
	return nil
}

func (s *fakeStore) EnsureCollection(_ context.Context, _ int) error {
	s.mu.Lock()
	s.ensured++
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Upsert(_ context.Context, records []semantic.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.points[r.ID] = r
	}
	return nil
}

func (s *fakeStore) DeleteBySource(_ context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedSources = append(s.deletedSources, source)
	for id, r := range s.points {
		if r.Paper.SourceDocument == source {
			delete(s.points, id)
		}
	}
	return nil
}

// titles returns "title@source" for every stored point, sorted.
func (s *fakeStore) titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.points))
	for _, r := range s.points {
		out = append(out, r.Paper.Title+"@"+filepath.Base(r.Paper.SourceDocument))
	}
	slices.Sort(out)
	return out
}

type fakeGraph struct {
	mu        sync.Mutex
	saved     map[string]domain.PaperRecord
	resets    int
	forgotten []string
}

func (g *fakeGraph) SavePaper(_ context.Context, id string, p domain.PaperRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saved == nil {
		g.saved = make(map[string]domain.PaperRecord)
	}
	g.saved[id] = p
	return nil
}

func (g *fakeGraph) ForgetDocument(_ context.Context, source string) error {
	g.mu.Lock()
	g.forgotten = append(g.forgotten, source)
	g.mu.Unlock()
	return nil
}

func (g *fakeGraph) Reset(context.Context) error {
	g.mu.Lock()
	g.resets++
	g.saved = nil
	g.mu.Unlock()
	return nil
}

// --- Fixture ---

type row struct{ title, abstract string }

func abstract(topic string) string {
	return "We study " + topic + " and report results on several benchmark systems, " +
		"comparing against established baselines across a range of noise levels."
}

type fixture struct {
	t          *testing.T
	dir        string
	ledgerPath string
	embed      *fakeEmbedder
	store      *fakeStore
	graph      *fakeGraph
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "markdowns")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		t:          t,
		dir:        dir,
		ledgerPath: filepath.Join(root, "processed_files.json"),
		embed:      &fakeEmbedder{},
		store:      newFakeStore(),
		graph:      &fakeGraph{},
		clock:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// write creates or replaces a document and gives it a fresh mtime.
func (f *fixture) write(name string, rows ...row) {
	f.t.Helper()
	var b strings.Builder
	b.WriteString("# Papers\n\n<table>\n<thead><tr><th>#</th><th>Title</th></tr></thead>\n<tbody>\n")
	for i, r := range rows {
		fmt.Fprintf(&b, "<tr id=\"%s\"><td>%d</td><td><a href=\"#\">%s</a></td></tr>\n",
			html.EscapeString(r.abstract), i+1, html.EscapeString(r.title))
	}
	b.WriteString("</tbody>\n</table>\n")

	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		f.t.Fatal(err)
	}
	f.clock = f.clock.Add(time.Minute)
	if err := os.Chtimes(path, f.clock, f.clock); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) remove(name string) {
	f.t.Helper()
	if err := os.Remove(filepath.Join(f.dir, name)); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) path(name string) string { return filepath.Join(f.dir, name) }

func testOptions(policy Policy) Options {
	opts := DefaultOptions()
	opts.Policy = policy
	opts.Dimensions = 4
	opts.Retry.InitialWait = time.Millisecond
	opts.Retry.MaxWait = time.Millisecond
	opts.Retry.Jitter = false
	return opts
}

// run simulates one process invocation: load the ledger, discover, synchronize.
func (f *fixture) run(opts Options) (Report, *ledger.Ledger, error) {
	f.t.Helper()
	l, err := ledger.Load(f.ledgerPath, nil)
	if err != nil {
		f.t.Fatalf("ledger.Load: %v", err)
	}
	tr, err := NewTracker(Deps{Embedder: f.embed, Store: f.store, Ledger: l, Graph: f.graph}, opts)
	if err != nil {
		f.t.Fatalf("NewTracker: %v", err)
	}
	docs, err := Discover(f.dir, "*.md", opts.Fingerprint, nil)
	if err != nil {
		f.t.Fatalf("Discover: %v", err)
	}
	rep, err := tr.Synchronize(context.Background(), docs)
	return rep, l, err
}

func (f *fixture) mustRun(opts Options) (Report, *ledger.Ledger) {
	f.t.Helper()
	rep, l, err := f.run(opts)
	if err != nil {
		f.t.Fatalf("Synchronize: %v", err)
	}
	return rep, l
}
