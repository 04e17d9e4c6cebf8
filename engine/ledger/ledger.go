// Package ledger persists what an ingestion run has already done: a
// fingerprint per source document and the set of record keys already stored
// in the vector collection.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/WessleyAI/paperqa/engine/domain"
)

// Version is the on-disk schema version.
const Version = 1

// DocumentEntry is the fingerprint of a fully processed source document.
type DocumentEntry struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	SHA256  string    `json:"sha256,omitempty"`
}

// EntryFor builds the fingerprint of doc.
func EntryFor(doc domain.SourceDocument) DocumentEntry {
	return DocumentEntry{Size: doc.Size, ModTime: doc.ModTime, SHA256: doc.SHA256}
}

// Matches reports whether doc still has this fingerprint. With byHash the
// content hash replaces the modification time.
func (e DocumentEntry) Matches(doc domain.SourceDocument, byHash bool) bool {
	if e.Size != doc.Size {
		return false
	}
	if byHash {
		return e.SHA256 != "" && e.SHA256 == doc.SHA256
	}
	return e.ModTime.Equal(doc.ModTime)
}

// RecordEntry describes one stored paper.
type RecordEntry struct {
	Title          string   `json:"title"`
	SourceDocument string   `json:"source_document"`
	StoredID       string   `json:"stored_id"`
	AlsoIn         []string `json:"also_in,omitempty"`
}

type file struct {
	Version   int                      `json:"version"`
	Documents map[string]DocumentEntry `json:"documents"`
	Records   map[string]RecordEntry   `json:"records"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	path string

	mu        sync.Mutex
	documents map[string]DocumentEntry
	records   map[string]RecordEntry
	recovered error
}

// New returns an empty ledger that saves to path.
func New(path string) *Ledger {
	return &Ledger{
		path:      path,
		documents: make(map[string]DocumentEntry),
		records:   make(map[string]RecordEntry),
	}
}

// Load reads the ledger at path. A missing file yields an empty ledger. An
// unreadable or incompatible file is logged and also yields an empty ledger,
// so the next run reprocesses everything; Recovered reports what happened.
// Only I/O failures other than a missing file are returned.
func Load(path string, log *slog.Logger) (*Ledger, error) {
	if log == nil {
		log = slog.Default()
	}
	l := New(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		l.recovered = fmt.Errorf("%w: %s: %v", domain.ErrLedgerCorruption, path, err)
	} else if f.Version != Version {
		l.recovered = fmt.Errorf("%w: %s: unsupported version %d", domain.ErrLedgerCorruption, path, f.Version)
	}
	if l.recovered != nil {
		log.Warn("ledger unusable, starting empty", "path", path, "err", l.recovered)
		return l, nil
	}

	if f.Documents != nil {
		l.documents = f.Documents
	}
	if f.Records != nil {
		l.records = f.Records
	}
	return l, nil
}

// Recovered returns the corruption error Load recovered from, if any.
func (l *Ledger) Recovered() error { return l.recovered }

// Path is where Save writes.
func (l *Ledger) Path() string { return l.path }

// Document returns the fingerprint recorded for path.
func (l *Ledger) Document(path string) (DocumentEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.documents[path]
	return e, ok
}

// SetDocument records path as fully processed with the given fingerprint.
func (l *Ledger) SetDocument(path string, e DocumentEntry) {
	l.mu.Lock()
	l.documents[path] = e
	l.mu.Unlock()
}

// ForgetDocument drops the fingerprint for path.
func (l *Ledger) ForgetDocument(path string) {
	l.mu.Lock()
	delete(l.documents, path)
	l.mu.Unlock()
}

// DocumentPaths returns all fingerprinted paths, sorted.
func (l *Ledger) DocumentPaths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.documents))
	for p := range l.documents {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Record returns the entry stored under key.
func (l *Ledger) Record(key string) (RecordEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.records[key]
	return e, ok
}

// PutRecord stores e under key, replacing any previous entry.
func (l *Ledger) PutRecord(key string, e RecordEntry) {
	l.mu.Lock()
	l.records[key] = e
	l.mu.Unlock()
}

// NoteDuplicate remembers that doc also lists the paper stored under key.
// It returns false when key is unknown.
func (l *Ledger) NoteDuplicate(key, doc string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.records[key]
	if !ok {
		return false
	}
	if doc == e.SourceDocument || slices.Contains(e.AlsoIn, doc) {
		return true
	}
	e.AlsoIn = append(e.AlsoIn, doc)
	l.records[key] = e
	return true
}

// ForgetSource removes every record owned by source and strips source from
// the also_in lists of the rest. It returns the other documents that listed a
// removed record, sorted, so the caller can reprocess them.
func (l *Ledger) ForgetSource(source string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	orphaned := make(map[string]struct{})
	for key, e := range l.records {
		if e.SourceDocument == source {
			for _, d := range e.AlsoIn {
				if d != source {
					orphaned[d] = struct{}{}
				}
			}
			delete(l.records, key)
			continue
		}
		if i := slices.Index(e.AlsoIn, source); i >= 0 {
			e.AlsoIn = slices.Delete(slices.Clone(e.AlsoIn), i, i+1)
			l.records[key] = e
		}
	}

	out := make([]string, 0, len(orphaned))
	for d := range orphaned {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// Reset forgets all documents and records.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.documents = make(map[string]DocumentEntry)
	l.records = make(map[string]RecordEntry)
	l.mu.Unlock()
}

// Len returns the number of documents and records held.
func (l *Ledger) Len() (documents, records int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.documents), len(l.records)
}

// Save writes the ledger atomically: the JSON goes to a temp file in the
// same directory, is synced, and then renamed over the target.
func (l *Ledger) Save() error {
	l.mu.Lock()
	data, err := json.MarshalIndent(file{Version: Version, Documents: l.documents, Records: l.records}, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ledger: encode: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ledger: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ledger: rename: %w", err)
	}
	return nil
}
