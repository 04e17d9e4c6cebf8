// Package domain defines the core paper types, the error taxonomy, and the
// record validation gate used at the entry of the ingestion pipeline.
package domain

import "time"

// NoneAbstract is the placeholder the paper tables use for a missing abstract.
const NoneAbstract = "None"

// SourceDocument is one markdown file discovered during an ingestion run.
type SourceDocument struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	SHA256  string    `json:"sha256,omitempty"`
}

// PaperRecord is a (title, abstract) pair extracted from a source document.
type PaperRecord struct {
	Title          string `json:"title"`
	Abstract       string `json:"abstract"`
	SourceDocument string `json:"source_document"`
}

// EmbeddingText is the text sent to the embedding model for a record.
func (p PaperRecord) EmbeddingText() string {
	return p.Title + "\n" + p.Abstract
}

// ScoredPaper is a stored paper returned by a similarity search.
type ScoredPaper struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
	PaperRecord
}
