package semantic

import "github.com/WessleyAI/paperqa/engine/domain"

// Payload keys stored with every point.
const (
	payloadTitle          = "title"
	payloadAbstract       = "abstract"
	payloadSourceDocument = "source_document"
)

// VectorRecord is a single paper vector to store in Qdrant.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Paper     domain.PaperRecord
}

// SearchResult is a stored paper with its similarity score.
type SearchResult = domain.ScoredPaper
