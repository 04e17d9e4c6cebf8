// Package graph mirrors stored papers into Neo4j as
// (:Paper)-[:LISTED_IN]->(:Document) so related reading can be found
// through shared source documents.
package graph

// PaperNode is a stored paper. ID is the vector store point id.
type PaperNode struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Abstract       string `json:"abstract"`
	SourceDocument string `json:"source_document"`
}

// DocumentNode is a source document that lists papers.
type DocumentNode struct {
	Path string `json:"path"`
	Name string `json:"name"`
}
