package graph

import (
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/paperqa/pkg/repo"
)

const (
	paperLabel    = "Paper"
	documentLabel = "Document"
)

func newPaperRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[PaperNode, string] {
	return repo.NewNeo4jRepo[PaperNode, string](driver, paperLabel, paperToMap, paperFromRecord)
}

func newDocumentRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[DocumentNode, string] {
	return repo.NewNeo4jRepo[DocumentNode, string](driver, documentLabel, documentToMap, documentFromRecord,
		repo.WithIDKey[DocumentNode, string]("path"))
}

func paperToMap(p PaperNode) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"title":           p.Title,
		"abstract":        p.Abstract,
		"source_document": p.SourceDocument,
	}
}

func paperFromRecord(rec *neo4j.Record) (PaperNode, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return PaperNode{}, err
	}
	return paperFromProps(node.Props), nil
}

func paperFromProps(props map[string]any) PaperNode {
	return PaperNode{
		ID:             strProp(props, "id"),
		Title:          strProp(props, "title"),
		Abstract:       strProp(props, "abstract"),
		SourceDocument: strProp(props, "source_document"),
	}
}

func documentToMap(d DocumentNode) map[string]any {
	return map[string]any{"path": d.Path, "name": d.Name}
}

func documentFromRecord(rec *neo4j.Record) (DocumentNode, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return DocumentNode{}, err
	}
	return DocumentNode{Path: strProp(node.Props, "path"), Name: strProp(node.Props, "name")}, nil
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
