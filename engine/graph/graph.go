package graph

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/pkg/repo"
)

const serviceName = "neo4j"

// nodeStore is the part of repo.Neo4jRepo the graph uses.
type nodeStore[T any] interface {
	List(ctx context.Context, opts repo.ListOpts) ([]T, error)
	DeleteAll(ctx context.Context) error
	Exec(ctx context.Context, cypher string, params map[string]any) error
	Query(ctx context.Context, cypher string, params map[string]any, each func(*neo4j.Record) error) error
}

// PaperGraph keeps the paper/document mirror in Neo4j.
type PaperGraph struct {
	papers nodeStore[PaperNode]
	docs   nodeStore[DocumentNode]
}

// New creates a PaperGraph on driver.
func New(driver neo4j.DriverWithContext) *PaperGraph {
	return &PaperGraph{papers: newPaperRepo(driver), docs: newDocumentRepo(driver)}
}

const savePaperCypher = `MERGE (d:Document {path: $source})
SET d.name = $name
MERGE (p:Paper {id: $id})
SET p += $props
MERGE (p)-[:LISTED_IN]->(d)`

// SavePaper stores p under its point id and links it to its source document.
func (g *PaperGraph) SavePaper(ctx context.Context, id string, p domain.PaperRecord) error {
	node := PaperNode{ID: id, Title: p.Title, Abstract: p.Abstract, SourceDocument: p.SourceDocument}
	err := g.papers.Exec(ctx, savePaperCypher, map[string]any{
		"id":     id,
		"source": p.SourceDocument,
		"name":   filepath.Base(p.SourceDocument),
		"props":  paperToMap(node),
	})
	return classify("save paper", err)
}

const forgetDocumentCypher = `MATCH (d:Document {path: $path})
OPTIONAL MATCH (p:Paper)-[:LISTED_IN]->(d)
DETACH DELETE p, d`

// ForgetDocument removes a document and the papers it owns.
func (g *PaperGraph) ForgetDocument(ctx context.Context, path string) error {
	return classify("forget document", g.docs.Exec(ctx, forgetDocumentCypher, map[string]any{"path": path}))
}

// Reset removes every paper and document node.
func (g *PaperGraph) Reset(ctx context.Context) error {
	if err := g.papers.DeleteAll(ctx); err != nil {
		return classify("reset papers", err)
	}
	return classify("reset documents", g.docs.DeleteAll(ctx))
}

// DocumentPapers lists the papers owned by a source document.
func (g *PaperGraph) DocumentPapers(ctx context.Context, path string, limit int) ([]PaperNode, error) {
	papers, err := g.papers.List(ctx, repo.ListOpts{Limit: limit, Filter: map[string]any{"source_document": path}})
	return papers, classify("document papers", err)
}

const relatedCypher = `MATCH (p:Paper)-[:LISTED_IN]->(d:Document)<-[:LISTED_IN]-(o:Paper)
WHERE p.title IN $titles AND NOT o.title IN $titles
RETURN o.title AS title, count(DISTINCT d) AS shared
ORDER BY shared DESC, title
LIMIT $limit`

// RelatedPapers returns titles of other papers listed in the same documents
// as titles, most shared documents first.
func (g *PaperGraph) RelatedPapers(ctx context.Context, titles []string, limit int) ([]string, error) {
	if len(titles) == 0 || limit <= 0 {
		return nil, nil
	}
	var out []string
	err := g.papers.Query(ctx, relatedCypher, map[string]any{"titles": titles, "limit": limit}, func(rec *neo4j.Record) error {
		v, ok := rec.Get("title")
		if !ok {
			return domain.Malformed(serviceName, "related papers", errors.New("missing title column"))
		}
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, classify("related papers", err)
	}
	return out, nil
}

// classify maps driver errors onto the domain taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.ServiceError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || neo4j.IsRetryable(err) {
		return domain.Transient(serviceName, op, err)
	}
	return fmt.Errorf("graph: %s: %w", op, err)
}
