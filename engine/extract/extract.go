// Package extract pulls paper candidates out of markdown documents that embed
// an HTML table of papers. Each <tr> in a <tbody> carries the abstract in its
// id attribute and the title as the link text of its second cell.
package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/WessleyAI/paperqa/engine/domain"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// titleCell is the zero-based index of the cell holding the title link.
const titleCell = 1

// Result is the outcome of extracting one document.
type Result struct {
	// Papers are the rows that yielded a title. Abstracts are not validated here.
	Papers []domain.PaperRecord
	// Rows is the number of <tr> elements seen inside table bodies.
	Rows int
	// Skipped lists rows that could not be turned into a record.
	Skipped []*domain.ExtractionError
	// NoTable is set when the document has no <tbody> at all.
	NoTable bool
}

// Extract parses r and returns the paper candidates it contains. source is
// recorded on every record as its source document.
func Extract(r io.Reader, source string) (Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: parse: %w", source, err)
	}

	var res Result
	bodies := findAll(doc, atom.Tbody)
	if len(bodies) == 0 {
		res.NoTable = true
		return res, nil
	}

	for _, body := range bodies {
		for _, row := range childElements(body, atom.Tr) {
			res.Rows++
			p, reason := parseRow(row)
			if reason != "" {
				res.Skipped = append(res.Skipped, &domain.ExtractionError{Source: source, Row: res.Rows, Reason: reason})
				continue
			}
			p.SourceDocument = source
			res.Papers = append(res.Papers, p)
		}
	}
	return res, nil
}

func parseRow(row *html.Node) (domain.PaperRecord, string) {
	cells := childElements(row, atom.Td)
	if len(cells) <= titleCell {
		return domain.PaperRecord{}, fmt.Sprintf("expected at least %d cells, got %d", titleCell+1, len(cells))
	}
	links := findAll(cells[titleCell], atom.A)
	if len(links) == 0 {
		return domain.PaperRecord{}, "title cell has no link"
	}
	title := strings.TrimSpace(textContent(links[0]))
	if title == "" {
		return domain.PaperRecord{}, "empty title"
	}
	return domain.PaperRecord{
		Title:    title,
		Abstract: strings.TrimSpace(attr(row, "id")),
	}, ""
}

// findAll returns every descendant element of n with the given tag, in document order.
func findAll(n *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == tag {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func childElements(n *html.Node, tag atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == tag {
			out = append(out, c)
		}
	}
	return out
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
