package extract

import (
	"errors"
	"strings"
	"testing"

	"github.com/WessleyAI/paperqa/engine/domain"
)

const sampleDoc = `# Papers for January

Some intro text in markdown.

<table>
<thead><tr><th>#</th><th>Title</th></tr></thead>
<tbody>
<tr id="We identify governing equations using sparse regression &amp; model selection.">
  <td>1</td><td><a href="https://arxiv.org/abs/1">  Sparse Identification of Dynamics </a></td>
</tr>
<tr id="None">
  <td>2</td><td><a href="https://arxiv.org/abs/2">Paper Without Abstract</a></td>
</tr>
<tr id="An abstract">
  <td>3</td><td>No link here</td>
</tr>
<tr id="Lonely">
  <td>4</td>
</tr>
<tr>
  <td>5</td><td><a href="x"><em>Physics-informed</em> neural networks</a></td>
</tr>
</tbody>
</table>
`

func TestExtract_Rows(t *testing.T) {
	res, err := Extract(strings.NewReader(sampleDoc), "2024-01.md")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.NoTable {
		t.Fatal("expected table")
	}
	if res.Rows != 5 {
		t.Fatalf("expected 5 rows, got %d", res.Rows)
	}
	if len(res.Papers) != 3 {
		t.Fatalf("expected 3 papers, got %d: %+v", len(res.Papers), res.Papers)
	}

	first := res.Papers[0]
	if first.Title != "Sparse Identification of Dynamics" {
		t.Errorf("title not trimmed: %q", first.Title)
	}
	if first.Abstract != "We identify governing equations using sparse regression & model selection." {
		t.Errorf("abstract not unescaped: %q", first.Abstract)
	}
	if first.SourceDocument != "2024-01.md" {
		t.Errorf("source = %q", first.SourceDocument)
	}

	// Placeholder abstracts pass through extraction; validation rejects them later.
	if res.Papers[1].Abstract != domain.NoneAbstract {
		t.Errorf("expected None placeholder, got %q", res.Papers[1].Abstract)
	}
	if res.Papers[2].Title != "Physics-informed neural networks" {
		t.Errorf("nested text not joined: %q", res.Papers[2].Title)
	}
	if res.Papers[2].Abstract != "" {
		t.Errorf("missing id should give empty abstract, got %q", res.Papers[2].Abstract)
	}

	if len(res.Skipped) != 2 {
		t.Fatalf("expected 2 skipped rows, got %d", len(res.Skipped))
	}
	for _, s := range res.Skipped {
		if !errors.Is(s, domain.ErrExtraction) {
			t.Errorf("skipped row is not an extraction error: %v", s)
		}
	}
	if res.Skipped[0].Row != 3 || res.Skipped[1].Row != 4 {
		t.Errorf("unexpected skipped rows: %d, %d", res.Skipped[0].Row, res.Skipped[1].Row)
	}
}

func TestExtract_NoTable(t *testing.T) {
	res, err := Extract(strings.NewReader("# Just markdown\n\nNo table here."), "empty.md")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.NoTable || len(res.Papers) != 0 {
		t.Fatalf("expected NoTable, got %+v", res)
	}
}

func TestExtract_MultipleBodies(t *testing.T) {
	doc := `<table><tbody><tr id="a1"><td>1</td><td><a>One</a></td></tr></tbody></table>
<table><tbody><tr id="a2"><td>1</td><td><a>Two</a></td></tr></tbody></table>`
	res, err := Extract(strings.NewReader(doc), "multi.md")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Papers) != 2 || res.Papers[1].Title != "Two" {
		t.Fatalf("unexpected papers %+v", res.Papers)
	}
}
