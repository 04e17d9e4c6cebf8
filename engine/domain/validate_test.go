package domain

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func validPaper() PaperRecord {
	return PaperRecord{
		Title:          "Discovering governing equations from data",
		Abstract:       "We propose sparse identification of nonlinear dynamics from measurement data.",
		SourceDocument: "2024-01.md",
	}
}

func TestValidatePaper_Valid(t *testing.T) {
	if err := ValidatePaper(validPaper()); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidatePaper_EmptyAbstract(t *testing.T) {
	for _, abstract := range []string{"", "   ", "None", " None "} {
		p := validPaper()
		p.Abstract = abstract
		err := ValidatePaper(p)
		if !errors.Is(err, ErrEmptyAbstract) {
			t.Errorf("abstract %q: expected ErrEmptyAbstract, got %v", abstract, err)
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("abstract %q: expected ErrValidation in chain", abstract)
		}
	}
}

func TestValidatePaper_EmptyTitle(t *testing.T) {
	p := validPaper()
	p.Title = " "
	if err := ValidatePaper(p); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
}

func TestValidateQuery(t *testing.T) {
	tests := []struct {
		query string
		limit int
		want  error
	}{
		{"sparse regression", 3, nil},
		{"", 3, ErrEmptyQuery},
		{"  ", 3, ErrEmptyQuery},
		{"sparse regression", 0, ErrInvalidLimit},
		{"sparse regression", -2, ErrInvalidLimit},
		{"sparse regression", MaxLimit, nil},
		{"sparse regression", MaxLimit + 1, ErrInvalidLimit},
		{"sparse regression", math.MaxInt/2 + 1, ErrInvalidLimit},
	}
	for _, tt := range tests {
		err := ValidateQuery(tt.query, tt.limit)
		if tt.want == nil {
			if err != nil {
				t.Errorf("ValidateQuery(%q, %d) = %v, want nil", tt.query, tt.limit, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("ValidateQuery(%q, %d) = %v, want %v", tt.query, tt.limit, err, tt.want)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	ve := NewValidationError("limit", "-1", ErrInvalidLimit)
	s := ve.Error()
	if !strings.Contains(s, "limit") || !strings.Contains(s, "-1") {
		t.Fatalf("unexpected error string: %s", s)
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("ollama", "embed", cause)
	if !errors.Is(err, ErrTransientService) {
		t.Fatal("expected ErrTransientService")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if errors.Is(err, ErrMalformedResponse) {
		t.Fatal("unexpected ErrMalformedResponse")
	}

	m := Malformed("ollama", "generate", nil)
	m.Status = 400
	if !errors.Is(m, ErrMalformedResponse) {
		t.Fatal("expected ErrMalformedResponse")
	}
	if !strings.Contains(m.Error(), "status 400") {
		t.Fatalf("expected status in message: %s", m.Error())
	}
}

func TestExtractionError(t *testing.T) {
	err := &ExtractionError{Source: "a.md", Row: 3, Reason: "missing link"}
	if !errors.Is(err, ErrExtraction) {
		t.Fatal("expected ErrExtraction")
	}
	if !strings.Contains(err.Error(), "a.md row 3") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestEmbeddingText(t *testing.T) {
	p := PaperRecord{Title: "T", Abstract: "A"}
	if got := p.EmbeddingText(); got != "T\nA" {
		t.Fatalf("EmbeddingText = %q", got)
	}
}
