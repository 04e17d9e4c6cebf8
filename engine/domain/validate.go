package domain

import (
	"strconv"
	"strings"
)

// ValidatePaper checks a PaperRecord before it is embedded. A record with an
// empty or placeholder abstract never reaches the vector store.
func ValidatePaper(p PaperRecord) error {
	abstract := strings.TrimSpace(p.Abstract)
	if abstract == "" || abstract == NoneAbstract {
		return NewValidationError("abstract", p.Abstract, ErrEmptyAbstract)
	}
	if strings.TrimSpace(p.Title) == "" {
		return NewValidationError("title", p.Title, ErrEmptyTitle)
	}
	return nil
}

// MaxLimit is the largest result count a single search may ask for.
const MaxLimit = 100

// ValidateQuery checks a search query and its requested result count.
func ValidateQuery(query string, limit int) error {
	if strings.TrimSpace(query) == "" {
		return NewValidationError("query", query, ErrEmptyQuery)
	}
	if limit <= 0 || limit > MaxLimit {
		return NewValidationError("limit", strconv.Itoa(limit), ErrInvalidLimit)
	}
	return nil
}
