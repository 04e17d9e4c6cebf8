package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/WessleyAI/paperqa/engine/domain"
)

// MinKeyPrefix is the smallest abstract prefix allowed in a record key.
const MinKeyPrefix = 100

// keySep cannot occur in normalized text.
const keySep = "\x1f"

// RecordKey identifies a paper for deduplication: its normalized title plus
// the first prefix runes of its normalized abstract. Papers sharing a title
// but differing early in the abstract stay distinct.
func RecordKey(p domain.PaperRecord, prefix int) string {
	if prefix < MinKeyPrefix {
		prefix = MinKeyPrefix
	}
	abstract := normalize(p.Abstract)
	if utf8.RuneCountInString(abstract) > prefix {
		abstract = string([]rune(abstract)[:prefix])
	}
	return normalize(p.Title) + keySep + abstract
}

// normalize lowercases s, turns control characters into spaces and
// collapses whitespace runs to one space.
func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
