package rag

import (
	"encoding/json"
	"strings"
)

// Section is a labelled part of a generated answer.
type Section int

const (
	// SectionMain holds text before the first header and any "Answer" section.
	SectionMain Section = iota
	SectionKeyFindings
	SectionMethodology
	SectionLimitations
	SectionFurtherReading
)

var sectionNames = [...]string{
	SectionMain:           "Answer",
	SectionKeyFindings:    "Key Findings",
	SectionMethodology:    "Methodology",
	SectionLimitations:    "Limitations",
	SectionFurtherReading: "Further Reading",
}

func (s Section) String() string {
	if s < 0 || int(s) >= len(sectionNames) {
		return "Unknown"
	}
	return sectionNames[s]
}

// AllSections lists sections in display order.
func AllSections() []Section {
	return []Section{SectionMain, SectionKeyFindings, SectionMethodology, SectionLimitations, SectionFurtherReading}
}

func sectionHeaders() []string {
	out := make([]string, 0, len(sectionNames))
	for _, s := range AllSections() {
		out = append(out, s.String())
	}
	return out
}

// Sections maps each present section to its trimmed text.
type Sections map[Section]string

// MarshalJSON keys sections by name.
func (s Sections) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(s))
	for k, v := range s {
		m[k.String()] = v
	}
	return json.Marshal(m)
}

// lookupHeader matches a normalized label against the known headers.
func lookupHeader(label string) (Section, bool) {
	for _, s := range AllSections() {
		if strings.EqualFold(label, s.String()) {
			return s, true
		}
	}
	return 0, false
}

// ParseSections splits text line by line. It starts in the main section; a
// line that is a known header, optionally decorated with markdown and
// followed by a colon and inline text, switches the current section. Other
// lines belong to the current section. Sections with no text are omitted.
func ParseSections(text string) Sections {
	buf := make(map[Section]*strings.Builder)
	current := SectionMain
	add := func(line string) {
		b, ok := buf[current]
		if !ok {
			b = &strings.Builder{}
			buf[current] = b
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	for _, line := range strings.Split(text, "\n") {
		if sec, inline, ok := parseHeader(line); ok {
			current = sec
			if inline != "" {
				add(inline)
			}
			continue
		}
		add(line)
	}

	out := make(Sections, len(buf))
	for sec, b := range buf {
		if s := strings.TrimSpace(b.String()); s != "" {
			out[sec] = s
		}
	}
	return out
}

const decoration = "#*_ \t"

// parseHeader recognizes lines such as "## Key Findings", "**Methodology:**",
// or "Limitations: small sample" and returns any text after the colon.
func parseHeader(line string) (Section, string, bool) {
	s := strings.TrimLeft(strings.TrimSpace(line), decoration)
	if s == "" {
		return 0, "", false
	}
	label, rest, hasColon := strings.Cut(s, ":")
	label = strings.Trim(label, decoration)
	sec, ok := lookupHeader(label)
	if !ok {
		return 0, "", false
	}
	if !hasColon {
		return sec, "", true
	}
	return sec, strings.TrimSpace(strings.TrimLeft(rest, decoration)), true
}
