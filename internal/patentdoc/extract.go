// Package patentdoc extracts structure from raw patent document text.
//
// Patent full texts arrive as loosely formatted plain text whose layout varies
// by source and era. Every extractor here is a cascade of patterns with a
// fallback, so callers always get a usable (if degraded) result instead of an
// error.
package patentdoc

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	abstractFallbackChars = 500
	maxScanChars          = 12000
)

var (
	// Go's regexp caps repeat counts at 1000, so {40,2500} is split into
	// chained lazy quantifiers that match the same lengths in the same order.
	abstractHeadingRe = regexp.MustCompile(`(?is)\n\s*abstract\s*[:\n]\s*(.{40,1000}?.{0,1000}?.{0,500}?)(?:\n\s*\n|\n\s*(?:claims|background|field of|technical field|description|summary)\b)`)
	abstractLabelRe   = regexp.MustCompile(`(?is)\babstract\s*[:\-]\s*(.{40,1000}?.{0,1000}?.{0,500}?)(?:\n\s*\n)`)

	patentNumberLabeledRe = regexp.MustCompile(`(?i)\b(?:patent|publication)\s*(?:no\.?|number|#)\s*[:#]?\s*((?:US|EP|WO|JP|CN|KR|DE|GB)\s?-?\s?\d[\d,./]*\s?[AB]?\d?)`)
	patentNumberLooseRe   = regexp.MustCompile(`\b((?:US|EP|WO|JP|CN|KR|DE|GB)\s?\d{4,11}\s?(?:[AB]\d)?)\b`)
	patentNumberDigitsRe  = regexp.MustCompile(`\b(\d{7,11})\b`)

	applicationNumberRe = regexp.MustCompile(`(?i)\b(?:application|appl\.?)\s*(?:no\.?|number|#)\s*[:#]?\s*([\d/,．-]{6,20})`)
	filingDateRe        = regexp.MustCompile(`(?i)\bfil(?:ed|ing date)\s*[:\-]?\s*([A-Z][a-z]+\.?\s+\d{1,2},\s+\d{4}|\d{4}-\d{2}-\d{2})`)
	publicationDateRe   = regexp.MustCompile(`(?i)\b(?:date of patent|publication date|pub\.?\s*date|granted|issued)\s*[:\-]?\s*([A-Z][a-z]+\.?\s+\d{1,2},\s+\d{4}|\d{4}-\d{2}-\d{2})`)
	assigneeRe          = regexp.MustCompile(`(?i)\bassignee(?:\(s\))?\s*[:\-]\s*([^\n]{2,160})`)
	claimLineRe         = regexp.MustCompile(`(?m)^\s*(\d{1,3})\s*[.)]\s+(?:\S+\s+){2,}`)
)

// Metadata holds field-by-field extraction results. Every field is optional;
// absence is normal for free-text sources.
type Metadata struct {
	PatentNumber      string   `json:"patentNumber,omitempty"`
	PublicationDate   string   `json:"publicationDate,omitempty"`
	ApplicationNumber string   `json:"applicationNumber,omitempty"`
	FilingDate        string   `json:"filingDate,omitempty"`
	Assignees         []string `json:"assignees,omitempty"`
	ClaimsCount       int      `json:"claimsCount,omitempty"`
}

// Sections holds the named sections of a patent document. A nil-equivalent
// empty string means the section was requested but not found.
type Sections struct {
	Abstract    string `json:"abstract,omitempty"`
	Claims      string `json:"claims,omitempty"`
	Description string `json:"description,omitempty"`
	Citations   string `json:"citations,omitempty"`
	Drawings    string `json:"drawings,omitempty"`
}

// ExtractAbstract locates an abstract via heading match, labeled match, then a
// bounded prefix fallback. It never returns an empty string for non-empty input.
func ExtractAbstract(text string) string {
	s := scanWindow(text)
	if m := abstractHeadingRe.FindStringSubmatch("\n" + s); len(m) == 2 {
		return collapseWhitespace(m[1])
	}
	if m := abstractLabelRe.FindStringSubmatch(s); len(m) == 2 {
		return collapseWhitespace(m[1])
	}
	trimmed := collapseWhitespace(s)
	if trimmed == "" {
		return "No abstract available"
	}
	if len(trimmed) > abstractFallbackChars {
		trimmed = trimmed[:abstractFallbackChars] + "..."
	}
	return trimmed
}

// UnknownPatentNumber is returned when no extractor matched. It is a valid,
// if degenerate, cache key; callers caching multiple documents must
// disambiguate it themselves.
const UnknownPatentNumber = "Unknown"

// ExtractPatentNumber cascades structured field -> loose format -> bare digit
// run -> title -> UnknownPatentNumber.
func ExtractPatentNumber(text, fallbackTitle string) string {
	s := scanWindow(text)
	if m := patentNumberLabeledRe.FindStringSubmatch(s); len(m) == 2 {
		return normalizeNumber(m[1])
	}
	if m := patentNumberLooseRe.FindStringSubmatch(s); len(m) == 2 {
		return normalizeNumber(m[1])
	}
	if m := patentNumberLooseRe.FindStringSubmatch(fallbackTitle); len(m) == 2 {
		return normalizeNumber(m[1])
	}
	if m := patentNumberDigitsRe.FindStringSubmatch(fallbackTitle); len(m) == 2 {
		return "US" + m[1]
	}
	return UnknownPatentNumber
}

// ExtractMetadata runs every field extractor independently. A field that does
// not match stays zero.
func ExtractMetadata(text string) Metadata {
	s := scanWindow(text)
	md := Metadata{}
	if n := ExtractPatentNumber(text, ""); n != UnknownPatentNumber {
		md.PatentNumber = n
	}
	if m := publicationDateRe.FindStringSubmatch(s); len(m) == 2 {
		md.PublicationDate = strings.TrimSpace(m[1])
	}
	if m := applicationNumberRe.FindStringSubmatch(s); len(m) == 2 {
		md.ApplicationNumber = strings.TrimSpace(strings.Trim(m[1], " ,-"))
	}
	if m := filingDateRe.FindStringSubmatch(s); len(m) == 2 {
		md.FilingDate = strings.TrimSpace(m[1])
	}
	if m := assigneeRe.FindStringSubmatch(s); len(m) == 2 {
		md.Assignees = splitAssignees(m[1])
	}
	md.ClaimsCount = countClaims(text)
	return md
}

// SectionAll requests every section from ExtractSections.
const SectionAll = "all"

// ExtractSections extracts only the requested sections. An empty or
// all-containing request set means everything. Each section independently
// succeeds or stays empty; partial results are valid.
func ExtractSections(text string, requested []string) Sections {
	want := map[string]bool{}
	all := len(requested) == 0
	for _, r := range requested {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == SectionAll {
			all = true
		}
		want[r] = true
	}
	out := Sections{}
	if all || want["abstract"] {
		out.Abstract = ExtractAbstract(text)
	}
	if all || want["claims"] {
		out.Claims = extractSpan(text, claimsStartRe)
	}
	if all || want["description"] {
		out.Description = extractSpan(text, descriptionStartRe)
	}
	if all || want["citations"] {
		out.Citations = extractSpan(text, citationsStartRe)
	}
	if all || want["drawings"] {
		out.Drawings = extractSpan(text, drawingsStartRe)
	}
	return out
}

var (
	claimsStartRe      = regexp.MustCompile(`(?im)^\s*(?:claims?|what is claimed is|we claim|i claim)\s*[:.]?\s*$`)
	descriptionStartRe = regexp.MustCompile(`(?im)^\s*(?:detailed description(?: of the (?:invention|embodiments))?|description)\s*[:.]?\s*$`)
	citationsStartRe   = regexp.MustCompile(`(?im)^\s*(?:references cited|citations|cited references)\s*[:.]?\s*$`)
	drawingsStartRe    = regexp.MustCompile(`(?im)^\s*(?:brief description of (?:the )?drawings|drawings)\s*[:.]?\s*$`)

	anySectionStartRe = regexp.MustCompile(`(?im)^\s*(?:abstract|claims?|what is claimed is|we claim|i claim|detailed description(?: of the (?:invention|embodiments))?|description|references cited|citations|cited references|brief description of (?:the )?drawings|drawings|background(?: of the invention)?|summary(?: of the invention)?|field of the invention|technical field)\s*[:.]?\s*$`)
)

const maxSectionChars = 30000

// extractSpan returns the text between a section heading and the next known
// heading (or end of document), bounded to keep tool payloads within token
// budgets.
func extractSpan(text string, start *regexp.Regexp) string {
	loc := start.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	rest := text[loc[1]:]
	if next := anySectionStartRe.FindStringIndex(rest); next != nil {
		rest = rest[:next[0]]
	}
	rest = strings.TrimSpace(rest)
	if len(rest) > maxSectionChars {
		rest = rest[:maxSectionChars] + "\n\n[TRUNCATED]"
	}
	return rest
}

func countClaims(text string) int {
	loc := claimsStartRe.FindStringIndex(text)
	if loc == nil {
		return 0
	}
	span := text[loc[1]:]
	if next := anySectionStartRe.FindStringIndex(span); next != nil {
		span = span[:next[0]]
	}
	highest := 0
	for _, m := range claimLineRe.FindAllStringSubmatch(span, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		// Claim numbering is sequential; the highest number is the count.
		if n > highest && n <= 500 {
			highest = n
		}
	}
	return highest
}

func scanWindow(text string) string {
	if len(text) > maxScanChars {
		return text[:maxScanChars]
	}
	return text
}

func normalizeNumber(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer(",", "", ".", "", "/", "", "-", "", " ", "").Replace(s)
	return s
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func splitAssignees(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(p, " ,"))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
