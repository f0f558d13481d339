// Package artifacts stores charts and tables created during a conversation.
// Each record gets a stable reference id; assistant text embeds it with the
// fixed image-link form ![label](ref:<id>), which the client resolves to a
// rendered artifact.
package artifacts

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindChart Kind = "chart"
	KindTable Kind = "table"
)

type ChartType string

const (
	ChartLine    ChartType = "line"
	ChartBar     ChartType = "bar"
	ChartScatter ChartType = "scatter"
	ChartArea    ChartType = "area"
)

// Point is one datum. Y is required and numeric; Size and Label only carry
// meaning for scatter charts.
type Point struct {
	X     string   `json:"x"`
	Y     float64  `json:"y"`
	Size  *float64 `json:"size,omitempty"`
	Label string   `json:"label,omitempty"`
}

type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

type Chart struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Title      string    `json:"title"`
	Type       ChartType `json:"type"`
	XAxisLabel string    `json:"xAxisLabel,omitempty"`
	YAxisLabel string    `json:"yAxisLabel,omitempty"`
	Series     []Series  `json:"series"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Table struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Title     string     `json:"title"`
	Headers   []string   `json:"headers"`
	Rows      [][]string `json:"rows"`
	CreatedAt time.Time  `json:"createdAt"`
}

func ValidateChart(c Chart) error {
	switch c.Type {
	case ChartLine, ChartBar, ChartScatter, ChartArea:
	default:
		return fmt.Errorf("unsupported chart type %q", c.Type)
	}
	if len(c.Series) == 0 {
		return fmt.Errorf("chart needs at least one series")
	}
	for i, s := range c.Series {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("series %d has no name", i)
		}
		if len(s.Points) == 0 {
			return fmt.Errorf("series %q has no data points", s.Name)
		}
	}
	return nil
}

// ValidateTable enforces that every row is exactly as wide as the header.
func ValidateTable(headers []string, rows [][]string) error {
	if len(headers) == 0 {
		return fmt.Errorf("table needs at least one header")
	}
	for i, row := range rows {
		if len(row) != len(headers) {
			return fmt.Errorf("row %d has %d cells, expected %d to match headers", i, len(row), len(headers))
		}
	}
	return nil
}

// Ref returns the markdown embedding for an artifact id:
// ![label](ref:<id>). This form is a fixed contract with the rendering
// client.
func Ref(label, id string) string {
	return fmt.Sprintf("![%s](ref:%s)", label, id)
}

var refLinkRe = regexp.MustCompile(`!\[([^\]]*)\]\(ref:([0-9a-fA-F-]{8,})\)`)

// ExtractRefs returns artifact ids embedded in assistant markdown, in order
// of appearance.
func ExtractRefs(markdown string) []string {
	var out []string
	for _, m := range refLinkRe.FindAllStringSubmatch(markdown, -1) {
		out = append(out, m[2])
	}
	return out
}

// RewriteRefs replaces ref: destinations with resolvable URLs under base,
// leaving labels intact.
func RewriteRefs(markdown, base string) string {
	base = strings.TrimRight(base, "/")
	return refLinkRe.ReplaceAllString(markdown, fmt.Sprintf("![$1](%s/$2)", base))
}

// ChartMarkdown renders chart data as a GFM table, one column per series.
// The PDF exporter feeds this through goldmark; clients with a real chart
// renderer use the structured record instead.
func ChartMarkdown(c Chart) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", c.Title)
	b.WriteString("| " + orLabel(c.XAxisLabel, "x"))
	for _, s := range c.Series {
		b.WriteString(" | " + s.Name)
	}
	b.WriteString(" |\n|")
	for i := 0; i < len(c.Series)+1; i++ {
		b.WriteString("---|")
	}
	b.WriteString("\n")

	// Row per distinct x, preserving first-seen order.
	var xs []string
	byX := map[string]map[string]Point{}
	for _, s := range c.Series {
		for _, p := range s.Points {
			if _, ok := byX[p.X]; !ok {
				byX[p.X] = map[string]Point{}
				xs = append(xs, p.X)
			}
			byX[p.X][s.Name] = p
		}
	}
	for _, x := range xs {
		b.WriteString("| " + x)
		for _, s := range c.Series {
			if p, ok := byX[x][s.Name]; ok {
				b.WriteString(" | " + strconv.FormatFloat(p.Y, 'f', -1, 64))
			} else {
				b.WriteString(" | ")
			}
		}
		b.WriteString(" |\n")
	}
	if c.YAxisLabel != "" {
		fmt.Fprintf(&b, "\n*%s (%s)*\n", c.YAxisLabel, c.Type)
	}
	return b.String()
}

// TableMarkdown renders a table record as a GFM table.
func TableMarkdown(t Table) string {
	var b strings.Builder
	if t.Title != "" {
		fmt.Fprintf(&b, "## %s\n\n", t.Title)
	}
	b.WriteString("| " + strings.Join(t.Headers, " | ") + " |\n|")
	for range t.Headers {
		b.WriteString("---|")
	}
	b.WriteString("\n")
	for _, row := range t.Rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String()
}

func orLabel(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
