package artifacts

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file:"+t.TempDir()+"/artifacts.db?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	s, err := NewStore(db, func() time.Time { return now })
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func sampleChart() Chart {
	size := 4.0
	return Chart{
		SessionID:  "sess-1",
		Title:      "Battery patent filings by year",
		Type:       ChartScatter,
		XAxisLabel: "Year",
		YAxisLabel: "Filings",
		Series: []Series{{
			Name: "US filings",
			Points: []Point{
				{X: "2020", Y: 120, Size: &size, Label: "est."},
				{X: "2021", Y: 145},
			},
		}},
	}
}

func TestSaveChartRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id, err := s.SaveChart(context.Background(), sampleChart())
	if err != nil {
		t.Fatalf("save chart: %v", err)
	}
	rec, ok, err := s.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.Kind != KindChart || rec.Title != "Battery patent filings by year" {
		t.Fatalf("record: %+v", rec)
	}
	var c Chart
	if err := json.Unmarshal(rec.Payload, &c); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(c.Series) != 1 || c.Series[0].Points[0].Y != 120 {
		t.Fatalf("chart payload: %+v", c)
	}
}

func TestSaveChartRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	bad := sampleChart()
	bad.Type = "sparkline"
	if _, err := s.SaveChart(context.Background(), bad); err == nil {
		t.Fatal("expected chart type validation error")
	}
	empty := sampleChart()
	empty.Series = nil
	if _, err := s.SaveChart(context.Background(), empty); err == nil {
		t.Fatal("expected empty series validation error")
	}
}

func TestSaveTableRowWidthMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveTable(context.Background(), Table{
		SessionID: "sess-1",
		Title:     "Assignees",
		Headers:   []string{"Assignee", "Patents"},
		Rows:      [][]string{{"Acme", "12"}, {"only-one-cell"}},
	})
	if err == nil {
		t.Fatal("expected row width validation error")
	}
	if !strings.Contains(err.Error(), "row 1") {
		t.Fatalf("error should name the offending row: %v", err)
	}
	// Nothing persisted on validation failure.
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM artifacts"); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("artifact persisted despite validation failure: count=%d", count)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, ok, err := s.Get(context.Background(), "no-such-id"); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestRefHelpers(t *testing.T) {
	text := "Here is the trend:\n\n" + Ref("Filings chart", "0b5c2c7e-9a64-4c4e-8a51-5d2f3a1b9c0d") +
		"\n\nand the raw data " + Ref("Raw data", "1c6d3d8f-aa75-4d5f-9b62-6e3f4b2c0d1e") + "."
	refs := ExtractRefs(text)
	if len(refs) != 2 || refs[0] != "0b5c2c7e-9a64-4c4e-8a51-5d2f3a1b9c0d" {
		t.Fatalf("refs: %v", refs)
	}
	rewritten := RewriteRefs(text, "https://api.example/v1/artifacts/")
	if strings.Contains(rewritten, "ref:") {
		t.Fatalf("ref not rewritten: %s", rewritten)
	}
	if !strings.Contains(rewritten, "![Filings chart](https://api.example/v1/artifacts/0b5c2c7e-9a64-4c4e-8a51-5d2f3a1b9c0d)") {
		t.Fatalf("rewritten: %s", rewritten)
	}
}

func TestChartMarkdown(t *testing.T) {
	md := ChartMarkdown(sampleChart())
	for _, want := range []string{"| Year | US filings |", "| 2020 | 120 |", "| 2021 | 145 |"} {
		if !strings.Contains(md, want) {
			t.Fatalf("chart markdown missing %q:\n%s", want, md)
		}
	}
}

func TestTableMarkdown(t *testing.T) {
	md := TableMarkdown(Table{
		Title:   "Assignees",
		Headers: []string{"Assignee", "Patents"},
		Rows:    [][]string{{"Acme", "12"}},
	})
	if !strings.Contains(md, "| Assignee | Patents |") || !strings.Contains(md, "| Acme | 12 |") {
		t.Fatalf("table markdown:\n%s", md)
	}
}
