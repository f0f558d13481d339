package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yorkeccak/patentchat/internal/artifacts"
)

type chartInput struct {
	Title      string             `json:"title"`
	Type       string             `json:"chartType"`
	XAxisLabel string             `json:"xAxisLabel"`
	YAxisLabel string             `json:"yAxisLabel"`
	Series     []artifacts.Series `json:"series"`
}

type csvInput struct {
	Title   string     `json:"title"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// artifactResult is what the model gets back from a create* tool. Embed is
// the exact markdown the assistant must place where the artifact should
// render; the transport rewrites the ref: link to a fetchable URL.
type artifactResult struct {
	ArtifactID string `json:"artifactId"`
	Embed      string `json:"embed"`
}

// NewCreateChartTool persists a chart artifact and hands back its embed link.
func NewCreateChartTool(store *artifacts.Store) Tool {
	return Tool{
		Name: "createChart",
		Description: "Create a chart from data series. Returns an embed link of the form ![title](ref:id); " +
			"include that link verbatim in your response where the chart should appear.",
		Properties: map[string]any{
			"title":      map[string]any{"type": "string", "description": "Chart title"},
			"chartType":  map[string]any{"type": "string", "enum": []string{"line", "bar", "scatter", "area"}},
			"xAxisLabel": map[string]any{"type": "string"},
			"yAxisLabel": map[string]any{"type": "string"},
			"series": map[string]any{
				"type":        "array",
				"description": "One or more named series of {x, y} points; scatter points may carry size and label",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
						"points": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"x":     map[string]any{"type": "string"},
									"y":     map[string]any{"type": "number"},
									"size":  map[string]any{"type": "number"},
									"label": map[string]any{"type": "string"},
								},
								"required": []string{"x", "y"},
							},
						},
					},
					"required": []string{"name", "points"},
				},
			},
		},
		Required: []string{"title", "chartType", "series"},
		Run: func(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
			var in chartInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", fmt.Errorf("invalid createChart input: %w", err)
			}
			id, err := store.SaveChart(ctx, artifacts.Chart{
				SessionID:  sessionID,
				Title:      in.Title,
				Type:       artifacts.ChartType(in.Type),
				XAxisLabel: in.XAxisLabel,
				YAxisLabel: in.YAxisLabel,
				Series:     in.Series,
			})
			if err != nil {
				return "", fmt.Errorf("create chart: %w", err)
			}
			return encodeArtifactResult(id, in.Title)
		},
	}
}

// NewCreateCSVTool persists a tabular artifact. Validation failures come back
// as tool errors and nothing is stored.
func NewCreateCSVTool(store *artifacts.Store) Tool {
	return Tool{
		Name: "createCSV",
		Description: "Create a downloadable data table. Every row must have exactly as many cells as there are headers. " +
			"Returns an embed link of the form ![title](ref:id); include it verbatim where the table should appear.",
		Properties: map[string]any{
			"title":   map[string]any{"type": "string", "description": "Table title"},
			"headers": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"rows": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
		Required: []string{"title", "headers", "rows"},
		Run: func(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
			var in csvInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", fmt.Errorf("invalid createCSV input: %w", err)
			}
			id, err := store.SaveTable(ctx, artifacts.Table{
				SessionID: sessionID,
				Title:     in.Title,
				Headers:   in.Headers,
				Rows:      in.Rows,
			})
			if err != nil {
				return "", fmt.Errorf("create table: %w", err)
			}
			return encodeArtifactResult(id, in.Title)
		},
	}
}

func encodeArtifactResult(id, title string) (string, error) {
	out, err := json.Marshal(artifactResult{
		ArtifactID: id,
		Embed:      artifacts.Ref(title, id),
	})
	if err != nil {
		return "", fmt.Errorf("encode artifact result: %w", err)
	}
	return string(out), nil
}
