package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yorkeccak/patentchat/internal/search"
)

type webHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// NewWebSearchTool searches the general web corpus for context the patent
// databases do not carry: market data, company news, standards activity.
// Results are not cached; nothing here is index-addressable.
func NewWebSearchTool(client Searcher) Tool {
	return Tool{
		Name: "webSearch",
		Description: "Search the web for supporting context such as market data, news, or standards. " +
			"Not for patent documents; use patentSearch for those.",
		Properties: map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Web search query",
			},
			"maxResults": map[string]any{
				"type":        "integer",
				"description": "Number of results to return (1-20, default 5)",
			},
		},
		Required: []string{"query"},
		Run: func(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
			var in searchInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", fmt.Errorf("invalid webSearch input: %w", err)
			}
			if strings.TrimSpace(in.Query) == "" {
				return "", fmt.Errorf("webSearch requires a non-empty query")
			}
			if in.MaxResults <= 0 {
				in.MaxResults = defaultWebResults
			}
			if in.MaxResults > maxSearchResults {
				in.MaxResults = maxSearchResults
			}

			resp, err := client.Search(ctx, search.Request{
				Query:      in.Query,
				Corpus:     search.CorpusWeb,
				MaxResults: in.MaxResults,
			})
			if err != nil {
				return "", fmt.Errorf("web search failed: %w", err)
			}

			hits := make([]webHit, 0, len(resp.Results))
			for _, r := range resp.Results {
				hits = append(hits, webHit{Title: r.Title, URL: r.URL, Content: r.Content, Source: r.Source})
			}
			out, err := json.Marshal(map[string]any{"resultCount": len(hits), "results": hits})
			if err != nil {
				return "", fmt.Errorf("encode web search results: %w", err)
			}
			return string(out), nil
		},
	}
}
