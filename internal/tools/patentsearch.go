package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/yorkeccak/patentchat/internal/patentcache"
	"github.com/yorkeccak/patentchat/internal/patentdoc"
	"github.com/yorkeccak/patentchat/internal/search"
)

const (
	maxSearchResults     = 20
	defaultSearchResults = 10
	defaultWebResults    = 5
)

// Searcher is the slice of the search client the tools need.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Response, error)
}

type searchInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
}

// patentHit is the model-facing summary of one cached result. Full document
// text is withheld; the model reads it on demand via readFullPatent.
type patentHit struct {
	PatentIndex     int      `json:"patentIndex"`
	PatentNumber    string   `json:"patentNumber"`
	Title           string   `json:"title"`
	URL             string   `json:"url,omitempty"`
	Abstract        string   `json:"abstract"`
	Assignees       []string `json:"assignees"`
	FilingDate      string   `json:"filingDate,omitempty"`
	PublicationDate string   `json:"publicationDate,omitempty"`
	ClaimsCount     int      `json:"claimsCount,omitempty"`
	RelevanceScore  float64  `json:"relevanceScore,omitempty"`
}

// NewPatentSearchTool searches the patent corpus and caches every hit under
// a session-scoped index. Indices from earlier searches are invalidated
// first, so an index always refers to the most recent batch.
func NewPatentSearchTool(store patentcache.Store, client Searcher) Tool {
	return Tool{
		Name: "patentSearch",
		Description: "Search patent databases. Returns up to 20 results with patent number, title and abstract. " +
			"Each result is cached under a patentIndex; pass that index to readFullPatent for the full document. " +
			"Indices are only valid for the most recent search.",
		Properties: map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Patent search query",
			},
			"maxResults": map[string]any{
				"type":        "integer",
				"description": "Number of results to return (1-20, default 10)",
			},
		},
		Required: []string{"query"},
		Run: func(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
			var in searchInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", fmt.Errorf("invalid patentSearch input: %w", err)
			}
			if strings.TrimSpace(in.Query) == "" {
				return "", fmt.Errorf("patentSearch requires a non-empty query")
			}
			if in.MaxResults <= 0 {
				in.MaxResults = defaultSearchResults
			}
			if in.MaxResults > maxSearchResults {
				in.MaxResults = maxSearchResults
			}

			// Old indices must be dead before the new batch lands, even if
			// the search itself fails.
			if err := store.InvalidateSessionIndices(ctx, sessionID); err != nil {
				return "", fmt.Errorf("invalidate cached patent indices: %w", err)
			}

			resp, err := client.Search(ctx, search.Request{
				Query:      in.Query,
				Corpus:     search.CorpusPatents,
				MaxResults: in.MaxResults,
			})
			if err != nil {
				return "", fmt.Errorf("patent search failed: %w", err)
			}

			hits := make([]patentHit, 0, len(resp.Results))
			for i, r := range resp.Results {
				number := patentdoc.ExtractPatentNumber(r.Content, r.Title)
				if number == patentdoc.UnknownPatentNumber {
					// Distinct cache rows for unidentifiable documents.
					number = fmt.Sprintf("%s-%d", patentdoc.UnknownPatentNumber, i)
				}
				entry := patentcache.Entry{
					SessionID:    sessionID,
					PatentNumber: number,
					PatentIndex:  i,
					Title:        r.Title,
					URL:          r.URL,
					Abstract:     patentdoc.ExtractAbstract(r.Content),
					FullContent:  r.Content,
					Metadata:     patentdoc.ExtractMetadata(r.Content),
				}
				if err := store.Upsert(ctx, entry); err != nil {
					// A single bad row must not sink the batch.
					log.Printf("patent cache upsert failed session=%s patent=%s index=%d err=%v",
						sessionID, number, i, err)
				}
				assignees := entry.Metadata.Assignees
				if assignees == nil {
					assignees = []string{}
				}
				hits = append(hits, patentHit{
					PatentIndex:     i,
					PatentNumber:    number,
					Title:           r.Title,
					URL:             r.URL,
					Abstract:        entry.Abstract,
					Assignees:       assignees,
					FilingDate:      entry.Metadata.FilingDate,
					PublicationDate: entry.Metadata.PublicationDate,
					ClaimsCount:     entry.Metadata.ClaimsCount,
					RelevanceScore:  r.RelevanceScore,
				})
			}

			out, err := json.Marshal(map[string]any{"results": hits})
			if err != nil {
				return "", fmt.Errorf("encode patent search results: %w", err)
			}
			return string(out), nil
		},
	}
}
