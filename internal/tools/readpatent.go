package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yorkeccak/patentchat/internal/patentcache"
	"github.com/yorkeccak/patentchat/internal/patentdoc"
)

const maxPatentIndex = maxSearchResults - 1

type readPatentInput struct {
	PatentIndex *int     `json:"patentIndex"`
	Sections    []string `json:"sections"`
}

// cacheMissMessage tells the model why an index lookup failed and what to do
// about it. It covers every miss cause because the cache cannot tell them
// apart after the fact.
func cacheMissMessage(idx int) string {
	return fmt.Sprintf("No cached patent at index %d for this session. "+
		"Either the search results expired, a newer patentSearch replaced them, or the index was never assigned. "+
		"Run patentSearch again and use a patentIndex from the new results (0-%d).", idx, maxPatentIndex)
}

// NewReadFullPatentTool reads a previously searched patent from the session
// cache by index, optionally narrowed to specific sections.
func NewReadFullPatentTool(store patentcache.Store) Tool {
	return Tool{
		Name: "readFullPatent",
		Description: "Read the full text of a patent returned by the most recent patentSearch. " +
			"Pass the patentIndex from the search results. Optionally restrict to sections: " +
			"abstract, claims, description, citations, or all (default all).",
		Properties: map[string]any{
			"patentIndex": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Index from the latest patentSearch results (0-%d)", maxPatentIndex),
			},
			"sections": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string", "enum": []string{"abstract", "claims", "description", "citations", "drawings", patentdoc.SectionAll}},
				"description": "Sections to return; omit for the whole document",
			},
		},
		Required: []string{"patentIndex"},
		Run: func(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
			var in readPatentInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", fmt.Errorf("invalid readFullPatent input: %w", err)
			}
			if in.PatentIndex == nil {
				return "", fmt.Errorf("readFullPatent requires patentIndex")
			}
			idx := *in.PatentIndex
			if idx < 0 || idx > maxPatentIndex {
				return "", fmt.Errorf("%s", cacheMissMessage(idx))
			}

			entry, ok, err := store.GetByIndex(ctx, sessionID, idx)
			if err != nil {
				return "", fmt.Errorf("read patent cache: %w", err)
			}
			if !ok {
				return "", fmt.Errorf("%s", cacheMissMessage(idx))
			}

			sections := patentdoc.ExtractSections(entry.FullContent, in.Sections)
			out, err := json.Marshal(map[string]any{
				"patentIndex":  idx,
				"patentNumber": entry.PatentNumber,
				"title":        entry.Title,
				"url":          entry.URL,
				"metadata":     entry.Metadata,
				"sections":     sections,
			})
			if err != nil {
				return "", fmt.Errorf("encode patent document: %w", err)
			}
			return string(out), nil
		},
	}
}
