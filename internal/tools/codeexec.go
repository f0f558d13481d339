package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/yorkeccak/patentchat/internal/sandbox"
)

const maxCodeChars = 10000

type codeInput struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// NewCodeExecutionTool runs Python in a freshly provisioned sandbox. One
// instance per call; teardown always happens, including when execution
// fails or the request context is already cancelled.
func NewCodeExecutionTool(prov sandbox.Provisioner) Tool {
	return Tool{
		Name: "codeExecution",
		Description: "Execute Python code in an isolated sandbox with no network access. " +
			"Use for calculations and data analysis over search results. Code is limited to 10000 characters.",
		Properties: map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Python source to execute",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Short note on what the code computes",
			},
		},
		Required: []string{"code"},
		Run: func(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
			var in codeInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return "", fmt.Errorf("invalid codeExecution input: %w", err)
			}
			if strings.TrimSpace(in.Code) == "" {
				return "", fmt.Errorf("codeExecution requires non-empty code")
			}
			if len(in.Code) > maxCodeChars {
				return "", fmt.Errorf("code exceeds %d character limit (%d characters)", maxCodeChars, len(in.Code))
			}
			if in.Description != "" {
				log.Printf("codeExecution session=%s description=%q", sessionID, in.Description)
			}

			inst, err := prov.Provision(ctx)
			if err != nil {
				return "", fmt.Errorf("provision sandbox: %w", err)
			}
			defer func() {
				if err := inst.Close(ctx); err != nil {
					log.Printf("sandbox teardown failed session=%s err=%v", sessionID, err)
				}
			}()

			res, err := inst.Exec(ctx, in.Code)
			if err != nil {
				return "", fmt.Errorf("execute code: %w", err)
			}
			out, err := json.Marshal(map[string]any{
				"stdout":   res.Stdout,
				"stderr":   res.Stderr,
				"exitCode": res.ExitCode,
			})
			if err != nil {
				return "", fmt.Errorf("encode execution result: %w", err)
			}
			return string(out), nil
		},
	}
}
