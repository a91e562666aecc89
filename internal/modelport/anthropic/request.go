package anthropic

import (
	"encoding/base64"
	"encoding/json"

	"github.com/onkernel/cua-agent"
)

// buildRequestBody translates a cua.ModelRequest into the Anthropic Messages
// API wire body, including extended-thinking and cache_control breakpoints.
func buildRequestBody(req cua.ModelRequest) map[string]any {
	systemHasBreakpoint := hasBreakpoint(req.CacheBreakpoints, cua.CacheBreakpointSystem)
	toolsHaveBreakpoint := hasBreakpoint(req.CacheBreakpoints, cua.CacheBreakpointTools)

	body := map[string]any{
		"model":      req.Config.Model,
		"max_tokens": maxTokens(req.Config),
		"stream":     true,
		"messages":   buildMessages(req.Messages, req.CacheBreakpoints),
	}

	if req.SystemPrompt != "" {
		sysBlock := map[string]any{"type": "text", "text": req.SystemPrompt}
		if systemHasBreakpoint {
			sysBlock["cache_control"] = map[string]any{"type": "ephemeral"}
		}
		body["system"] = []map[string]any{sysBlock}
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			var schema any
			_ = json.Unmarshal(t.Parameters, &schema)
			tool := map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			}
			if toolsHaveBreakpoint && i == len(req.Tools)-1 {
				tool["cache_control"] = map[string]any{"type": "ephemeral"}
			}
			tools[i] = tool
		}
		body["tools"] = tools
	}

	if req.Config.EnableContextManagement {
		// request the API to clear tool uses older than the configured window,
		// server-side context editing per the 2025-06-27 context-management beta.
		body["context_management"] = map[string]any{
			"edits": []map[string]any{
				{
					"type":                       "clear_tool_uses_20250919",
					"trigger": map[string]any{
						"type":  "input_tokens",
						"value": req.Config.ContextTriggerTokens,
					},
					"keep": map[string]any{
						"type":  "tool_uses",
						"value": req.Config.ContextKeepToolUses,
					},
					"clear_at_least": map[string]any{
						"type":  "input_tokens",
						"value": req.Config.ContextClearMinTokens,
					},
					"exclude_tools": req.Config.ContextExcludeTools,
				},
			},
		}
	}

	if req.Config.ReasoningBudgetTokens > 0 {
		body["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": req.Config.ReasoningBudgetTokens,
		}
		delete(body, "temperature")
		if mt, _ := body["max_tokens"].(int); mt < req.Config.ReasoningBudgetTokens+4096 {
			body["max_tokens"] = req.Config.ReasoningBudgetTokens + 8192
		}
	}

	return body
}

func maxTokens(cfg cua.ExecutionConfig) int {
	if cfg.MaxOutputTokens > 0 {
		return cfg.MaxOutputTokens
	}
	return 4096
}

func hasBreakpoint(breakpoints []int, v int) bool {
	for _, b := range breakpoints {
		if b == v {
			return true
		}
	}
	return false
}

func buildMessages(msgs []cua.Message, breakpoints []int) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for i, m := range msgs {
		cache := hasBreakpoint(breakpoints, i)
		blocks := buildContentBlocks(m.Blocks, cache)
		out = append(out, map[string]any{
			"role":    string(m.Role),
			"content": blocks,
		})
	}
	return out
}

func buildContentBlocks(blocks []cua.ContentBlock, cacheLast bool) []map[string]any {
	out := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		var block map[string]any
		switch b.Type {
		case cua.BlockText:
			block = map[string]any{"type": "text", "text": b.Text}
		case cua.BlockReasoning:
			block = map[string]any{
				"type":      "thinking",
				"thinking":  b.ReasoningText,
				"signature": b.Signature,
			}
		case cua.BlockToolUse:
			var input any
			_ = json.Unmarshal(b.ToolArgs, &input)
			block = map[string]any{
				"type":  "tool_use",
				"id":    b.ToolUseID,
				"name":  b.ToolName,
				"input": input,
			}
		case cua.BlockToolResult:
			block = map[string]any{
				"type":        "tool_result",
				"tool_use_id": b.ToolResultID,
				"content":     buildResultContent(b.Content),
				"is_error":    b.IsError,
			}
		default:
			continue
		}
		out = append(out, block)
	}
	if cacheLast && len(out) > 0 {
		out[len(out)-1]["cache_control"] = map[string]any{"type": "ephemeral"}
	}
	return out
}

func buildResultContent(items []cua.ResultContent) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case cua.ResultContentText:
			out = append(out, map[string]any{"type": "text", "text": it.Text})
		case cua.ResultContentImage:
			if len(it.ImageBytes) == 0 {
				continue
			}
			mime := it.MimeType
			if mime == "" {
				mime = "image/png"
			}
			out = append(out, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": mime,
					"data":       base64.StdEncoding.EncodeToString(it.ImageBytes),
				},
			})
		}
	}
	return out
}
