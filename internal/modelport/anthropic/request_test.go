package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/onkernel/cua-agent"
)

func TestBuildRequestBody_systemAndToolCaching(t *testing.T) {
	req := cua.ModelRequest{
		SystemPrompt: "you are a browser agent",
		Config:       cua.ExecutionConfig{Model: "claude-sonnet-4-5", MaxOutputTokens: 2048},
		Tools: []cua.ToolDefinition{
			{Name: "computer", Description: "control the browser", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
		CacheBreakpoints: []int{cua.CacheBreakpointSystem, cua.CacheBreakpointTools},
	}

	body := buildRequestBody(req)

	sys, ok := body["system"].([]map[string]any)
	if !ok || len(sys) != 1 {
		t.Fatalf("system = %+v", body["system"])
	}
	if _, cached := sys[0]["cache_control"]; !cached {
		t.Error("expected system block to carry cache_control")
	}

	tools, ok := body["tools"].([]map[string]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %+v", body["tools"])
	}
	if _, cached := tools[0]["cache_control"]; !cached {
		t.Error("expected last tool to carry cache_control")
	}
}

func TestBuildRequestBody_reasoningBudgetExpandsMaxTokens(t *testing.T) {
	req := cua.ModelRequest{
		Config: cua.ExecutionConfig{Model: "claude-sonnet-4-5", MaxOutputTokens: 1024, ReasoningBudgetTokens: 10000},
	}

	body := buildRequestBody(req)

	thinking, ok := body["thinking"].(map[string]any)
	if !ok {
		t.Fatalf("thinking = %+v", body["thinking"])
	}
	if thinking["budget_tokens"] != 10000 {
		t.Errorf("budget_tokens = %v", thinking["budget_tokens"])
	}
	if body["max_tokens"].(int) < 10000+4096 {
		t.Errorf("max_tokens = %v, want room for thinking budget", body["max_tokens"])
	}
}

func TestBuildMessages_toolResultWithImage(t *testing.T) {
	msgs := []cua.Message{
		{
			Role: cua.RoleUser,
			Blocks: []cua.ContentBlock{
				{
					Type:         cua.BlockToolResult,
					ToolResultID: "tu_1",
					Content: []cua.ResultContent{
						{Type: cua.ResultContentImage, ImageBytes: []byte{0x89, 0x50, 0x4e, 0x47}, MimeType: "image/png"},
						{Type: cua.ResultContentText, Text: "screenshot taken"},
					},
				},
			},
		},
	}

	out := buildMessages(msgs, nil)
	if len(out) != 1 {
		t.Fatalf("messages = %+v", out)
	}
	content, ok := out[0]["content"].([]map[string]any)
	if !ok || len(content) != 2 {
		t.Fatalf("content = %+v", out[0]["content"])
	}
	if content[0]["type"] != "image" {
		t.Errorf("content[0] type = %v", content[0]["type"])
	}
	source, ok := content[0]["source"].(map[string]any)
	if !ok || source["media_type"] != "image/png" {
		t.Errorf("source = %+v", source)
	}
}
