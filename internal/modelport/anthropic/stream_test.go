package anthropic

import (
	"strings"
	"testing"

	"github.com/onkernel/cua-agent"
)

func TestParseStream_textOnly(t *testing.T) {
	sse := `event: message_start
data: {"message":{"id":"msg_1","model":"claude-sonnet-4-5","role":"assistant","usage":{"input_tokens":120}}}

event: content_block_start
data: {"index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"index":0,"delta":{"type":"text_delta","text":" world"}}

event: content_block_stop
data: {"index":0}

event: message_delta
data: {"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}

event: message_stop
data: {}

`
	resp, err := parseStream(strings.NewReader(sse))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop reason = %q, want end_turn", resp.StopReason)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(resp.Blocks) != 1 || resp.Blocks[0].Text != "Hello world" {
		t.Errorf("blocks = %+v", resp.Blocks)
	}
}

func TestParseStream_thinkingPreservesSignature(t *testing.T) {
	sse := `event: content_block_start
data: {"index":0,"content_block":{"type":"thinking"}}

event: content_block_delta
data: {"index":0,"delta":{"type":"thinking_delta","thinking":"let me check the page"}}

event: content_block_delta
data: {"index":0,"delta":{"type":"signature_delta","signature":"sig-abc123"}}

event: content_block_stop
data: {"index":0}

event: content_block_start
data: {"index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"computer"}}

event: content_block_delta
data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"action\":"}}

event: content_block_delta
data: {"index":1,"delta":{"type":"input_json_delta","partial_json":"\"screenshot\"}"}}

event: content_block_stop
data: {"index":1}

event: message_delta
data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}

`
	resp, err := parseStream(strings.NewReader(sse))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(resp.Blocks))
	}

	reasoning := resp.Blocks[0]
	if reasoning.Type != cua.BlockReasoning {
		t.Errorf("block 0 type = %q, want reasoning", reasoning.Type)
	}
	if reasoning.Signature != "sig-abc123" {
		t.Errorf("signature = %q, want round-tripped verbatim", reasoning.Signature)
	}

	toolUse := resp.Blocks[1]
	if toolUse.Type != cua.BlockToolUse || toolUse.ToolUseID != "tu_1" || toolUse.ToolName != "computer" {
		t.Errorf("tool_use block = %+v", toolUse)
	}
	if string(toolUse.ToolArgs) != `{"action":"screenshot"}` {
		t.Errorf("tool args = %s", toolUse.ToolArgs)
	}
}

func TestParseStream_errorEvent(t *testing.T) {
	sse := `event: error
data: {"error":{"type":"overloaded_error","message":"overloaded"}}

`
	_, err := parseStream(strings.NewReader(sse))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("error = %v", err)
	}
}
