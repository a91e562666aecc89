package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/onkernel/cua-agent"
)

// blockAcc accumulates one content_block's deltas until content_block_stop.
type blockAcc struct {
	kind         string
	text         strings.Builder
	thinking     strings.Builder
	signature    strings.Builder
	toolID       string
	toolName     string
	partialInput strings.Builder
}

func (b *blockAcc) finish() cua.ContentBlock {
	switch b.kind {
	case "text":
		return cua.ContentBlock{Type: cua.BlockText, Text: b.text.String()}
	case "thinking":
		return cua.ContentBlock{
			Type:          cua.BlockReasoning,
			ReasoningText: b.thinking.String(),
			Signature:     b.signature.String(),
		}
	case "redacted_thinking":
		return cua.ContentBlock{Type: cua.BlockReasoning, Signature: b.signature.String()}
	case "tool_use":
		args := json.RawMessage(b.partialInput.String())
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return cua.ContentBlock{
			Type:      cua.BlockToolUse,
			ToolUseID: b.toolID,
			ToolName:  b.toolName,
			ToolArgs:  args,
		}
	default:
		return cua.ContentBlock{Type: cua.BlockText}
	}
}

// parseStream reads an Anthropic Messages API SSE body to completion and
// assembles a single cua.ModelResponse.
func parseStream(r io.Reader) (cua.ModelResponse, error) {
	var resp cua.ModelResponse
	blocks := map[int]*blockAcc{}
	order := []int{}

	scanner := newLineScanner(r)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		case !strings.HasPrefix(line, "data: "):
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev messageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				resp.ID = ev.Message.ID
				resp.Model = ev.Message.Model
				resp.Role = cua.MessageRole(ev.Message.Role)
				resp.Usage.InputTokens = ev.Message.Usage.InputTokens
				resp.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
				resp.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev contentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				acc := &blockAcc{kind: ev.ContentBlock.Type, toolID: ev.ContentBlock.ID, toolName: ev.ContentBlock.Name}
				blocks[ev.Index] = acc
				order = append(order, ev.Index)
			}

		case "content_block_delta":
			var ev contentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				acc := blocks[ev.Index]
				if acc == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					acc.text.WriteString(ev.Delta.Text)
				case "thinking_delta":
					acc.thinking.WriteString(ev.Delta.Thinking)
				case "signature_delta":
					acc.signature.WriteString(ev.Delta.Signature)
				case "input_json_delta":
					acc.partialInput.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			// no per-block action needed; finish() runs at the end.

		case "message_delta":
			var ev messageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Delta.StopReason != "" {
					resp.StopReason = ev.Delta.StopReason
				}
				if ev.Usage.OutputTokens > 0 {
					resp.Usage.OutputTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev errorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return cua.ModelResponse{}, fmt.Errorf("anthropic: %s: %s", ev.Error.Type, ev.Error.Message)
			}

		case "message_stop":
			// stream complete
		}
	}
	if err := scanner.Err(); err != nil {
		return cua.ModelResponse{}, fmt.Errorf("anthropic: read stream: %w", err)
	}

	resp.Blocks = make([]cua.ContentBlock, 0, len(order))
	for _, idx := range order {
		resp.Blocks = append(resp.Blocks, blocks[idx].finish())
	}
	return resp, nil
}
