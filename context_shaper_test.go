package cua

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func userScreenshotMessage(url string) Message {
	return Message{
		Role: RoleUser,
		Blocks: []ContentBlock{
			{
				Type: BlockToolResult,
				Content: []ResultContent{
					{Type: ResultContentImage, ImageBytes: []byte("png"), ImageURL: url},
				},
			},
		},
	}
}

func TestDemoteScreenshotsKeepsNewestKAndDemotesRest(t *testing.T) {
	msgs := []Message{
		userScreenshotMessage("https://example/1.png"),
		userScreenshotMessage("https://example/2.png"),
		userScreenshotMessage("https://example/3.png"),
	}

	out := NewContextShaper().DemoteScreenshots(msgs, 1)

	require.Equal(t, ResultContentImage, out[2].Blocks[0].Content[0].Type, "newest screenshot stays inline")
	require.Equal(t, ResultContentText, out[1].Blocks[0].Content[0].Type, "older screenshots are demoted to text")
	require.Equal(t, ResultContentText, out[0].Blocks[0].Content[0].Type)
	require.Contains(t, out[1].Blocks[0].Content[0].Text, "https://example/2.png")
}

func TestDemoteScreenshotsIsIdempotent(t *testing.T) {
	msgs := []Message{
		userScreenshotMessage("https://example/1.png"),
		userScreenshotMessage("https://example/2.png"),
	}
	shaper := NewContextShaper()

	once := shaper.DemoteScreenshots(msgs, 1)
	twice := shaper.DemoteScreenshots(once, 1)

	require.Equal(t, once, twice)
}

func TestDemoteScreenshotsNeverMutatesInput(t *testing.T) {
	msgs := []Message{userScreenshotMessage("https://example/1.png")}
	_ = NewContextShaper().DemoteScreenshots(msgs, 0)

	require.Equal(t, ResultContentImage, msgs[0].Blocks[0].Content[0].Type, "original slice must be untouched")
}

func assistantReasoningMessage() Message {
	return Message{
		Role: RoleAssistant,
		Blocks: []ContentBlock{
			{Type: BlockReasoning, ReasoningText: "thinking...", Signature: "sig"},
			{Type: BlockText, Text: "ok"},
		},
	}
}

func TestPruneReasoningKeepsOnlyLastR(t *testing.T) {
	msgs := []Message{
		assistantReasoningMessage(),
		assistantReasoningMessage(),
		assistantReasoningMessage(),
	}

	out := NewContextShaper().PruneReasoning(msgs, 1)

	require.Len(t, out[2].Blocks, 2, "newest message keeps its reasoning block")
	require.Len(t, out[1].Blocks, 1, "older message's reasoning block is dropped")
	require.Len(t, out[0].Blocks, 1)
	require.Equal(t, BlockText, out[1].Blocks[0].Type)
}

func TestAnnotateCachingIncludesToolsBreakpointOnlyWhenToolsPresent(t *testing.T) {
	shaper := NewContextShaper()

	withTools := shaper.AnnotateCaching(ModelRequest{Tools: []ToolDefinition{{Name: "computer"}}})
	require.Equal(t, []int{CacheBreakpointSystem, CacheBreakpointTools}, withTools)

	withoutTools := shaper.AnnotateCaching(ModelRequest{})
	require.Equal(t, []int{CacheBreakpointSystem}, withoutTools)
}

func TestShapeAppliesDemoteThenPrune(t *testing.T) {
	msgs := []Message{
		userScreenshotMessage("https://example/1.png"),
		assistantReasoningMessage(),
	}

	out := NewContextShaper().Shape(msgs, 0, 0)

	require.Equal(t, ResultContentText, out[0].Blocks[0].Content[0].Type)
	require.Len(t, out[1].Blocks, 1, "reasoning block pruned when r=0")
}
