package cua

// ContextShaper holds no state — every method is a pure function over a
// conversation value. It never mutates its input and always allocates a
// fresh message slice; it is the single place screenshots are downgraded,
// no other component may silently drop an image.
type ContextShaper struct{}

// NewContextShaper returns a ContextShaper. It has no dependencies because
// every operation is a pure transform.
func NewContextShaper() *ContextShaper { return &ContextShaper{} }

// DemoteScreenshots traverses user-role messages from newest to oldest and,
// for each tool_result content item carrying an inline image, keeps the
// image inline for the first K encountered and removes it from the rest,
// appending (or preserving) a "[Screenshot URL: <url>]" text pointer in its
// place. Relative block order is preserved; no message is reordered.
//
// Idempotent: calling it twice with the same K yields the same result,
// since once an image has been demoted ResultContentImage items no longer
// exist to demote again.
func (ContextShaper) DemoteScreenshots(msgs []Message, k int) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)

	kept := 0
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != RoleUser {
			continue
		}
		blocks := cloneBlocks(out[i].Blocks)
		changed := false
		for bi := range blocks {
			if blocks[bi].Type != BlockToolResult {
				continue
			}
			content := make([]ResultContent, len(blocks[bi].Content))
			copy(content, blocks[bi].Content)
			for ci := range content {
				if content[ci].Type != ResultContentImage {
					continue
				}
				if kept < k {
					kept++
					continue
				}
				url := content[ci].ImageURL
				content[ci] = ResultContent{
					Type: ResultContentText,
					Text: screenshotURLText(url),
				}
				changed = true
			}
			if changed {
				blocks[bi].Content = content
			}
		}
		if changed {
			out[i].Blocks = blocks
		}
	}
	return out
}

func screenshotURLText(url string) string {
	if url == "" {
		return "[Screenshot URL: unavailable]"
	}
	return "[Screenshot URL: " + url + "]"
}

// PruneReasoning finds every assistant-role message holding reasoning
// blocks and keeps reasoning blocks only on the last R such messages,
// removing them from older ones in reverse index order.
func (ContextShaper) PruneReasoning(msgs []Message, r int) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)

	kept := 0
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != RoleAssistant {
			continue
		}
		hasReasoning := false
		for _, b := range out[i].Blocks {
			if b.Type == BlockReasoning {
				hasReasoning = true
				break
			}
		}
		if !hasReasoning {
			continue
		}
		if kept < r {
			kept++
			continue
		}
		blocks := cloneBlocks(out[i].Blocks)
		filtered := blocks[:0:0]
		for _, b := range blocks {
			if b.Type == BlockReasoning {
				continue
			}
			filtered = append(filtered, b)
		}
		out[i].Blocks = filtered
	}
	return out
}

// CacheBreakpoint indices used by AnnotateCaching, matching the
// ModelRequest.CacheBreakpoints convention (-1 = system prompt, -2 = tool
// list, n>=0 = Messages[n]).
const (
	CacheBreakpointSystem = -1
	CacheBreakpointTools  = -2
)

// AnnotateCaching returns the set of cache breakpoints for req: the system
// prompt and the last tool definition always get a breakpoint so the
// inference backend can reuse computed prefix work across iterations.
func (ContextShaper) AnnotateCaching(req ModelRequest) []int {
	breakpoints := []int{CacheBreakpointSystem}
	if len(req.Tools) > 0 {
		breakpoints = append(breakpoints, CacheBreakpointTools)
	}
	return breakpoints
}

// Shape runs DemoteScreenshots then PruneReasoning, matching the order
// SamplingLoop applies them when building the outgoing request.
func (cs ContextShaper) Shape(msgs []Message, k, r int) []Message {
	return cs.PruneReasoning(cs.DemoteScreenshots(msgs, k), r)
}

func cloneBlocks(blocks []ContentBlock) []ContentBlock {
	out := make([]ContentBlock, len(blocks))
	copy(out, blocks)
	return out
}
