package loom

// Token estimation heuristics for budget decisions. Not a billing signal.
// Text is 1 token per 4 characters; non-text blocks use fixed conservative
// constants.
const (
	charsPerToken         = 4
	imageTokenEstimate    = 1000
	audioTokenEstimate    = 500
	videoTokenEstimate    = 2000
	documentTokenEstimate = 3000
)

// compactionThreshold triggers compaction at this fraction of max_tokens.
const compactionThreshold = 0.9

// compactedMarker replaces middle-of-history tool result content.
const compactedMarker = "[compacted]"

// maxCompactedTextLen is the truncation point for long assistant text in
// the compacted middle of the history.
const maxCompactedTextLen = 200

// estimateTextTokens estimates tokens for a text string.
func estimateTextTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// estimateBlockTokens estimates tokens for a single content block.
func estimateBlockTokens(b Block) int {
	switch v := b.(type) {
	case TextBlock:
		return estimateTextTokens(v.Text)
	case ToolUseBlock:
		return estimateTextTokens(v.Name) + estimateTextTokens(string(v.Input))
	case ToolResultBlock:
		return estimateTextTokens(v.Content)
	case MediaBlock:
		switch v.Kind {
		case MediaImage:
			return imageTokenEstimate
		case MediaAudio:
			return audioTokenEstimate
		case MediaVideo:
			return videoTokenEstimate
		case MediaDocument:
			return documentTokenEstimate
		}
	}
	return 0
}

// EstimateTokens estimates the token footprint of a conversation.
func EstimateTokens(messages []Message) int {
	var total int
	for _, m := range messages {
		total += estimateTextTokens(m.Content)
		for _, b := range m.Blocks {
			total += estimateBlockTokens(b)
		}
	}
	return total
}

// maybeCompact rewrites middle-of-history content when the estimated token
// footprint reaches 90% of maxTokens. The first message and the most recent
// keep_recent = min(10, max(1, len−2)) messages pass through verbatim; in
// between, tool result contents become "[compacted]" and assistant text
// over 200 characters is truncated. Messages are never re-ordered, dropped,
// or merged. Rewritten messages are copied, so shared snapshots are safe.
func maybeCompact(messages []Message, maxTokens int) []Message {
	if maxTokens <= 0 || float64(EstimateTokens(messages)) < compactionThreshold*float64(maxTokens) {
		return messages
	}
	n := len(messages)
	keepRecent := min(10, max(1, n-2))
	firstMiddle := 1
	lastMiddle := n - keepRecent // exclusive
	if lastMiddle <= firstMiddle {
		return messages
	}
	out := make([]Message, n)
	copy(out, messages)
	for i := firstMiddle; i < lastMiddle; i++ {
		out[i] = compactMessage(out[i])
	}
	return out
}

// compactMessage rewrites one middle-of-history message.
func compactMessage(m Message) Message {
	if len(m.Blocks) > 0 {
		blocks := make([]Block, len(m.Blocks))
		changed := false
		for i, b := range m.Blocks {
			if tr, ok := b.(ToolResultBlock); ok {
				tr.Content = compactedMarker
				blocks[i] = tr
				changed = true
				continue
			}
			blocks[i] = b
		}
		if changed {
			m.Blocks = blocks
		}
		return m
	}
	if m.Role == RoleAssistant && len([]rune(m.Content)) > maxCompactedTextLen {
		m.Content = truncateStr(m.Content, maxCompactedTextLen) + "..."
	}
	return m
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length ≤ n guarantees rune count ≤ n, avoiding the []rune
	// allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
