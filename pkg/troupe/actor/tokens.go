package actor

import "strings"

// EstimateTokens approximates the token cost of a line as one token per four
// characters, never below one. This is intentionally not a real tokenizer:
// every budget decision in the engine uses this same estimate, which is all
// the bound requires.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// CompactLine collapses all whitespace runs to single spaces and truncates
// the result to limit characters, appending an ellipsis when cut.
func CompactLine(text string, limit int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	return cutWithEllipsis(cleaned, limit)
}

// TruncateBlock cuts a multi-line block to limit characters, appending an
// ellipsis when cut. Unlike CompactLine it preserves internal whitespace.
func TruncateBlock(text string, limit int) string {
	return cutWithEllipsis(text, limit)
}

// cutWithEllipsis truncates to limit runes, never splitting a rune.
func cutWithEllipsis(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := limit - 1
	if cut < 0 {
		cut = 0
	}
	return strings.TrimRight(string(runes[:cut]), " ") + "…"
}
