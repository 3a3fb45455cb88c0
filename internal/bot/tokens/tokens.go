// Package tokens estimates the length of text in model tokens.
package tokens

// Estimate returns a rough token count for text. Uses ~4 characters per
// token (common English heuristic). This is intentionally imprecise; the
// prompt budget is a soft limit to keep the context window bounded, and
// callers must leave headroom rather than packing to the exact boundary.
func Estimate(text string) int {
	const charsPerToken = 4
	if text == "" {
		return 0
	}
	return len(text)/charsPerToken + 1
}

// EstimateMessages returns the combined estimate for several texts plus a
// small fixed overhead per message for role markers and separators.
func EstimateMessages(texts ...string) int {
	const perMessageOverhead = 4
	total := 0
	for _, text := range texts {
		total += Estimate(text) + perMessageOverhead
	}
	return total
}
