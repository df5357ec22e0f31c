package llm

// Token estimation uses the ~4 characters per token heuristic common to
// GPT-family tokenizers, plus a fixed per-message overhead for role and
// separator tokens. Estimates only ever guard the context window; the
// backend reports true usage after the fact.

const (
	charsPerToken      = 4
	perMessageOverhead = 4
	perRequestOverhead = 3
)

// EstimateText estimates the token count of a single string.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// EstimateMessages estimates the prompt token count of a conversation.
func EstimateMessages(messages []Message) int {
	total := perRequestOverhead
	for _, m := range messages {
		total += perMessageOverhead + EstimateText(m.Content)
	}
	return total
}
