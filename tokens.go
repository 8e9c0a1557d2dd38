package triage

// EstimateTokens estimates the token count for a given text using a Unicode-aware heuristic.
// ASCII characters (English, numbers, punctuation) are weighted at ~4 per token.
// Non-ASCII characters (accented letters, CJK, emoji, etc.) are weighted at ~1 per token.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		switch {
		case r <= 127:
			weight += 1
		default:
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// EstimateCost is the budget charged for sending prompt and receiving reply.
// The unit is estimated tokens; the per-session cap uses the same unit.
func EstimateCost(prompt []string, reply string) float64 {
	total := EstimateTokens(reply)
	for _, p := range prompt {
		total += EstimateTokens(p)
	}
	return float64(total)
}
