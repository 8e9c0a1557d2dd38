package triage

import (
	"time"

	"github.com/creastat/triage/session"
)

// TruncateHistory truncates the conversation history based on token and message limits.
// It applies message limit first, then token limit, removing oldest entries as needed.
// Returns the truncated history with the most recent entries preserved.
// A non-positive limit disables that limit.
func TruncateHistory(history []session.Entry, tokenLimit, messageLimit int) []session.Entry {
	if len(history) == 0 {
		return history
	}

	if messageLimit > 0 && len(history) > messageLimit {
		history = history[len(history)-messageLimit:]
	}
	if tokenLimit <= 0 {
		return history
	}

	totalTokens := 0
	for _, e := range history {
		totalTokens += entryTokens(e)
	}

	for totalTokens > tokenLimit && len(history) > 0 {
		totalTokens -= entryTokens(history[0])
		history = history[1:]
	}

	return history
}

// NewEntry builds a history entry with an estimated token count.
func NewEntry(role session.Role, text string) session.Entry {
	return session.Entry{
		Role:       role,
		Text:       text,
		TokenCount: EstimateTokens(text),
		Timestamp:  time.Now(),
	}
}

func entryTokens(e session.Entry) int {
	if e.TokenCount > 0 {
		return e.TokenCount
	}
	return EstimateTokens(e.Text)
}
