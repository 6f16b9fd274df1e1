package orchestrator

import "strings"

const (
	titleWordCount = 6
	titleMaxLen    = 50
	lastMessageMax = 500
)

// GenerateTitle derives a conversation title from the first user message:
// the first six whitespace-separated words, ellipsized when truncated and
// hard-capped at 50 characters.
func GenerateTitle(message string) string {
	words := strings.Fields(message)
	if len(words) == 0 {
		return ""
	}
	title := strings.Join(words, " ")
	if len(words) > titleWordCount {
		title = strings.Join(words[:titleWordCount], " ") + "..."
	}
	if len([]rune(title)) > titleMaxLen {
		title = string([]rune(title)[:titleMaxLen-3]) + "..."
	}
	return title
}

// FormatLastMessage caps a conversation's last-message preview at 500
// characters, ellipsized.
func FormatLastMessage(message string) string {
	runes := []rune(message)
	if len(runes) <= lastMessageMax {
		return message
	}
	return string(runes[:lastMessageMax-3]) + "..."
}
