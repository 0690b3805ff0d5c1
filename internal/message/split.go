package message

import (
	"strings"
	"unicode/utf8"
)

// Platform message length limits, in characters.
const (
	DiscordMaxLength  = 2000
	SlackMaxLength    = 4000
	TeamsMaxLength    = 4000
	TelegramMaxLength = 4096
)

// Split breaks text into chunks of at most maxLen runes, preferring to cut
// after the last newline inside the window. Empty text yields no chunks.
func Split(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		window := prefixRunes(text, maxLen)
		cutAt := len(window)
		if idx := strings.LastIndex(window, "\n"); idx > 0 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// prefixRunes returns the longest prefix of s holding n runes.
func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
