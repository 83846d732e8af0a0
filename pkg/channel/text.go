package channel

import (
	"strings"
	"unicode/utf8"
)

const messagePreviewLimit = 240

// SplitText breaks text into chunks of at most limit bytes, preferring a
// newline, then a space, then a hard cut. Chunk edges are trimmed.
func SplitText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		window := remaining[:limit]

		splitAt := strings.LastIndex(window, "\n")
		if splitAt <= 0 {
			splitAt = strings.LastIndex(window, " ")
		}
		if splitAt <= 0 {
			splitAt = limit
			for splitAt > 0 && !utf8.RuneStart(remaining[splitAt]) {
				splitAt--
			}
			if splitAt == 0 {
				splitAt = limit
			}
		}

		if chunk := strings.TrimRight(remaining[:splitAt], " \t\r\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeft(remaining[splitAt:], " \t\r\n")
	}

	if remaining != "" {
		chunks = append(chunks, remaining)
	}

	return chunks
}

// AllowSet normalizes an allow list into a lookup set. Nil means allow all.
func AllowSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// Allowed reports whether value passes set. An empty set allows everything.
func Allowed(set map[string]struct{}, value string) bool {
	if len(set) == 0 {
		return true
	}

	_, ok := set[strings.TrimSpace(value)]
	return ok
}

// PreviewText returns a bounded log-safe preview of message text.
func PreviewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	cut := messagePreviewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut] + "..."
}
