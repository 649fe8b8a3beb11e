package conversation

import (
	"regexp"
	"strings"
)

// Thinking-tag patterns some models leak into text content. Go regexp has
// no backreferences, so one pattern per tag pair.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<antthinking>.*?</antthinking>`),
}

// StripThinkingTags removes inline reasoning blocks from assistant text.
// Reasoning belongs on the entry's reasoning field, never in content.
func StripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") &&
		!strings.Contains(lower, "<antthinking") {
		return content
	}
	result := content
	for _, pat := range thinkingTagPatterns {
		result = pat.ReplaceAllString(result, "")
	}
	return strings.TrimSpace(result)
}
