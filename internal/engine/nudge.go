package engine

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// Some models narrate the tool call they mean to make instead of
// emitting tool_calls. When a reply names an available tool inside an
// intent phrase, one retry beats shipping the narration to the user.
// Deliberately conservative: both the phrase and the tool name must
// match, and each turn gets at most one nudge.

var intentMarkers = []string{
	"i will use", "i'll use", "i will call", "i'll call",
	"let me use", "let me call",
	"i am going to use", "i'm going to use",
	"going to call", "need to use", "need to call",
	"使用工具", "调用工具", "我将使用", "我会使用", "我将调用", "我会调用",
}

// describedTool returns the name of an available tool the content claims
// to be about to use, empty when the heuristic does not fire.
func describedTool(content string, defs []llm.ToolDefinition) string {
	lower := strings.ToLower(content)
	found := false
	for _, marker := range intentMarkers {
		if strings.Contains(lower, marker) {
			found = true
			break
		}
	}
	if !found {
		return ""
	}
	for _, def := range defs {
		name := def.Function.Name
		if name != "" && strings.Contains(lower, strings.ToLower(name)) {
			return name
		}
	}
	return ""
}

func nudgePrompt(tool string) string {
	return fmt.Sprintf("[system] You described using the %q tool but did not call it. Invoke it now with a tool call, or answer without it.", tool)
}
