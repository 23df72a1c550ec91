package ai

import "strings"

// Model families that reject tool definitions or ignore them.
var noToolModels = []string{
	"deepseek-r1",
	"o1-mini",
	"o1-preview",
	"gemma",
	"phi",
	"llama2",
}

// SupportsToolCalls reports whether model is expected to accept tool calls.
// Unknown models are assumed capable.
func SupportsToolCalls(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range noToolModels {
		if strings.Contains(m, prefix) {
			return false
		}
	}
	return true
}
