package proxy

import "strings"

// assistantModelPrefix is the OpenAI-compatible "model" value LAMB assistants
// are addressed by: "lamb_assistant.<id>". Any other model value is rejected
// — this gateway has no provider-name routing table; every request resolves
// to exactly one assistant and the connector its configuration names (C3).
const assistantModelPrefix = "lamb_assistant."

// parseAssistantModel extracts the numeric assistant id from a model string
// of the form "lamb_assistant.<id>". ok is false for any other shape.
func parseAssistantModel(model string) (id int, ok bool) {
	rest, found := strings.CutPrefix(model, assistantModelPrefix)
	if !found || rest == "" {
		return 0, false
	}
	n := 0
	for _, c := range rest {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
