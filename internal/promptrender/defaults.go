package promptrender

import (
	_ "embed"
	"strings"
)

//go:embed anthropic.md
var anthropicPrompt string

//go:embed gemini.md
var geminiPrompt string

//go:embed qwen.md
var qwenPrompt string

//go:embed gpt.md
var gptPrompt string

// DefaultPrompt returns a baseline system prompt for a model family, used
// when an agent's configuration does not supply its own system_prompt
// template. Selection is by substring match on the model id, matching the
// teacher's model-family dispatch.
func DefaultPrompt(modelID string) string {
	modelLower := strings.ToLower(modelID)

	switch {
	case strings.Contains(modelLower, "claude"):
		return anthropicPrompt
	case strings.Contains(modelLower, "gemini"):
		return geminiPrompt
	case strings.Contains(modelLower, "gpt"), strings.Contains(modelLower, "o1"):
		return gptPrompt
	case strings.Contains(modelLower, "qwen"):
		return qwenPrompt
	default:
		return anthropicPrompt
	}
}
