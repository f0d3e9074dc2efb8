package translator

import "strings"

// Fixed model name mapping from the three client protocols to the upstream
// catalogue, with a substring fallback for unlisted names.
var modelMapping = map[string]string{
	// OpenAI names
	"gpt-4o":        "claude-sonnet-4",
	"gpt-4":         "claude-sonnet-4",
	"gpt-4-turbo":   "claude-sonnet-4",
	"gpt-4o-mini":   "claude-haiku-4.5",
	"gpt-3.5-turbo": "claude-haiku-4.5",
	"o1":            "claude-opus-4.5",
	"o1-preview":    "claude-opus-4.5",
	"o1-mini":       "claude-sonnet-4",

	// Anthropic public names
	"claude-3-5-sonnet-20241022": "claude-sonnet-4",
	"claude-3-5-sonnet-latest":   "claude-sonnet-4",
	"claude-3-5-sonnet":          "claude-sonnet-4",
	"claude-3-5-haiku-20241022":  "claude-haiku-4.5",
	"claude-3-5-haiku-latest":    "claude-haiku-4.5",
	"claude-3-opus-20240229":     "claude-opus-4.5",
	"claude-3-opus-latest":       "claude-opus-4.5",
	"claude-3-sonnet-20240229":   "claude-sonnet-4",
	"claude-3-haiku-20240307":    "claude-haiku-4.5",
	"claude-4-sonnet":            "claude-sonnet-4",
	"claude-4-opus":              "claude-opus-4.5",

	// Gemini names
	"gemini-2.0-flash":          "claude-sonnet-4",
	"gemini-2.0-flash-thinking": "claude-opus-4.5",
	"gemini-1.5-pro":            "claude-sonnet-4.5",
	"gemini-1.5-flash":          "claude-sonnet-4",

	// Short aliases
	"sonnet": "claude-sonnet-4",
	"haiku":  "claude-haiku-4.5",
	"opus":   "claude-opus-4.5",
}

// upstreamModels are the names the upstream accepts as-is.
var upstreamModels = map[string]bool{
	"auto":              true,
	"claude-sonnet-4.5": true,
	"claude-sonnet-4":   true,
	"claude-haiku-4.5":  true,
	"claude-opus-4.5":   true,
}

const defaultModel = "claude-sonnet-4"

// MapModel maps a client model name to an upstream model id.
func MapModel(model string) string {
	if model == "" {
		return defaultModel
	}
	if mapped, ok := modelMapping[model]; ok {
		return mapped
	}
	if upstreamModels[model] {
		return model
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return "claude-opus-4.5"
	case strings.Contains(lower, "haiku"):
		return "claude-haiku-4.5"
	case strings.Contains(lower, "sonnet") && strings.Contains(lower, "4.5"):
		return "claude-sonnet-4.5"
	case strings.Contains(lower, "sonnet"):
		return "claude-sonnet-4"
	}
	return defaultModel
}

// StaticModel is one entry of the fallback /v1/models list.
type StaticModel struct {
	ID   string
	Name string
}

// StaticModels is the model list served when the upstream catalogue is
// unreachable.
var StaticModels = []StaticModel{
	{ID: "auto", Name: "Auto"},
	{ID: "claude-sonnet-4.5", Name: "Claude Sonnet 4.5"},
	{ID: "claude-sonnet-4", Name: "Claude Sonnet 4"},
	{ID: "claude-haiku-4.5", Name: "Claude Haiku 4.5"},
	{ID: "claude-opus-4.5", Name: "Claude Opus 4.5"},
}
