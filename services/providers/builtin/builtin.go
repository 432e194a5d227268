// Package builtin wires the adapters shipped with the relay into a Translator.
package builtin

import (
	"github.com/upb/llm-relay/services/providers"
	"github.com/upb/llm-relay/services/providers/anthropic"
	"github.com/upb/llm-relay/services/providers/google"
	"github.com/upb/llm-relay/services/providers/openai"
)

// NewTranslator returns a translator serving openai, other, anthropic and google channels
func NewTranslator() *providers.Translator {
	return providers.NewTranslator().MustRegister(
		openai.NewAdapter(),
		openai.NewCompatibleAdapter(),
		anthropic.NewAdapter(),
		google.NewAdapter(),
	)
}
