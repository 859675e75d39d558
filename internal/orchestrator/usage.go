package orchestrator

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/flowproxy/flow-proxy/internal/api"
)

// countTokens counts tokens in a string. Encoder setup can fail when the
// encoding data is unavailable; a byte-length estimate keeps usage reporting
// advisory rather than fatal.
func countTokens(text string) int {
	tk, err := tiktoken.EncodingForModel("gpt-3.5-turbo")
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(tk.Encode(text, nil, nil))
}

func buildUsage(prompt, completion string) *api.Usage {
	p := countTokens(prompt)
	c := countTokens(completion)
	return &api.Usage{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
	}
}
