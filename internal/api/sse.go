package api

import (
	"encoding/json"
	"fmt"
)

// StreamDone is the closing sentinel of a chat completion SSE stream.
const StreamDone = "data: [DONE]\n\n"

// SSE renders v as a single server-sent-event data frame.
func SSE(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal sse payload: %w", err)
	}
	return fmt.Sprintf("data: %s\n\n", payload), nil
}
