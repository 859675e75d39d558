// Package client talks to a flow-proxy server from the CLI: chat completions
// with SSE streaming, and the management credential API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowproxy/flow-proxy/internal/api"
)

// ChatClient drives the OpenAI-compatible surface of a flow-proxy server.
type ChatClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Options configures one chat request.
type Options struct {
	Model  string
	Stream bool
	// OnDelta receives streamed content fragments as they arrive; nil
	// discards them until the final accumulated response.
	OnDelta func(content string)
}

// NewChatClient creates a client. Generation can take minutes, so the
// default timeout is generous.
func NewChatClient(baseURL, apiKey string) *ChatClient {
	return &ChatClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Minute},
	}
}

// TextMessage builds a plain-text chat message.
func TextMessage(role, content string) api.ChatMessage {
	raw, _ := json.Marshal(content)
	return api.ChatMessage{Role: role, Content: raw}
}

// Send posts the conversation and returns the assistant response. Streaming
// mode consumes the SSE frames and reassembles the final message.
func (c *ChatClient) Send(ctx context.Context, messages []api.ChatMessage, opts Options) (*api.ChatCompletionResponse, error) {
	if _, err := url.Parse(c.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	body, err := json.Marshal(api.ChatCompletionRequest{
		Model:    opts.Model,
		Messages: messages,
		Stream:   opts.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp)
	}
	if opts.Stream {
		return readStream(resp.Body, opts.OnDelta)
	}

	var out api.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse chat response: %w", err)
	}
	return &out, nil
}

// readStream folds the SSE frames back into a single response. Error frames
// arrive in the same envelope the non-streaming path uses.
func readStream(r io.Reader, onDelta func(string)) (*api.ChatCompletionResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var final *api.ChatCompletionResponse
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var errFrame api.ErrorResponse
		if err := json.Unmarshal([]byte(data), &errFrame); err == nil && errFrame.Error.Message != "" {
			return nil, fmt.Errorf("%s: %s", errFrame.Error.Type, errFrame.Error.Message)
		}

		var chunk api.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" && onDelta != nil {
			onDelta(choice.Delta.Content)
		}

		if final == nil {
			final = &api.ChatCompletionResponse{
				ID:      chunk.ID,
				Object:  "chat.completion",
				Created: chunk.Created,
				Model:   chunk.Model,
				Choices: []api.Choice{{
					Message: &api.ResponseMessage{Role: "assistant"},
				}},
			}
		}
		final.Choices[0].Message.Content += choice.Delta.Content
		if choice.FinishReason != "" {
			final.Choices[0].FinishReason = choice.FinishReason
		}
		if chunk.Usage != nil {
			final.Usage = chunk.Usage
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if final == nil {
		return nil, fmt.Errorf("stream ended without a response")
	}
	return final, nil
}

// Models fetches the catalog from GET /v1/models.
func (c *ChatClient) Models(ctx context.Context) (*api.ModelList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp)
	}
	var out api.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse models response: %w", err)
	}
	return &out, nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var envelope api.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("%s: %s", envelope.Error.Type, envelope.Error.Message)
	}
	return fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
