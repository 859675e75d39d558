package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowproxy/flow-proxy/internal/api"
)

func TestChatCompletion(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("a red fox"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ChatCompletionResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message)
	assert.Equal(t, "![Generated Image](https://media.example/result.png)", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Positive(t, resp.Usage.TotalTokens)
}

func TestChatCompletionInvalidBody(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionEmptyPrompt(t *testing.T) {
	h := newHarness(t)

	body := map[string]any{
		"model":    "gemini-2.5-flash-image",
		"messages": []map[string]any{{"role": "user", "content": ""}},
	}
	rec := h.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var envelope api.ErrorResponse
	decodeJSON(t, rec, &envelope)
	assert.Equal(t, "invalid_request_error", envelope.Error.Type)
}

func TestChatCompletionUnknownModel(t *testing.T) {
	h := newHarness(t)

	body := map[string]any{
		"model":    "dall-e-9",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	}
	rec := h.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestChatCompletionStream(t *testing.T) {
	h := newHarness(t)

	body := chatBody("a red fox")
	body["stream"] = true
	rec := h.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	out := rec.Body.String()
	assert.Contains(t, out, `"role":"assistant"`)
	assert.Contains(t, out, "![Generated Image](https://media.example/result.png)")
	assert.Contains(t, out, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestChatCompletionStreamError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Remove(context.Background(), 1))

	body := chatBody("a red fox")
	body["stream"] = true
	rec := h.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, "pool_exhausted")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}

func TestChatCompletionPoolExhausted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Remove(context.Background(), 1))

	rec := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("a red fox"), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var envelope api.ErrorResponse
	decodeJSON(t, rec, &envelope)
	assert.Equal(t, "pool_exhausted", envelope.Error.Type)
}
