package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessage_TextPlainString(t *testing.T) {
	var req ChatCompletionRequest
	body := `{"model":"veo-3.1-fast","messages":[{"role":"user","content":"a sunset"}],"stream":true}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	require.Len(t, req.Messages, 1)
	assert.Equal(t, "a sunset", req.Messages[0].Text())
	assert.Nil(t, req.Messages[0].Parts())
}

func TestChatMessage_TextMultimodal(t *testing.T) {
	body := `{"role":"user","content":[
		{"type":"text","text":"make it "},
		{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,Zm9v"}},
		{"type":"text","text":"blue"}
	]}`
	var msg ChatMessage
	require.NoError(t, json.Unmarshal([]byte(body), &msg))

	assert.Equal(t, "make it blue", msg.Text())
	parts := msg.Parts()
	require.Len(t, parts, 3)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/jpeg;base64,Zm9v", parts[1].ImageURL.URL)
}

func TestChatMessage_TextInvalidContent(t *testing.T) {
	msg := ChatMessage{Role: "user", Content: json.RawMessage(`42`)}
	assert.Equal(t, "", msg.Text())
}

func TestSSE_Format(t *testing.T) {
	chunk := ChatCompletionChunk{
		ID:     "chatcmpl-123",
		Object: "chat.completion.chunk",
		Model:  "veo-3.1-fast",
		Choices: []ChunkChoice{
			{Delta: Delta{Content: "hi"}, FinishReason: "stop"},
		},
	}
	frame, err := SSE(chunk)
	require.NoError(t, err)
	assert.Contains(t, frame, `"finish_reason":"stop"`)
	assert.True(t, len(frame) > 8 && frame[:6] == "data: ")
	assert.Equal(t, "\n\n", frame[len(frame)-2:])
}

func TestNewError_Shape(t *testing.T) {
	resp := NewError(403, "proof_token_error", "proof_token_unavailable", "token service unreachable")
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{
		"message":"token service unreachable",
		"type":"proof_token_error",
		"code":"proof_token_unavailable",
		"status_code":403
	}}`, string(data))
}
