package flowapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeDoc(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func collectContexts(doc any, out *[]map[string]any) {
	switch v := doc.(type) {
	case map[string]any:
		for key, val := range v {
			if key == "clientContext" {
				if cc, ok := val.(map[string]any); ok {
					*out = append(*out, cc)
				}
			}
			collectContexts(val, out)
		}
	case []any:
		for _, item := range v {
			collectContexts(item, out)
		}
	}
}

func TestInjectProofToken_ReachesEveryContext(t *testing.T) {
	doc := decodeDoc(t, `{
		"clientContext": {"sessionId": ";1"},
		"requests": [{
			"clientContext": {"projectId": "p", "sessionId": ";1", "tool": "PINHOLE"},
			"prompt": "a cat",
			"nested": {"clientContext": {"deep": true}}
		}]
	}`)

	got := InjectProofToken(doc, "tok-1")

	var contexts []map[string]any
	collectContexts(got, &contexts)
	require.Len(t, contexts, 3)
	for _, cc := range contexts {
		assert.Equal(t, "tok-1", cc["recaptchaToken"])
	}
}

func TestInjectProofToken_PreservesSiblings(t *testing.T) {
	doc := decodeDoc(t, `{
		"clientContext": {"sessionId": ";42", "tool": "PINHOLE"},
		"seed": 7,
		"prompt": "hills"
	}`)

	got := InjectProofToken(doc, "tok").(map[string]any)
	cc := got["clientContext"].(map[string]any)
	assert.Equal(t, ";42", cc["sessionId"])
	assert.Equal(t, "PINHOLE", cc["tool"])
	assert.Equal(t, float64(7), got["seed"])
	assert.Equal(t, "hills", got["prompt"])
}

func TestInjectProofToken_DoesNotMutateInput(t *testing.T) {
	doc := decodeDoc(t, `{"clientContext": {"sessionId": ";1"}}`)

	first := InjectProofToken(doc, "first")
	second := InjectProofToken(doc, "second")

	original := doc.(map[string]any)["clientContext"].(map[string]any)
	_, tainted := original["recaptchaToken"]
	assert.False(t, tainted)

	assert.Equal(t, "first", first.(map[string]any)["clientContext"].(map[string]any)["recaptchaToken"])
	assert.Equal(t, "second", second.(map[string]any)["clientContext"].(map[string]any)["recaptchaToken"])
}

func TestInjectProofToken_OverwritesStaleToken(t *testing.T) {
	doc := decodeDoc(t, `{"clientContext": {"recaptchaToken": "stale"}}`)
	got := InjectProofToken(doc, "fresh")
	cc := got.(map[string]any)["clientContext"].(map[string]any)
	assert.Equal(t, "fresh", cc["recaptchaToken"])
}

func TestInjectProofToken_ScalarsPassThrough(t *testing.T) {
	assert.Equal(t, "hello", InjectProofToken("hello", "tok"))
	assert.Equal(t, nil, InjectProofToken(nil, "tok"))
}
