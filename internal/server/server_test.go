package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowproxy/flow-proxy/internal/api"
)

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestModelsList(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list api.ModelList
	decodeJSON(t, rec, &list)
	assert.Equal(t, "list", list.Object)

	ids := make(map[string]api.Model, len(list.Data))
	for _, m := range list.Data {
		assert.Equal(t, "model", m.Object)
		assert.Equal(t, "flow-proxy", m.OwnedBy)
		ids[m.ID] = m
	}
	require.Contains(t, ids, "gemini-2.5-flash-image")
	require.Contains(t, ids, "veo-3.1-fast")
	assert.Contains(t, ids["gemini-2.5-flash-image"].Description, "Image generation")
	assert.Contains(t, ids["veo-3.1-fast"].Description, "Video generation")
}

func TestAPIKeyAuth(t *testing.T) {
	h := newHarness(t)
	h.cfg.APIKey = "caller-key"

	rec := h.do(t, http.MethodGet, "/v1/models", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/models", nil, map[string]string{
		"Authorization": "Bearer wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/models", nil, map[string]string{
		"Authorization": "Bearer caller-key",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuthOpenWhenUnset(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/models", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestManagementAuthRequired(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/manage/credentials", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/manage/credentials", nil, map[string]string{
		"Authorization": "Bearer not-the-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/manage/credentials", nil, managementHeader())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestErrorEnvelopeShape(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/manage/credentials", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var envelope api.ErrorResponse
	decodeJSON(t, rec, &envelope)
	assert.Equal(t, "auth_error", envelope.Error.Type)
	assert.Equal(t, http.StatusUnauthorized, envelope.Error.StatusCode)
	assert.NotEmpty(t, envelope.Error.Message)
}
