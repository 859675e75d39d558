package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowproxy/flow-proxy/internal/api"
	"github.com/flowproxy/flow-proxy/internal/orchestrator"
)

var markdownImageURL = regexp.MustCompile(`!\[.*?\]\((.*?)\)`)

// handleImageGenerations adapts the OpenAI images API onto the chat pipeline:
// the prompt runs as a one-shot image job and the markdown result is unpacked
// back into url or b64_json form.
func (s *Server) handleImageGenerations(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxRequestSize)

	var req api.ImageGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	if req.Prompt == "" {
		abortError(c, http.StatusUnprocessableEntity, "invalid_request_error", "prompt is required")
		return
	}
	if req.N > 1 {
		abortError(c, http.StatusUnprocessableEntity, "invalid_request_error", "only n=1 is supported")
		return
	}

	model, err := s.orch.Catalog().ResolveImageModel(req.Model, req.Size)
	if err != nil {
		abortError(c, http.StatusUnprocessableEntity, "invalid_request_error", err.Error())
		return
	}

	resp, err := s.orch.Complete(c.Request.Context(), orchestrator.Job{
		Model:  model.ID,
		Prompt: req.Prompt,
	})
	if err != nil {
		writeOrchestratorError(c, err)
		return
	}

	content := ""
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		content = resp.Choices[0].Message.Content
	}
	urls := markdownImageURL.FindAllStringSubmatch(content, -1)
	if len(urls) == 0 {
		abortError(c, http.StatusBadGateway, "upstream_error", "generation produced no image")
		return
	}

	data := make([]api.ImageData, 0, len(urls))
	for _, m := range urls {
		url := m[1]
		if req.ResponseFormat == "b64_json" {
			encoded, err := s.fetchBase64(c, url)
			if err != nil {
				abortError(c, http.StatusBadGateway, "upstream_error", "download generated image: "+err.Error())
				return
			}
			data = append(data, api.ImageData{B64JSON: encoded})
			continue
		}
		data = append(data, api.ImageData{URL: url})
	}
	c.JSON(http.StatusOK, api.ImageGenerationResponse{
		Created: time.Now().Unix(),
		Data:    data,
	})
}

const maxImageDownload = 64 << 20

// fetchBase64 loads the generated image, from the local cache when the URL
// points back at us, otherwise over HTTP.
func (s *Server) fetchBase64(c *gin.Context, url string) (string, error) {
	if s.cache != nil {
		if name, ok := s.cache.EntryName(url); ok {
			rc, err := s.cache.Open(name)
			if err == nil {
				defer func() { _ = rc.Close() }()
				raw, err := io.ReadAll(io.LimitReader(rc, maxImageDownload))
				if err != nil {
					return "", err
				}
				return base64.StdEncoding.EncodeToString(raw), nil
			}
		}
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageDownload))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
