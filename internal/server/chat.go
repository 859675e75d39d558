package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowproxy/flow-proxy/internal/api"
	"github.com/flowproxy/flow-proxy/internal/orchestrator"
)

func (s *Server) handleChatCompletions(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxRequestSize)

	var req api.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	job, err := orchestrator.BuildJob(req)
	if err != nil {
		writeOrchestratorError(c, err)
		return
	}

	if req.Stream {
		s.streamChat(c, job)
		return
	}

	resp, err := s.orch.Complete(c.Request.Context(), job)
	if err != nil {
		s.logger.Warn("chat completion failed",
			zap.String("model", job.Model), zap.Error(err))
		writeOrchestratorError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamChat forwards orchestrator frames as server-sent events, flushing
// after each frame so long-running generations keep the connection warm.
func (s *Server) streamChat(c *gin.Context, job orchestrator.Job) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	frames := s.orch.Stream(c.Request.Context(), job)
	c.Stream(func(w io.Writer) bool {
		frame, ok := <-frames
		if !ok {
			return false
		}
		_, _ = io.WriteString(w, frame)
		return true
	})
}

func (s *Server) handleModels(c *gin.Context) {
	models := s.orch.Catalog().List()
	out := api.ModelList{Object: "list", Data: make([]api.Model, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, api.Model{
			ID:          m.ID,
			Object:      "model",
			OwnedBy:     "flow-proxy",
			Description: modelDescription(m),
		})
	}
	c.JSON(http.StatusOK, out)
}

func modelDescription(m orchestrator.Model) string {
	if m.Kind == orchestrator.KindVideo {
		return "Video generation - " + m.VideoTextKey
	}
	return "Image generation - " + m.ImageModelName
}
