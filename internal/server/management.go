package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowproxy/flow-proxy/internal/credential"
	"github.com/flowproxy/flow-proxy/internal/logging"
)

// credentialView is the sanitized management listing row. Session and access
// tokens never leave the server in full.
type credentialView struct {
	ID           int64      `json:"id"`
	SessionToken string     `json:"session_token"`
	Credits      int        `json:"credits"`
	PaygateTier  string     `json:"paygate_tier,omitempty"`
	ProjectID    string     `json:"project_id,omitempty"`
	Enabled      bool       `json:"enabled"`
	ErrorCount   int        `json:"error_count"`
	Ban          string     `json:"ban,omitempty"`
	BanExpires   *time.Time `json:"ban_expires,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func viewOf(c credential.Credential) credentialView {
	v := credentialView{
		ID:           c.ID,
		SessionToken: logging.RedactToken(c.SessionToken),
		Credits:      c.Credits,
		PaygateTier:  c.PaygateTier,
		ProjectID:    c.ProjectID,
		Enabled:      c.Enabled,
		ErrorCount:   c.ErrorCount,
		Ban:          string(c.Ban),
		BanExpires:   c.BanExpires,
		CreatedAt:    c.CreatedAt,
	}
	if !c.LastUsedAt.IsZero() {
		t := c.LastUsedAt
		v.LastUsedAt = &t
	}
	return v
}

func (s *Server) handleListCredentials(c *gin.Context) {
	creds := s.store.ListAll()
	out := make([]credentialView, 0, len(creds))
	for _, cred := range creds {
		out = append(out, viewOf(cred))
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

func (s *Server) handleAddCredential(c *gin.Context) {
	var req struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionToken == "" {
		abortError(c, http.StatusBadRequest, "invalid_request_error", "session_token is required")
		return
	}

	ctx := c.Request.Context()
	var id int64
	if s.inserter != nil {
		newID, err := s.inserter.InsertCredential(ctx, req.SessionToken)
		if err != nil {
			s.logger.Error("insert credential failed", zap.Error(err))
			abortError(c, http.StatusConflict, "invalid_request_error", "credential could not be stored")
			return
		}
		id = newID
	} else {
		id = nextMemoryID(s.store)
	}

	cred := credential.Credential{
		ID:           id,
		SessionToken: req.SessionToken,
		Enabled:      true,
	}
	if err := s.store.Add(ctx, cred); err != nil {
		abortError(c, http.StatusInternalServerError, "upstream_error", "credential could not be added")
		return
	}
	s.admission.Register(id)

	s.logger.Info("credential added",
		logging.CredentialID(id),
		logging.SessionToken(req.SessionToken))
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleDeleteCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	if err := s.store.Remove(c.Request.Context(), id); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			abortError(c, http.StatusNotFound, "not_found", "credential not found")
			return
		}
		abortError(c, http.StatusInternalServerError, "upstream_error", "credential could not be removed")
		return
	}
	s.admission.Unregister(id)
	s.logger.Info("credential removed", logging.CredentialID(id))
	c.Status(http.StatusNoContent)
}

// handleUpdateCredential flips the enabled flag; enabling is the explicit
// re-enable path that clears hard bans.
func (s *Server) handleUpdateCredential(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		abortError(c, http.StatusBadRequest, "invalid_request_error", "enabled is required")
		return
	}
	if err := s.store.SetEnabled(c.Request.Context(), id, *req.Enabled); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			abortError(c, http.StatusNotFound, "not_found", "credential not found")
			return
		}
		abortError(c, http.StatusInternalServerError, "upstream_error", "credential could not be updated")
		return
	}
	s.logger.Info("credential updated",
		logging.CredentialID(id), zap.Bool("enabled", *req.Enabled))

	cred, err := s.store.Get(id)
	if err != nil {
		abortError(c, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	c.JSON(http.StatusOK, viewOf(cred))
}

// handleDeleteProject drops the credential's upstream project and clears the
// stored project id, so the next job provisions a fresh one.
func (s *Server) handleDeleteProject(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	cred, err := s.store.Get(id)
	if err != nil {
		abortError(c, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	if cred.ProjectID == "" {
		abortError(c, http.StatusConflict, "invalid_request_error", "credential has no project")
		return
	}
	ctx := c.Request.Context()
	if err := s.maintenance.DeleteProject(ctx, cred.SessionToken, cred.ProjectID); err != nil {
		s.logger.Error("delete project failed", logging.CredentialID(id), zap.Error(err))
		abortError(c, http.StatusBadGateway, "upstream_error", "project could not be deleted")
		return
	}
	if err := s.store.SetProjectID(ctx, id, ""); err != nil {
		abortError(c, http.StatusInternalServerError, "upstream_error", "credential could not be updated")
		return
	}
	s.logger.Info("project deleted", logging.CredentialID(id), zap.String("project_id", cred.ProjectID))
	c.Status(http.StatusNoContent)
}

// handleDeleteMedia removes generated media from the upstream account.
func (s *Server) handleDeleteMedia(c *gin.Context) {
	id, ok := credentialID(c)
	if !ok {
		return
	}
	var req struct {
		Names []string `json:"names"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Names) == 0 {
		abortError(c, http.StatusBadRequest, "invalid_request_error", "names is required")
		return
	}
	cred, err := s.store.Get(id)
	if err != nil {
		abortError(c, http.StatusNotFound, "not_found", "credential not found")
		return
	}
	if err := s.maintenance.DeleteMedia(c.Request.Context(), cred.SessionToken, req.Names); err != nil {
		s.logger.Error("delete media failed", logging.CredentialID(id), zap.Error(err))
		abortError(c, http.StatusBadGateway, "upstream_error", "media could not be deleted")
		return
	}
	s.logger.Info("media deleted", logging.CredentialID(id), zap.Int("count", len(req.Names)))
	c.JSON(http.StatusOK, gin.H{"deleted": len(req.Names)})
}

func credentialID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abortError(c, http.StatusBadRequest, "invalid_request_error", "invalid credential id")
		return 0, false
	}
	return id, true
}

// nextMemoryID assigns ids when no durable store is wired (tests, ephemeral
// deployments).
func nextMemoryID(store *credential.Store) int64 {
	var max int64
	for _, cred := range store.ListAll() {
		if cred.ID > max {
			max = cred.ID
		}
	}
	return max + 1
}
