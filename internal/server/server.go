// Package server exposes the OpenAI-compatible HTTP surface and the
// credential management API.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowproxy/flow-proxy/internal/admission"
	"github.com/flowproxy/flow-proxy/internal/api"
	"github.com/flowproxy/flow-proxy/internal/config"
	"github.com/flowproxy/flow-proxy/internal/credential"
	"github.com/flowproxy/flow-proxy/internal/mediacache"
	"github.com/flowproxy/flow-proxy/internal/orchestrator"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// CredentialInserter creates a durable credential row and returns its id.
// The database package implements this.
type CredentialInserter interface {
	InsertCredential(ctx context.Context, sessionToken string) (int64, error)
}

// UpstreamMaintenance covers the housekeeping calls the management surface
// drives against the generation backend. The flowapi client implements this.
type UpstreamMaintenance interface {
	DeleteProject(ctx context.Context, sessionToken, projectID string) error
	DeleteMedia(ctx context.Context, sessionToken string, mediaNames []string) error
}

// Server routes OpenAI-compatible requests into the orchestrator and hosts
// the management API for the credential pool.
type Server struct {
	server *http.Server
	engine *gin.Engine
	config *config.Config
	logger *zap.Logger

	orch        *orchestrator.Orchestrator
	store       *credential.Store
	admission   admission.Controller
	inserter    CredentialInserter
	cache       *mediacache.Cache
	maintenance UpstreamMaintenance

	// managementHash is a bcrypt digest of the management token; the
	// plaintext is not retained after construction.
	managementHash []byte

	started time.Time
}

// Options wires a Server.
type Options struct {
	Config       *config.Config
	Logger       *zap.Logger
	Orchestrator *orchestrator.Orchestrator
	Store        *credential.Store
	Admission    admission.Controller
	// Inserter is optional; without it new credentials get in-memory ids only.
	Inserter CredentialInserter
	// Cache is optional; nil disables the media route.
	Cache *mediacache.Cache
	// Maintenance is optional; nil disables the upstream housekeeping routes.
	Maintenance UpstreamMaintenance
}

// New builds the server and registers all routes. Call Start to listen.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("server requires a config")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(opts.Config.ManagementToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash management token: %w", err)
	}

	if opts.Config.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:         engine,
		config:         opts.Config,
		logger:         opts.Logger,
		orch:           opts.Orchestrator,
		store:          opts.Store,
		admission:      opts.Admission,
		inserter:       opts.Inserter,
		cache:          opts.Cache,
		maintenance:    opts.Maintenance,
		managementHash: hash,
		started:        time.Now(),
		server: &http.Server{
			Addr:        opts.Config.ListenAddr,
			Handler:     engine,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 2 * opts.Config.RequestTimeout,
		},
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.engine.Use(s.requestLog())

	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1", s.apiKeyAuth())
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.GET("/models", s.handleModels)
	v1.POST("/images/generations", s.handleImageGenerations)

	if s.cache != nil {
		s.engine.GET("/media/:name", s.handleMedia)
	}

	manage := s.engine.Group("/manage", s.managementAuth())
	manage.GET("/credentials", s.handleListCredentials)
	manage.POST("/credentials", s.handleAddCredential)
	manage.DELETE("/credentials/:id", s.handleDeleteCredential)
	manage.PATCH("/credentials/:id", s.handleUpdateCredential)
	if s.maintenance != nil {
		manage.DELETE("/credentials/:id/project", s.handleDeleteProject)
		manage.DELETE("/credentials/:id/media", s.handleDeleteMedia)
	}
}

// Start blocks serving HTTP until Shutdown or a listen error.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.config.ListenAddr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// handleMedia serves one cached media file by name.
func (s *Server) handleMedia(c *gin.Context) {
	name := c.Param("name")
	rc, err := s.cache.Open(name)
	if err != nil {
		abortError(c, http.StatusNotFound, "not_found", "media not found")
		return
	}
	defer func() { _ = rc.Close() }()

	switch {
	case strings.HasSuffix(name, ".mp4"):
		c.Header("Content-Type", "video/mp4")
	case strings.HasSuffix(name, ".png"):
		c.Header("Content-Type", "image/png")
	default:
		c.Header("Content-Type", "image/jpeg")
	}
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, rc)
}

// apiKeyAuth gates the /v1 surface on the configured API key. An empty key
// leaves the surface open, which suits private deployments.
func (s *Server) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.APIKey == "" {
			c.Next()
			return
		}
		if bearerToken(c) != s.config.APIKey {
			abortError(c, http.StatusUnauthorized, "auth_error", "invalid API key")
			return
		}
		c.Next()
	}
}

func (s *Server) managementAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortError(c, http.StatusUnauthorized, "auth_error", "missing Authorization header")
			return
		}
		if bcrypt.CompareHashAndPassword(s.managementHash, []byte(token)) != nil {
			abortError(c, http.StatusUnauthorized, "auth_error", "invalid management token")
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return header[len(prefix):]
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// abortError writes the OpenAI-style error envelope and stops the chain.
func abortError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, api.NewError(status, errType, errType, message))
}

// writeOrchestratorError maps a job failure onto the response envelope.
func writeOrchestratorError(c *gin.Context, err error) {
	if oerr, ok := err.(*orchestrator.Error); ok {
		abortError(c, oerr.StatusCode, string(oerr.Kind), oerr.Message)
		return
	}
	abortError(c, http.StatusInternalServerError, "upstream_error", err.Error())
}
