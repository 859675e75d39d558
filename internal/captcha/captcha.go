// Package captcha obtains proof-of-humanity tokens for upstream submission
// calls. Tokens are short lived and project scoped, so there is no caching
// layer: every request fetches a fresh token within a bounded wait.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrEmptyToken is returned when the solver answered but produced no token.
var ErrEmptyToken = errors.New("captcha: solver returned empty token")

// TokenProvider produces a proof token scoped to a project.
type TokenProvider interface {
	Token(ctx context.Context, projectID string) (string, error)
}

// TokenError wraps any failure to obtain a proof token so callers can map it
// to a distinct client-facing error class.
type TokenError struct {
	Err error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("proof token unavailable: %v", e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// IsTokenError reports whether err originated from proof-token acquisition.
func IsTokenError(err error) bool {
	var te *TokenError
	return errors.As(err, &te)
}

// Solver calls an external token service over HTTP. The service exposes
// POST /token accepting a project ID and returning the solved token.
type Solver struct {
	baseURL   string
	clientKey string
	client    *http.Client
	logger    *zap.Logger
}

// NewSolver builds a Solver for the given service base URL. clientKey is
// optional and forwarded as a bearer credential when set.
func NewSolver(baseURL, clientKey string, client *http.Client, logger *zap.Logger) *Solver {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{
		baseURL:   strings.TrimRight(baseURL, "/"),
		clientKey: clientKey,
		client:    client,
		logger:    logger,
	}
}

type tokenRequest struct {
	ProjectID string `json:"project_id"`
}

type tokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Error   string `json:"error,omitempty"`
}

// Token implements TokenProvider.
func (s *Solver) Token(ctx context.Context, projectID string) (string, error) {
	if strings.TrimSpace(projectID) == "" {
		return "", &TokenError{Err: errors.New("project ID is empty")}
	}

	body, err := json.Marshal(tokenRequest{ProjectID: strings.TrimSpace(projectID)})
	if err != nil {
		return "", &TokenError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return "", &TokenError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.clientKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.clientKey)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return "", &TokenError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &TokenError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &TokenError{Err: fmt.Errorf("solver status %d: %s", resp.StatusCode, truncate(data, 200))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", &TokenError{Err: fmt.Errorf("decode solver response: %w", err)}
	}
	if !tr.Success || tr.Token == "" {
		if tr.Error != "" {
			return "", &TokenError{Err: errors.New(tr.Error)}
		}
		return "", &TokenError{Err: ErrEmptyToken}
	}

	s.logger.Debug("proof token solved",
		zap.Duration("took", time.Since(start)),
		zap.Int("token_len", len(tr.Token)))
	return tr.Token, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Bounded wraps a TokenProvider with a hard deadline. Solving can take tens
// of seconds; the bound keeps a stuck solver from pinning a request slot.
type Bounded struct {
	inner TokenProvider
	wait  time.Duration
}

// NewBounded caps every Token call at wait.
func NewBounded(inner TokenProvider, wait time.Duration) *Bounded {
	if wait <= 0 {
		wait = time.Minute
	}
	return &Bounded{inner: inner, wait: wait}
}

// Token implements TokenProvider.
func (b *Bounded) Token(ctx context.Context, projectID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.wait)
	defer cancel()
	tok, err := b.inner.Token(ctx, projectID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !IsTokenError(err) {
			return "", &TokenError{Err: fmt.Errorf("timed out after %s", b.wait)}
		}
		return "", err
	}
	return tok, nil
}
