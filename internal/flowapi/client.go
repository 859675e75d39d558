// Package flowapi speaks the unofficial generation backend protocol. Session
// endpoints authenticate with a browser session cookie, media endpoints with
// a short-lived bearer token, and submission endpoints additionally carry a
// proof token injected into every clientContext of the request body.
package flowapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/flowproxy/flow-proxy/internal/captcha"
	"github.com/flowproxy/flow-proxy/internal/logging"
)

const (
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	sessionCookie   = "__Secure-next-auth.session-token"
	maxResponseSize = 32 << 20
	errBodySnippet  = 512
)

type authMode int

const (
	authNone authMode = iota
	authSession
	authBearer
)

// Client is the protocol client. It is safe for concurrent use; per-call
// identity (cookie or bearer token) is passed per request, never stored.
type Client struct {
	labsBaseURL string
	apiBaseURL  string
	httpClient  *http.Client
	tokens      captcha.TokenProvider
	classify    RetryClassifier
	wire        *logging.WireLogger
	logger      *zap.Logger

	now  func() time.Time
	seed func() int
}

// Options configures a Client.
type Options struct {
	// LabsBaseURL serves auth and project management, cookie authenticated.
	LabsBaseURL string
	// APIBaseURL serves media generation, bearer authenticated.
	APIBaseURL string
	// HTTPClient carries the egress routing transport. Required.
	HTTPClient *http.Client
	// Tokens solves proof tokens for submission endpoints. When nil, image
	// and video submissions fail with a token error.
	Tokens captcha.TokenProvider
	// Classify decides which rejections earn a single fresh-token retry.
	// Nil means DefaultRetryClassifier.
	Classify RetryClassifier
	Wire     *logging.WireLogger
	Logger   *zap.Logger
}

// NewClient builds a Client.
func NewClient(opts Options) *Client {
	if opts.Classify == nil {
		opts.Classify = DefaultRetryClassifier
	}
	if opts.Wire == nil {
		opts.Wire = logging.NewWireLogger(nil, false)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		labsBaseURL: strings.TrimRight(opts.LabsBaseURL, "/"),
		apiBaseURL:  strings.TrimRight(opts.APIBaseURL, "/"),
		httpClient:  opts.HTTPClient,
		tokens:      opts.Tokens,
		classify:    opts.Classify,
		wire:        opts.Wire,
		logger:      opts.Logger,
		now:         time.Now,
		seed:        func() int { return rand.Intn(99999) + 1 },
	}
}

// do executes one round trip and decodes the JSON answer into out. A non-2xx
// status becomes an *APIError carrying a snippet of the body.
func (c *Client) do(ctx context.Context, method, url string, auth authMode, token string, body any, out any) error {
	var reqBody io.Reader
	var rawBody []byte
	if body != nil {
		var err error
		rawBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(rawBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "gzip, br")
	switch auth {
	case authSession:
		req.Header.Set("Cookie", sessionCookie+"="+token)
	case authBearer:
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.wire.Request(method, url, headerMap(req.Header), rawBody)
	start := c.now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	data, err := decodeBody(resp)
	c.wire.Response(method, url, resp.StatusCode, data, time.Since(start))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: snippet(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// submit posts a generation payload that requires a proof token. The token
// is injected into every clientContext of the payload. When the upstream
// rejects the proof, exactly one fresh token is fetched and the call is
// retried once with the same payload.
func (c *Client) submit(ctx context.Context, url, accessToken, projectID string, payload any, out any) error {
	if c.tokens == nil {
		return &captcha.TokenError{Err: errors.New("no proof token provider configured")}
	}

	doc, err := toDocument(payload)
	if err != nil {
		return err
	}

	proof, err := c.tokens.Token(ctx, projectID)
	if err != nil {
		return err
	}

	attempt := InjectProofToken(doc, proof)
	callErr := c.do(ctx, http.MethodPost, url, authBearer, accessToken, attempt, out)
	if callErr == nil {
		return nil
	}

	ae, ok := AsAPIError(callErr)
	if !ok || !c.classify(ae.StatusCode, ae.Body) {
		return callErr
	}

	c.logger.Info("proof token rejected, retrying once",
		zap.String("url", url),
		zap.Int("status", ae.StatusCode))

	proof, err = c.tokens.Token(ctx, projectID)
	if err != nil {
		return err
	}
	attempt = InjectProofToken(doc, proof)
	return c.do(ctx, http.MethodPost, url, authBearer, accessToken, attempt, out)
}

// toDocument lowers a typed payload to the generic JSON tree InjectProofToken
// operates on.
func toDocument(payload any) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return doc, nil
}

// decodeBody reads the response, transparently inflating brotli and gzip
// encodings the upstream applies when asked.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(io.LimitReader(reader, maxResponseSize))
}

func snippet(data []byte) string {
	if len(data) <= errBodySnippet {
		return string(data)
	}
	return string(data[:errBodySnippet]) + "..."
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
