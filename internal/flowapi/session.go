package flowapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoAccessToken is returned when the session endpoint answers without a
// token, which means the session cookie is stale.
var ErrNoAccessToken = errors.New("flowapi: session exchange returned no access token")

// Session exchanges a browser session token for a short-lived access token.
func (c *Client) Session(ctx context.Context, sessionToken string) (SessionInfo, error) {
	var info SessionInfo
	url := c.labsBaseURL + "/auth/session"
	if err := c.do(ctx, http.MethodGet, url, authSession, sessionToken, nil, &info); err != nil {
		return SessionInfo{}, err
	}
	if info.AccessToken == "" {
		return SessionInfo{}, ErrNoAccessToken
	}
	return info, nil
}

// ExchangeSession adapts Session to the credential store's exchanger
// contract.
func (c *Client) ExchangeSession(ctx context.Context, sessionToken string) (string, time.Time, error) {
	info, err := c.Session(ctx, sessionToken)
	if err != nil {
		return "", time.Time{}, err
	}
	return info.AccessToken, info.ExpiresAt(), nil
}

type trpcEnvelope struct {
	JSON any `json:"json"`
}

type createProjectResult struct {
	Result struct {
		Data struct {
			JSON struct {
				Result struct {
					ProjectID string `json:"projectId"`
				} `json:"result"`
			} `json:"json"`
		} `json:"data"`
	} `json:"result"`
}

// CreateProject provisions a workspace project and returns its ID. Projects
// are cookie scoped, one per credential.
func (c *Client) CreateProject(ctx context.Context, sessionToken, title string) (string, error) {
	body := trpcEnvelope{JSON: map[string]any{
		"projectTitle": title,
		"toolName":     toolName,
	}}
	var out createProjectResult
	url := c.labsBaseURL + "/trpc/project.createProject"
	if err := c.do(ctx, http.MethodPost, url, authSession, sessionToken, body, &out); err != nil {
		return "", err
	}
	id := out.Result.Data.JSON.Result.ProjectID
	if id == "" {
		return "", fmt.Errorf("flowapi: create project answered without a project ID")
	}
	return id, nil
}

// DeleteProject removes a project.
func (c *Client) DeleteProject(ctx context.Context, sessionToken, projectID string) error {
	body := trpcEnvelope{JSON: map[string]any{
		"projectToDeleteId": projectID,
	}}
	url := c.labsBaseURL + "/trpc/project.deleteProject"
	return c.do(ctx, http.MethodPost, url, authSession, sessionToken, body, nil)
}

// DeleteMedia removes generated media by upstream name.
func (c *Client) DeleteMedia(ctx context.Context, sessionToken string, mediaNames []string) error {
	body := trpcEnvelope{JSON: map[string]any{
		"names": mediaNames,
	}}
	url := c.labsBaseURL + "/trpc/media.deleteMedia"
	return c.do(ctx, http.MethodPost, url, authSession, sessionToken, body, nil)
}

// Credits reports the remaining generation balance of an account.
func (c *Client) Credits(ctx context.Context, accessToken string) (AccountCredits, error) {
	var out AccountCredits
	url := c.apiBaseURL + "/credits"
	if err := c.do(ctx, http.MethodGet, url, authBearer, accessToken, nil, &out); err != nil {
		return AccountCredits{}, err
	}
	return out, nil
}
