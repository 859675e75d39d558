package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowproxy/flow-proxy/internal/admission"
	"github.com/flowproxy/flow-proxy/internal/config"
	"github.com/flowproxy/flow-proxy/internal/credential"
	"github.com/flowproxy/flow-proxy/internal/dispatcher"
	"github.com/flowproxy/flow-proxy/internal/flowapi"
	"github.com/flowproxy/flow-proxy/internal/orchestrator"
)

const testManagementToken = "mgmt-secret"

// stubClient satisfies orchestrator.ProtocolClient with canned answers. The
// upstream protocol itself is covered by the flowapi tests.
type stubClient struct {
	imageURL string
	imageErr error
}

func (s *stubClient) ExchangeSession(ctx context.Context, sessionToken string) (string, time.Time, error) {
	return "at-" + sessionToken, time.Now().Add(time.Hour), nil
}

func (s *stubClient) CreateProject(ctx context.Context, sessionToken, title string) (string, error) {
	return "proj-1", nil
}

func (s *stubClient) UploadImage(ctx context.Context, accessToken string, image []byte, mimeType, aspectRatio string) (string, error) {
	return "media-1", nil
}

func (s *stubClient) GenerateImage(ctx context.Context, accessToken string, req flowapi.ImageRequest) (flowapi.ImageGenerateResponse, error) {
	if s.imageErr != nil {
		return flowapi.ImageGenerateResponse{}, s.imageErr
	}
	raw, _ := json.Marshal(map[string]any{"image": map[string]any{"fifeUrl": s.imageURL}})
	return flowapi.ImageGenerateResponse{Media: []json.RawMessage{raw}}, nil
}

func (s *stubClient) GenerateVideo(ctx context.Context, accessToken string, req flowapi.VideoRequest) (flowapi.VideoSubmitResponse, error) {
	return flowapi.VideoSubmitResponse{}, nil
}

func (s *stubClient) CheckVideoStatus(ctx context.Context, accessToken string, ops []flowapi.VideoOperation) (flowapi.VideoStatusResponse, error) {
	return flowapi.VideoStatusResponse{}, nil
}

// stubMaintenance records upstream housekeeping calls.
type stubMaintenance struct {
	projectErr      error
	mediaErr        error
	deletedProjects []string
	deletedMedia    [][]string
	sessionTokens   []string
}

func (m *stubMaintenance) DeleteProject(ctx context.Context, sessionToken, projectID string) error {
	if m.projectErr != nil {
		return m.projectErr
	}
	m.sessionTokens = append(m.sessionTokens, sessionToken)
	m.deletedProjects = append(m.deletedProjects, projectID)
	return nil
}

func (m *stubMaintenance) DeleteMedia(ctx context.Context, sessionToken string, mediaNames []string) error {
	if m.mediaErr != nil {
		return m.mediaErr
	}
	m.sessionTokens = append(m.sessionTokens, sessionToken)
	m.deletedMedia = append(m.deletedMedia, mediaNames)
	return nil
}

type harness struct {
	srv         *Server
	store       *credential.Store
	client      *stubClient
	maintenance *stubMaintenance
	cfg         *config.Config
}

// newHarness builds a server over an in-memory pool with one active
// credential and a stubbed upstream.
func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ManagementToken = testManagementToken

	store := credential.NewStore(credential.Options{}, nil, zap.NewNop())
	require.NoError(t, store.Add(context.Background(), credential.Credential{
		ID:           1,
		SessionToken: "st-harness",
		Enabled:      true,
	}))

	ctrl := admission.NewLocalController(2)
	ctrl.Register(1)

	client := &stubClient{imageURL: "https://media.example/result.png"}
	orch := orchestrator.New(orchestrator.Options{
		Store:      store,
		Dispatcher: dispatcher.New(store, ctrl),
		Admission:  ctrl,
		Client:     client,
		Settings:   orchestrator.Settings{SelectRetryBudget: 2},
		Logger:     zap.NewNop(),
	})

	maintenance := &stubMaintenance{}
	srv, err := New(Options{
		Config:       cfg,
		Logger:       zap.NewNop(),
		Orchestrator: orch,
		Store:        store,
		Admission:    ctrl,
		Maintenance:  maintenance,
	})
	require.NoError(t, err)
	return &harness{srv: srv, store: store, client: client, maintenance: maintenance, cfg: cfg}
}

func (h *harness) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func managementHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testManagementToken}
}

func chatBody(prompt string) map[string]any {
	return map[string]any{
		"model":    "gemini-2.5-flash-image",
		"messages": []map[string]any{{"role": "user", "content": prompt}},
	}
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}
