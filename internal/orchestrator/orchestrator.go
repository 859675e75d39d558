// Package orchestrator runs generation jobs end to end: credential
// selection, admission, project lifecycle, upstream submission, video
// polling, health accounting, and result shaping into OpenAI chat form.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/flowproxy/flow-proxy/internal/admission"
	"github.com/flowproxy/flow-proxy/internal/api"
	"github.com/flowproxy/flow-proxy/internal/credential"
	"github.com/flowproxy/flow-proxy/internal/dispatcher"
	"github.com/flowproxy/flow-proxy/internal/egress"
	"github.com/flowproxy/flow-proxy/internal/flowapi"
)

// ProtocolClient is the upstream surface the orchestrator drives. Satisfied
// by *flowapi.Client.
type ProtocolClient interface {
	credential.TokenExchanger
	CreateProject(ctx context.Context, sessionToken, title string) (string, error)
	UploadImage(ctx context.Context, accessToken string, image []byte, mimeType, aspectRatio string) (string, error)
	GenerateImage(ctx context.Context, accessToken string, req flowapi.ImageRequest) (flowapi.ImageGenerateResponse, error)
	GenerateVideo(ctx context.Context, accessToken string, req flowapi.VideoRequest) (flowapi.VideoSubmitResponse, error)
	CheckVideoStatus(ctx context.Context, accessToken string, ops []flowapi.VideoOperation) (flowapi.VideoStatusResponse, error)
}

// MediaCache is the optional local mirror for generated media. Satisfied by
// *mediacache.Cache.
type MediaCache interface {
	Open(name string) (io.ReadCloser, error)
	EntryName(publicURL string) (string, bool)
	Mirror(ctx context.Context, upstreamURL string) (string, error)
}

// Settings bounds the orchestration loops.
type Settings struct {
	ProjectTitle      string
	SelectRetryBudget int

	ImagePollInterval time.Duration
	ImagePollAttempts int
	VideoPollInterval time.Duration
	VideoPollAttempts int
}

func (s *Settings) applyDefaults() {
	if s.ProjectTitle == "" {
		s.ProjectTitle = "Flow Proxy"
	}
	if s.SelectRetryBudget <= 0 {
		s.SelectRetryBudget = 3
	}
	if s.ImagePollInterval <= 0 {
		s.ImagePollInterval = 2 * time.Second
	}
	if s.ImagePollAttempts <= 0 {
		s.ImagePollAttempts = 150
	}
	if s.VideoPollInterval <= 0 {
		s.VideoPollInterval = 5 * time.Second
	}
	if s.VideoPollAttempts <= 0 {
		s.VideoPollAttempts = 300
	}
}

// pollBounds returns the polling interval and attempt ceiling for a media
// kind. Video gets a materially longer ceiling than image.
func (s Settings) pollBounds(kind MediaKind) (time.Duration, int) {
	if kind == KindImage {
		return s.ImagePollInterval, s.ImagePollAttempts
	}
	return s.VideoPollInterval, s.VideoPollAttempts
}

// Orchestrator is the generation state machine.
type Orchestrator struct {
	store     *credential.Store
	dispatch  *dispatcher.Dispatcher
	admission admission.Controller
	client    ProtocolClient
	cache     MediaCache
	catalog   *Catalog
	cfg       Settings

	fetchClient *http.Client
	logger      *zap.Logger
	now         func() time.Time
}

// Options wires an Orchestrator.
type Options struct {
	Store      *credential.Store
	Dispatcher *dispatcher.Dispatcher
	Admission  admission.Controller
	Client     ProtocolClient
	// Cache is optional; nil disables media mirroring.
	Cache   MediaCache
	Catalog *Catalog
	// FetchClient downloads history reference images. Nil uses a default.
	FetchClient *http.Client
	Settings    Settings
	Logger      *zap.Logger
}

// New builds an Orchestrator.
func New(opts Options) *Orchestrator {
	opts.Settings.applyDefaults()
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FetchClient == nil {
		opts.FetchClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Orchestrator{
		store:       opts.Store,
		dispatch:    opts.Dispatcher,
		admission:   opts.Admission,
		client:      opts.Client,
		cache:       opts.Cache,
		catalog:     opts.Catalog,
		cfg:         opts.Settings,
		fetchClient: opts.FetchClient,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Catalog exposes the model set for listing endpoints.
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// Stream runs the job and pushes SSE-rendered chunks: an initial role delta,
// the terminal content delta with finish_reason stop, and the closing
// sentinel. Failures are pushed as a structured error frame before the
// sentinel.
func (o *Orchestrator) Stream(ctx context.Context, job Job) <-chan string {
	ch := make(chan string, 4)
	go func() {
		defer close(ch)

		id := "chatcmpl-" + uuid.NewString()
		created := o.now().Unix()

		role := api.ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: job.Model,
			Choices: []api.ChunkChoice{{Delta: api.Delta{Role: "assistant"}}},
		}
		if !push(ctx, ch, mustSSE(role)) {
			return
		}

		content, usage, jerr := o.run(ctx, job)
		if jerr != nil {
			frame := api.NewError(jerr.StatusCode, string(jerr.Kind), string(jerr.Kind), jerr.Message)
			if !push(ctx, ch, mustSSE(frame)) {
				return
			}
			push(ctx, ch, api.StreamDone)
			return
		}

		final := api.ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: job.Model,
			Choices: []api.ChunkChoice{{
				Delta:        api.Delta{Content: content},
				FinishReason: "stop",
			}},
			Usage: usage,
		}
		if !push(ctx, ch, mustSSE(final)) {
			return
		}
		push(ctx, ch, api.StreamDone)
	}()
	return ch
}

// Complete runs the job and returns the single non-streaming response.
func (o *Orchestrator) Complete(ctx context.Context, job Job) (*api.ChatCompletionResponse, error) {
	content, usage, jerr := o.run(ctx, job)
	if jerr != nil {
		return nil, jerr
	}
	return &api.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: o.now().Unix(),
		Model:   job.Model,
		Choices: []api.Choice{{
			Message:      &api.ResponseMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}, nil
}

func push(ctx context.Context, ch chan<- string, s string) bool {
	select {
	case ch <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

func mustSSE(v any) string {
	s, err := api.SSE(v)
	if err != nil {
		return api.StreamDone
	}
	return s
}

// run drives one job through the state machine and returns the rendered
// markdown content.
func (o *Orchestrator) run(ctx context.Context, job Job) (string, *api.Usage, *Error) {
	model, ok := o.catalog.Resolve(job.Model)
	if !ok {
		return "", nil, invalidRequest("unknown model %q", job.Model)
	}

	images := job.Images
	if model.Kind == KindImage && len(images) == 0 && len(job.History) > 0 {
		if ref := o.referenceFromHistory(ctx, job.History); ref != nil {
			images = append(images, ref)
		}
	}

	cred, slot, jerr := o.selectCredential(model.Kind)
	if jerr != nil {
		return "", nil, jerr
	}
	defer slot.Release()

	// All upstream calls for this job egress through the credential's
	// sticky proxy assignment.
	ctx = egress.WithCredentialID(ctx, cred.ID)

	urls, err := o.generate(ctx, cred, model, job.Prompt, images)
	if err != nil {
		jerr := classify(err)
		if ferr := o.store.RecordFailure(ctx, cred.ID, jerr.FailureKind()); ferr != nil {
			o.logger.Warn("record failure", zap.Int64("credential_id", cred.ID), zap.Error(ferr))
		}
		return "", nil, jerr
	}

	if serr := o.store.RecordSuccess(ctx, cred.ID); serr != nil {
		o.logger.Warn("record success", zap.Int64("credential_id", cred.ID), zap.Error(serr))
	}

	content := o.renderContent(ctx, model.Kind, urls)
	return content, buildUsage(job.Prompt, content), nil
}

// selectCredential asks the dispatcher for a candidate and tries to admit
// it, retrying selection on an acquisition race up to the configured budget.
func (o *Orchestrator) selectCredential(kind MediaKind) (credential.Credential, admission.Slot, *Error) {
	jobKind := dispatcher.JobImage
	if kind == KindVideo {
		jobKind = dispatcher.JobVideo
	}

	for attempt := 0; attempt < o.cfg.SelectRetryBudget; attempt++ {
		cand, err := o.dispatch.Select(jobKind)
		if err != nil {
			break
		}
		if slot, ok := o.admission.TryAcquire(cand.ID); ok {
			return cand, slot, nil
		}
	}
	return credential.Credential{}, nil,
		newError(ErrPoolExhausted, http.StatusServiceUnavailable, "no credential available")
}

// generate prepares the credential (access token, project), submits, and for
// video drives the polling loop. It returns the upstream media URLs.
func (o *Orchestrator) generate(ctx context.Context, cred credential.Credential, model Model, prompt string, images [][]byte) ([]string, error) {
	accessToken, err := o.store.RefreshAccessToken(ctx, cred.ID, o.client, false)
	if err != nil {
		return nil, err
	}

	projectID, err := o.ensureProject(ctx, cred)
	if err != nil {
		return nil, err
	}

	mediaIDs := make([]string, 0, len(images))
	for _, img := range images {
		id, err := o.client.UploadImage(ctx, accessToken, img, "", model.AspectRatio)
		if err != nil {
			return nil, err
		}
		mediaIDs = append(mediaIDs, id)
	}

	if model.Kind == KindImage {
		return o.generateImage(ctx, accessToken, projectID, model, prompt, mediaIDs)
	}
	return o.generateVideo(ctx, cred.ID, accessToken, projectID, model, prompt, mediaIDs)
}

// ensureProject reuses the credential's project or lazily creates one.
func (o *Orchestrator) ensureProject(ctx context.Context, cred credential.Credential) (string, error) {
	if current, err := o.store.Get(cred.ID); err == nil && current.ProjectID != "" {
		return current.ProjectID, nil
	}

	projectID, err := o.client.CreateProject(ctx, cred.SessionToken, o.cfg.ProjectTitle)
	if err != nil {
		return "", err
	}
	if err := o.store.SetProjectID(ctx, cred.ID, projectID); err != nil {
		o.logger.Warn("persist project id", zap.Int64("credential_id", cred.ID), zap.Error(err))
	}
	o.logger.Info("project created",
		zap.Int64("credential_id", cred.ID),
		zap.String("project_id", projectID))
	return projectID, nil
}

func (o *Orchestrator) generateImage(ctx context.Context, accessToken, projectID string, model Model, prompt string, mediaIDs []string) ([]string, error) {
	resp, err := o.client.GenerateImage(ctx, accessToken, flowapi.ImageRequest{
		ProjectID:   projectID,
		Prompt:      prompt,
		ModelName:   model.ImageModelName,
		AspectRatio: model.AspectRatio,
		MediaIDs:    mediaIDs,
	})
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, media := range resp.Media {
		urls = append(urls, flowapi.FindMediaURLs(media)...)
	}
	if len(urls) == 0 {
		return nil, newError(ErrUpstream, http.StatusInternalServerError, "generation answered without media")
	}
	return urls, nil
}

func (o *Orchestrator) generateVideo(ctx context.Context, credID int64, accessToken, projectID string, model Model, prompt string, mediaIDs []string) ([]string, error) {
	req := flowapi.VideoRequest{
		ProjectID:   projectID,
		Prompt:      prompt,
		AspectRatio: model.AspectRatio,
	}

	switch {
	case len(mediaIDs) == 0:
		if model.VideoTextKey == "" {
			return nil, invalidRequest("model %q does not support text-to-video", model.ID)
		}
		req.ModelKey = model.VideoTextKey
	case model.VideoFrameKey != "" && len(mediaIDs) == 1:
		req.ModelKey = model.VideoFrameKey
		req.StartMediaID = mediaIDs[0]
	case model.VideoFrameKey != "" && len(mediaIDs) >= 2:
		req.ModelKey = model.VideoFrameKey
		req.StartMediaID = mediaIDs[0]
		req.EndMediaID = mediaIDs[1]
	case model.VideoReferenceKey != "":
		req.ModelKey = model.VideoReferenceKey
		req.ReferenceMediaIDs = mediaIDs
	default:
		return nil, invalidRequest("model %q does not accept reference images", model.ID)
	}

	resp, err := o.client.GenerateVideo(ctx, accessToken, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Operations) == 0 {
		return nil, newError(ErrUpstream, http.StatusInternalServerError, "submission answered without operations")
	}
	if resp.RemainingCredits > 0 {
		if cerr := o.store.SetCredits(ctx, credID, int(resp.RemainingCredits), ""); cerr != nil {
			o.logger.Warn("persist credits", zap.Int64("credential_id", credID), zap.Error(cerr))
		}
	}

	return o.pollVideo(ctx, credID, accessToken, resp.Operations)
}

var errStillPending = errors.New("generation still pending")

// pollVideo polls at a fixed interval until every operation reaches a
// terminal status or the attempt ceiling is hit. Poll call failures count
// toward the credential's error counter but do not abort the loop.
func (o *Orchestrator) pollVideo(ctx context.Context, credID int64, accessToken string, ops []flowapi.VideoOperation) ([]string, error) {
	interval, attempts := o.cfg.pollBounds(KindVideo)
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(interval))

	var urls []string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := o.client.CheckVideoStatus(ctx, accessToken, ops)
		if err != nil {
			if ferr := o.store.RecordFailure(ctx, credID, credential.FailureGeneric); ferr != nil {
				o.logger.Warn("record poll failure", zap.Int64("credential_id", credID), zap.Error(ferr))
			}
			return retry.RetryableError(err)
		}

		ops = resp.Operations
		for _, op := range ops {
			switch op.Status {
			case flowapi.StatusFailed:
				return newError(ErrUpstream, http.StatusInternalServerError, "upstream reported generation failure")
			case flowapi.StatusSuccessful:
			default:
				return retry.RetryableError(errStillPending)
			}
		}

		urls = nil
		for _, op := range ops {
			urls = append(urls, flowapi.FindMediaURLs(op.Operation.Metadata)...)
		}
		if len(urls) == 0 {
			return newError(ErrUpstream, http.StatusInternalServerError, "finished generation carries no media")
		}
		return nil
	})
	if err != nil {
		var jerr *Error
		if errors.As(err, &jerr) {
			return nil, jerr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, newError(ErrPollTimeout, http.StatusGatewayTimeout,
			"generation did not finish within %d polls", attempts)
	}
	return urls, nil
}

// renderContent shapes the result as markdown, mirroring media into the
// local cache when one is configured.
func (o *Orchestrator) renderContent(ctx context.Context, kind MediaKind, urls []string) string {
	parts := make([]string, 0, len(urls))
	for _, u := range urls {
		final := u
		if o.cache != nil {
			mirrored, err := o.cache.Mirror(ctx, u)
			if err != nil {
				o.logger.Warn("mirror media", zap.String("url", u), zap.Error(err))
			} else {
				final = mirrored
			}
		}
		if kind == KindImage {
			parts = append(parts, fmt.Sprintf("![Generated Image](%s)", final))
		} else {
			parts = append(parts, fmt.Sprintf("[Generated Video](%s)", final))
		}
	}
	return strings.Join(parts, "\n\n")
}
