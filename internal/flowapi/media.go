package flowapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
)

// UploadImage pushes raw image bytes as a user asset and returns the media
// generation ID referenced by later requests. Video aspect identifiers are
// converted to their image form before upload.
func (c *Client) UploadImage(ctx context.Context, accessToken string, image []byte, mimeType, aspectRatio string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	body := map[string]any{
		"imageInput": map[string]any{
			"rawImageBytes":  base64.StdEncoding.EncodeToString(image),
			"mimeType":       mimeType,
			"isUserUploaded": true,
			"aspectRatio":    ImageAspect(aspectRatio),
		},
		"clientContext": map[string]any{
			"sessionId": newSessionID(c.now()),
			"tool":      "ASSET_MANAGER",
		},
	}

	var out struct {
		MediaGenerationID struct {
			MediaGenerationID string `json:"mediaGenerationId"`
		} `json:"mediaGenerationId"`
	}
	url := c.apiBaseURL + ":uploadUserImage"
	if err := c.do(ctx, http.MethodPost, url, authBearer, accessToken, body, &out); err != nil {
		return "", err
	}
	id := out.MediaGenerationID.MediaGenerationID
	if id == "" {
		return "", fmt.Errorf("flowapi: upload answered without a media ID")
	}
	return id, nil
}

// ImageRequest describes one synchronous image generation.
type ImageRequest struct {
	ProjectID   string
	Prompt      string
	ModelName   string
	AspectRatio string
	// MediaIDs are previously uploaded assets used as generation inputs.
	MediaIDs []string
}

// GenerateImage runs a synchronous image generation. The answer carries the
// finished media inline.
func (c *Client) GenerateImage(ctx context.Context, accessToken string, req ImageRequest) (ImageGenerateResponse, error) {
	sessionID := newSessionID(c.now())

	inputs := make([]map[string]any, 0, len(req.MediaIDs))
	for _, id := range req.MediaIDs {
		inputs = append(inputs, map[string]any{
			"name":           id,
			"imageUsageType": ImageUsageTypeAsset,
		})
	}

	payload := map[string]any{
		"clientContext": map[string]any{
			"sessionId": sessionID,
		},
		"requests": []map[string]any{{
			"clientContext": map[string]any{
				"projectId": req.ProjectID,
				"sessionId": sessionID,
				"tool":      toolName,
			},
			"seed":             c.seed(),
			"imageModelName":   req.ModelName,
			"imageAspectRatio": req.AspectRatio,
			"prompt":           req.Prompt,
			"imageInputs":      inputs,
		}},
	}

	var out ImageGenerateResponse
	url := fmt.Sprintf("%s/projects/%s/flowMedia:batchGenerateImages", c.apiBaseURL, req.ProjectID)
	if err := c.submit(ctx, url, accessToken, req.ProjectID, payload, &out); err != nil {
		return ImageGenerateResponse{}, err
	}
	return out, nil
}

// VideoRequest describes one asynchronous video generation. The media ID
// fields select the submission variant: reference images, start frame only,
// or start and end frames. All empty means text to video.
type VideoRequest struct {
	ProjectID   string
	Prompt      string
	ModelKey    string
	AspectRatio string
	PaygateTier string

	ReferenceMediaIDs []string
	StartMediaID      string
	EndMediaID        string
}

func (c *Client) videoClientContext(req VideoRequest) map[string]any {
	tier := req.PaygateTier
	if tier == "" {
		tier = "PAYGATE_TIER_ONE"
	}
	return map[string]any{
		"sessionId":       newSessionID(c.now()),
		"projectId":       req.ProjectID,
		"tool":            toolName,
		"userPaygateTier": tier,
	}
}

func (c *Client) videoRequestBody(req VideoRequest) map[string]any {
	return map[string]any{
		"aspectRatio":   req.AspectRatio,
		"seed":          c.seed(),
		"textInput":     map[string]any{"prompt": req.Prompt},
		"videoModelKey": req.ModelKey,
		"metadata":      map[string]any{"sceneId": newSceneID()},
	}
}

// GenerateVideo submits an async video generation and returns the pending
// operations to poll. The endpoint is chosen from the populated media fields.
func (c *Client) GenerateVideo(ctx context.Context, accessToken string, req VideoRequest) (VideoSubmitResponse, error) {
	body := c.videoRequestBody(req)

	var endpoint string
	switch {
	case req.StartMediaID != "":
		endpoint = "/video:batchAsyncGenerateVideoStartAndEndImage"
		body["startImage"] = map[string]any{"mediaId": req.StartMediaID}
		if req.EndMediaID != "" {
			body["endImage"] = map[string]any{"mediaId": req.EndMediaID}
		}
	case len(req.ReferenceMediaIDs) > 0:
		endpoint = "/video:batchAsyncGenerateVideoReferenceImages"
		refs := make([]ReferenceImage, 0, len(req.ReferenceMediaIDs))
		for _, id := range req.ReferenceMediaIDs {
			refs = append(refs, NewReferenceImage(id))
		}
		body["referenceImages"] = refs
	case req.EndMediaID != "":
		return VideoSubmitResponse{}, fmt.Errorf("flowapi: end frame requires a start frame")
	default:
		endpoint = "/video:batchAsyncGenerateVideoText"
	}

	payload := map[string]any{
		"clientContext": c.videoClientContext(req),
		"requests":      []map[string]any{body},
	}

	var out VideoSubmitResponse
	if err := c.submit(ctx, c.apiBaseURL+endpoint, accessToken, req.ProjectID, payload, &out); err != nil {
		return VideoSubmitResponse{}, err
	}
	return out, nil
}

// CheckVideoStatus polls pending operations. The operations are echoed back
// exactly as the submission returned them.
func (c *Client) CheckVideoStatus(ctx context.Context, accessToken string, ops []VideoOperation) (VideoStatusResponse, error) {
	body := map[string]any{"operations": ops}
	var out VideoStatusResponse
	url := c.apiBaseURL + "/video:batchCheckAsyncVideoGenerationStatus"
	if err := c.do(ctx, http.MethodPost, url, authBearer, accessToken, body, &out); err != nil {
		return VideoStatusResponse{}, err
	}
	return out, nil
}
