package flowapi

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Aspect ratio identifiers as the upstream names them.
const (
	AspectImageLandscape = "IMAGE_ASPECT_RATIO_LANDSCAPE"
	AspectImagePortrait  = "IMAGE_ASPECT_RATIO_PORTRAIT"
	AspectImageSquare    = "IMAGE_ASPECT_RATIO_SQUARE"
	AspectVideoLandscape = "VIDEO_ASPECT_RATIO_LANDSCAPE"
	AspectVideoPortrait  = "VIDEO_ASPECT_RATIO_PORTRAIT"
)

// Generation statuses reported by the async video endpoints.
const (
	StatusPending    = "MEDIA_GENERATION_STATUS_PENDING"
	StatusActive     = "MEDIA_GENERATION_STATUS_ACTIVE"
	StatusSuccessful = "MEDIA_GENERATION_STATUS_SUCCESSFUL"
	StatusFailed     = "MEDIA_GENERATION_STATUS_FAILED"
)

const toolName = "PINHOLE"

// SessionInfo is the answer of the session-to-access-token exchange.
type SessionInfo struct {
	AccessToken string          `json:"access_token"`
	Expires     string          `json:"expires"`
	User        json.RawMessage `json:"user,omitempty"`
}

// ExpiresAt parses the expiry timestamp, zero when absent or malformed.
func (s SessionInfo) ExpiresAt() time.Time {
	t, err := time.Parse(time.RFC3339, s.Expires)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AccountCredits is the remaining generation balance of a credential.
type AccountCredits struct {
	Credits     int64  `json:"credits"`
	PaygateTier string `json:"userPaygateTier"`
}

// ReferenceImage points a video request at an uploaded asset.
type ReferenceImage struct {
	ImageUsageType string `json:"imageUsageType"`
	MediaID        string `json:"mediaId"`
}

// ImageUsageTypeAsset marks an uploaded user asset in a reference list.
const ImageUsageTypeAsset = "IMAGE_USAGE_TYPE_ASSET"

// NewReferenceImage builds the standard asset reference.
func NewReferenceImage(mediaID string) ReferenceImage {
	return ReferenceImage{ImageUsageType: ImageUsageTypeAsset, MediaID: mediaID}
}

// VideoOperation identifies one pending generation inside a batch answer.
// The same structure is echoed back verbatim when polling.
type VideoOperation struct {
	Operation OperationRef `json:"operation"`
	SceneID   string       `json:"sceneId,omitempty"`
	Status    string       `json:"status,omitempty"`
}

// OperationRef carries the upstream task name plus, once the task finishes,
// a metadata tree holding the generated media.
type OperationRef struct {
	Name     string          `json:"name"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// VideoSubmitResponse is returned by every async video submission endpoint.
type VideoSubmitResponse struct {
	Operations       []VideoOperation `json:"operations"`
	RemainingCredits int64            `json:"remainingCredits,omitempty"`
}

// VideoStatusResponse is the polling answer.
type VideoStatusResponse struct {
	Operations []VideoOperation `json:"operations"`
}

// ImageGenerateResponse is the synchronous image answer.
type ImageGenerateResponse struct {
	Media []json.RawMessage `json:"media"`
}

// ImageAspect converts a video aspect identifier to its image counterpart.
// Identifiers already in image form pass through unchanged.
func ImageAspect(aspect string) string {
	if strings.HasPrefix(aspect, "VIDEO_") {
		return "IMAGE_" + strings.TrimPrefix(aspect, "VIDEO_")
	}
	return aspect
}

// newSessionID builds the client session marker the upstream expects, a
// semicolon followed by the current unix milliseconds.
func newSessionID(now time.Time) string {
	return ";" + strconv.FormatInt(now.UnixMilli(), 10)
}

func newSceneID() string {
	return uuid.NewString()
}
