package orchestrator

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowproxy/flow-proxy/internal/api"
	"github.com/flowproxy/flow-proxy/internal/flowapi"
)

func TestDefaultCatalog_Resolve(t *testing.T) {
	c := DefaultCatalog()

	m, ok := c.Resolve("gemini-2.5-flash-image-landscape")
	require.True(t, ok)
	assert.Equal(t, KindImage, m.Kind)
	assert.Equal(t, "GEM_PIX", m.ImageModelName)
	assert.Equal(t, flowapi.AspectImageLandscape, m.AspectRatio)

	m, ok = c.Resolve("veo-3.1-fast-portrait")
	require.True(t, ok)
	assert.Equal(t, KindVideo, m.Kind)
	assert.Equal(t, "veo_3_1_t2v_fast", m.VideoTextKey)
	assert.Equal(t, flowapi.AspectVideoPortrait, m.AspectRatio)

	_, ok = c.Resolve("gpt-4o")
	assert.False(t, ok)
}

func TestCatalog_ListSortedAndFiltered(t *testing.T) {
	c := DefaultCatalog()
	list := c.List()
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}

	for _, id := range c.ImageModels() {
		m, ok := c.Resolve(id)
		require.True(t, ok)
		assert.Equal(t, KindImage, m.Kind)
	}
}

func TestOrientationHelpers(t *testing.T) {
	assert.Equal(t, "gemini-2.5-flash-image", BaseName("gemini-2.5-flash-image-landscape"))
	assert.Equal(t, "gemini-2.5-flash-image", BaseName("gemini-2.5-flash-image-portrait"))
	assert.Equal(t, "veo-3.1-fast", BaseName("veo-3.1-fast"))

	assert.Equal(t, "landscape", OrientationSuffix("x-landscape"))
	assert.Equal(t, "portrait", OrientationSuffix("x-portrait"))
	assert.Equal(t, "", OrientationSuffix("x"))

	assert.Equal(t, "landscape", OrientationFromSize("1024x768"))
	assert.Equal(t, "portrait", OrientationFromSize("768x1024"))
	assert.Equal(t, "", OrientationFromSize("1024x1024"))
	assert.Equal(t, "", OrientationFromSize("banana"))
	assert.Equal(t, "", OrientationFromSize(""))
}

func TestResolveImageModel_Rules(t *testing.T) {
	c := DefaultCatalog()

	// Size orientation wins over a model suffix.
	m, err := c.ResolveImageModel("gemini-2.5-flash-image-landscape", "768x1024")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash-image-portrait", m.ID)

	// Square size falls back to the model suffix.
	m, err = c.ResolveImageModel("gemini-3.0-pro-image-portrait", "1024x1024")
	require.NoError(t, err)
	assert.Equal(t, "gemini-3.0-pro-image-portrait", m.ID)

	// No hints at all lands on the default landscape model.
	m, err = c.ResolveImageModel("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultModelBase+"-landscape", m.ID)

	_, err = c.ResolveImageModel("no-such-model", "")
	assert.Error(t, err)

	// A video model cannot serve the images endpoint.
	_, err = c.ResolveImageModel("veo-3.1-fast", "")
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - id: gemini-2.5-flash-image-landscape
    kind: image
    aspect_ratio: IMAGE_ASPECT_RATIO_LANDSCAPE
    image_model_name: GEM_PIX_OVERRIDE
  - id: custom-video-landscape
    kind: video
    aspect_ratio: VIDEO_ASPECT_RATIO_LANDSCAPE
    video_text_key: custom_t2v
`), 0o644))

	c := DefaultCatalog()
	require.NoError(t, c.LoadOverrides(path))

	m, ok := c.Resolve("gemini-2.5-flash-image-landscape")
	require.True(t, ok)
	assert.Equal(t, "GEM_PIX_OVERRIDE", m.ImageModelName)

	m, ok = c.Resolve("custom-video-landscape")
	require.True(t, ok)
	assert.Equal(t, "custom_t2v", m.VideoTextKey)
}

func TestLoadOverrides_Invalid(t *testing.T) {
	dir := t.TempDir()

	missingID := filepath.Join(dir, "bad1.yaml")
	require.NoError(t, os.WriteFile(missingID, []byte("models:\n  - kind: image\n"), 0o644))
	assert.Error(t, DefaultCatalog().LoadOverrides(missingID))

	badKind := filepath.Join(dir, "bad2.yaml")
	require.NoError(t, os.WriteFile(badKind, []byte("models:\n  - id: x\n    kind: audio\n"), 0o644))
	assert.Error(t, DefaultCatalog().LoadOverrides(badKind))

	assert.Error(t, DefaultCatalog().LoadOverrides(filepath.Join(dir, "absent.yaml")))
}

func rawContent(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestBuildJob_PlainText(t *testing.T) {
	job, err := BuildJob(api.ChatCompletionRequest{
		Model: "veo-3.1-fast-landscape",
		Messages: []api.ChatMessage{
			{Role: "user", Content: rawContent(t, "a storm over the sea")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "a storm over the sea", job.Prompt)
	assert.Empty(t, job.Images)
	assert.Empty(t, job.History)
}

func TestBuildJob_MultimodalWithImage(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	job, err := BuildJob(api.ChatCompletionRequest{
		Model: "gemini-2.5-flash-image-landscape",
		Messages: []api.ChatMessage{
			{Role: "user", Content: rawContent(t, "earlier turn")},
			{Role: "user", Content: rawContent(t, []api.ContentPart{
				{Type: "text", Text: "make it sunny"},
				{Type: "image_url", ImageURL: &api.ImageURL{URL: dataURL}},
			})},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "make it sunny", job.Prompt)
	require.Len(t, job.Images, 1)
	assert.Equal(t, png, job.Images[0])
	assert.Len(t, job.History, 1)
}

func TestBuildJob_DeprecatedImageParameter(t *testing.T) {
	png := []byte{1, 2, 3}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	job, err := BuildJob(api.ChatCompletionRequest{
		Model: "gemini-2.5-flash-image-landscape",
		Messages: []api.ChatMessage{
			{Role: "user", Content: rawContent(t, "hello")},
		},
		Image: dataURL,
	})
	require.NoError(t, err)
	require.Len(t, job.Images, 1)
	assert.Equal(t, png, job.Images[0])
}

func TestBuildJob_Invalid(t *testing.T) {
	_, err := BuildJob(api.ChatCompletionRequest{Model: "m"})
	require.Error(t, err)

	_, err = BuildJob(api.ChatCompletionRequest{
		Model: "m",
		Messages: []api.ChatMessage{
			{Role: "user", Content: rawContent(t, "   ")},
		},
	})
	require.Error(t, err)
}

func TestHistoryImageURLs_NewestFirst(t *testing.T) {
	history := []api.ChatMessage{
		{Role: "assistant", Content: rawContent(t, "![img](http://host/a.png)")},
		{Role: "user", Content: rawContent(t, "next")},
		{Role: "assistant", Content: rawContent(t,
			"first ![one](http://host/b.png) then ![two](http://host/c.png)")},
	}

	urls := historyImageURLs(history)
	assert.Equal(t, []string{"http://host/c.png", "http://host/b.png", "http://host/a.png"}, urls)
}

func TestHistoryImageURLs_SkipsNonHTTPAndUserTurns(t *testing.T) {
	history := []api.ChatMessage{
		{Role: "user", Content: rawContent(t, "![img](http://host/user.png)")},
		{Role: "assistant", Content: rawContent(t, "![img](data:image/png;base64,AAAA)")},
		{Role: "assistant", Content: rawContent(t, "no images here")},
	}
	assert.Empty(t, historyImageURLs(history))
}
