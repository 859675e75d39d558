package orchestrator

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowproxy/flow-proxy/internal/flowapi"
)

// MediaKind is the capability of a model entry.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// Model maps a caller-facing model name to upstream generation parameters.
// Video models carry one upstream key per submission variant.
type Model struct {
	ID          string    `yaml:"id"`
	Kind        MediaKind `yaml:"kind"`
	AspectRatio string    `yaml:"aspect_ratio"`

	// ImageModelName is the upstream model for synchronous image calls.
	ImageModelName string `yaml:"image_model_name,omitempty"`

	// Video submission keys by input mode. An empty key means the mode is
	// unsupported by this model.
	VideoTextKey      string `yaml:"video_text_key,omitempty"`
	VideoReferenceKey string `yaml:"video_reference_key,omitempty"`
	VideoFrameKey     string `yaml:"video_frame_key,omitempty"`
}

// Catalog is the set of dispatchable models.
type Catalog struct {
	models map[string]Model
}

// DefaultModelBase is used by the images endpoint when no model is named.
const DefaultModelBase = "gemini-2.5-flash-image"

// DefaultCatalog returns the built-in model set. Landscape and portrait
// orientations are distinct entries sharing upstream parameters.
func DefaultCatalog() *Catalog {
	c := &Catalog{models: make(map[string]Model)}

	imagePair := func(base, upstream string) {
		c.add(Model{ID: base + "-landscape", Kind: KindImage,
			AspectRatio: flowapi.AspectImageLandscape, ImageModelName: upstream})
		c.add(Model{ID: base + "-portrait", Kind: KindImage,
			AspectRatio: flowapi.AspectImagePortrait, ImageModelName: upstream})
	}
	imagePair("gemini-2.5-flash-image", "GEM_PIX")
	imagePair("gemini-3.0-pro-image", "GEM_PIX_2")
	imagePair("imagen-4.0-generate-preview", "IMAGEN_3_5")

	videoPair := func(base, textKey, refKey, frameKey string) {
		c.add(Model{ID: base + "-landscape", Kind: KindVideo,
			AspectRatio: flowapi.AspectVideoLandscape,
			VideoTextKey: textKey, VideoReferenceKey: refKey, VideoFrameKey: frameKey})
		c.add(Model{ID: base + "-portrait", Kind: KindVideo,
			AspectRatio: flowapi.AspectVideoPortrait,
			VideoTextKey: textKey, VideoReferenceKey: refKey, VideoFrameKey: frameKey})
	}
	videoPair("veo-3.1-fast", "veo_3_1_t2v_fast", "veo_3_0_r2v_fast", "veo_3_1_i2v_s_fast_fl")

	return c
}

func (c *Catalog) add(m Model) {
	c.models[m.ID] = m
}

// Resolve looks up a model by its exact caller-facing name.
func (c *Catalog) Resolve(name string) (Model, bool) {
	m, ok := c.models[name]
	return m, ok
}

// List returns all models sorted by name.
func (c *Catalog) List() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ImageModels returns the caller-facing names of all image-capable models.
func (c *Catalog) ImageModels() []string {
	var out []string
	for _, m := range c.List() {
		if m.Kind == KindImage {
			out = append(out, m.ID)
		}
	}
	return out
}

// LoadOverrides merges model entries from a YAML file into the catalog.
// Entries with a known ID replace the built-in definition; new IDs extend
// the set.
func (c *Catalog) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model catalog: %w", err)
	}
	var file struct {
		Models []Model `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse model catalog: %w", err)
	}
	for _, m := range file.Models {
		if m.ID == "" {
			return fmt.Errorf("model catalog entry without an id")
		}
		if m.Kind != KindImage && m.Kind != KindVideo {
			return fmt.Errorf("model %q: unknown kind %q", m.ID, m.Kind)
		}
		c.add(m)
	}
	return nil
}

// BaseName strips a trailing orientation suffix from a model name.
func BaseName(model string) string {
	model = strings.TrimSuffix(model, "-landscape")
	return strings.TrimSuffix(model, "-portrait")
}

// OrientationSuffix returns the orientation a model name carries, empty when
// none.
func OrientationSuffix(model string) string {
	switch {
	case strings.HasSuffix(model, "-landscape"):
		return "landscape"
	case strings.HasSuffix(model, "-portrait"):
		return "portrait"
	}
	return ""
}

// OrientationFromSize derives an orientation from an OpenAI size string like
// "1024x768". Square or unparseable sizes yield empty.
func OrientationFromSize(size string) string {
	parts := strings.SplitN(strings.ToLower(size), "x", 2)
	if len(parts) != 2 {
		return ""
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil {
		return ""
	}
	switch {
	case w > h:
		return "landscape"
	case h > w:
		return "portrait"
	}
	return ""
}

// ResolveImageModel applies the images-endpoint resolution rules: the size
// orientation wins, then a model name suffix, then landscape; a missing model
// name falls back to the default base.
func (c *Catalog) ResolveImageModel(model, size string) (Model, error) {
	orientation := OrientationFromSize(size)
	if orientation == "" && model != "" {
		orientation = OrientationSuffix(model)
	}
	if orientation == "" {
		orientation = "landscape"
	}

	base := DefaultModelBase
	if model != "" {
		base = BaseName(model)
	}

	full := base + "-" + orientation
	m, ok := c.Resolve(full)
	if !ok {
		return Model{}, fmt.Errorf("unsupported model %q, available image models: %s",
			full, strings.Join(c.ImageModels(), ", "))
	}
	if m.Kind != KindImage {
		return Model{}, fmt.Errorf("model %q is not an image generation model", full)
	}
	return m, nil
}
