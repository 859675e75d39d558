package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/flowproxy/flow-proxy/internal/api"
)

var (
	dataURLPattern       = regexp.MustCompile(`base64,(.+)`)
	markdownImagePattern = regexp.MustCompile(`!\[.*?\]\((.*?)\)`)
)

// Job is one generation request after wire-format parsing.
type Job struct {
	Model  string
	Prompt string
	// Images are explicit reference inputs supplied with the request.
	Images [][]byte
	// History holds the prior conversation turns, newest last, used for
	// reference-image continuity.
	History []api.ChatMessage
}

// BuildJob translates an OpenAI chat request into a Job. The prompt and
// images come from the last message; earlier turns become history.
func BuildJob(req api.ChatCompletionRequest) (Job, error) {
	if len(req.Messages) == 0 {
		return Job{}, invalidRequest("messages cannot be empty")
	}
	last := req.Messages[len(req.Messages)-1]

	job := Job{
		Model:   req.Model,
		History: req.Messages[:len(req.Messages)-1],
	}

	if parts := last.Parts(); parts != nil {
		for _, part := range parts {
			switch part.Type {
			case "text":
				job.Prompt += part.Text
			case "image_url":
				if part.ImageURL == nil {
					continue
				}
				if data, ok := decodeDataImage(part.ImageURL.URL); ok {
					job.Images = append(job.Images, data)
				}
			}
		}
	} else {
		job.Prompt = last.Text()
	}

	// Deprecated single-image parameter, honored only when the message
	// content carried no images.
	if len(job.Images) == 0 && req.Image != "" {
		if data, ok := decodeDataImage(req.Image); ok {
			job.Images = append(job.Images, data)
		}
	}

	if strings.TrimSpace(job.Prompt) == "" {
		return Job{}, invalidRequest("prompt cannot be empty")
	}
	return job, nil
}

// decodeDataImage extracts the payload of a base64 data URI.
func decodeDataImage(url string) ([]byte, bool) {
	if !strings.HasPrefix(url, "data:image") {
		return nil, false
	}
	m := dataURLPattern.FindStringSubmatch(url)
	if m == nil {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// historyImageURLs lists generated-image references from prior assistant
// turns, most recent first.
func historyImageURLs(history []api.ChatMessage) []string {
	var urls []string
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != "assistant" {
			continue
		}
		matches := markdownImagePattern.FindAllStringSubmatch(msg.Text(), -1)
		for j := len(matches) - 1; j >= 0; j-- {
			if u := matches[j][1]; strings.HasPrefix(u, "http") {
				urls = append(urls, u)
			}
		}
	}
	return urls
}

// referenceFromHistory walks prior assistant turns newest first and returns
// the first generated image it can fetch, nil when the history holds none.
func (o *Orchestrator) referenceFromHistory(ctx context.Context, history []api.ChatMessage) []byte {
	for _, u := range historyImageURLs(history) {
		data, err := o.fetchImage(ctx, u)
		if err != nil {
			o.logger.Warn("history reference image unavailable",
				zap.String("url", u), zap.Error(err))
			continue
		}
		return data
	}
	return nil
}

// fetchImage reads an image from the local media cache when the URL points at
// it, falling back to a network fetch.
func (o *Orchestrator) fetchImage(ctx context.Context, url string) ([]byte, error) {
	if o.cache != nil {
		if name, ok := o.cache.EntryName(url); ok {
			r, err := o.cache.Open(name)
			if err == nil {
				defer r.Close()
				return io.ReadAll(r)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.fetchClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch image: empty body")
	}
	return data, nil
}
