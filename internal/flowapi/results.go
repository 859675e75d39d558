package flowapi

import "encoding/json"

// FindMediaURLs walks a raw upstream answer and collects every hosted media
// URL. The metadata tree of a finished operation nests the URL at a depth
// that varies by model, so extraction searches instead of addressing a fixed
// path.
func FindMediaURLs(raw json.RawMessage) []string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var urls []string
	collectMediaURLs(doc, &urls)
	return urls
}

func collectMediaURLs(doc any, urls *[]string) {
	switch v := doc.(type) {
	case map[string]any:
		if u, ok := v["fifeUrl"].(string); ok && u != "" {
			*urls = append(*urls, u)
		}
		for _, val := range v {
			collectMediaURLs(val, urls)
		}
	case []any:
		for _, item := range v {
			collectMediaURLs(item, urls)
		}
	}
}
