package flowapi

// InjectProofToken returns a copy of a decoded JSON document with the proof
// token set on every object that carries a clientContext, at any nesting
// depth. The input is never mutated, so a retry can re-inject a fresh token
// into the same document.
func InjectProofToken(doc any, token string) any {
	switch v := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if key == "clientContext" {
				if cc, ok := val.(map[string]any); ok {
					withToken := make(map[string]any, len(cc)+1)
					for k, cv := range cc {
						withToken[k] = cv
					}
					withToken["recaptchaToken"] = token
					out[key] = withToken
					continue
				}
			}
			out[key] = InjectProofToken(val, token)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InjectProofToken(item, token)
		}
		return out
	default:
		return doc
	}
}
