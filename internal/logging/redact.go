package logging

import "strings"

// RedactToken obfuscates token-like strings for display and logging.
//   - length <= 4  → all asterisks of same length
//   - 5..12        → keep first 2 characters, replace the rest with asterisks
//   - > 12         → keep first 8 characters, then "...", then last 4 characters
func RedactToken(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	if len(s) <= 12 {
		return s[:2] + strings.Repeat("*", len(s)-2)
	}
	return s[:8] + "..." + s[len(s)-4:]
}

// RedactHeaders returns a copy of hdrs with credential-bearing header values
// redacted. The original map is not modified.
func RedactHeaders(hdrs map[string]string) map[string]string {
	out := make(map[string]string, len(hdrs))
	for k, v := range hdrs {
		switch strings.ToLower(k) {
		case "authorization", "cookie", "set-cookie":
			out[k] = RedactToken(v)
		default:
			out[k] = v
		}
	}
	return out
}
