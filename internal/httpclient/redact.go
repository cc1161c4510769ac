package httpclient

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

var sensitiveKeys = []string{"password", "token", "secret", "authorization", "api_key", "apikey", "otp"}

func sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func redactHeaders(h http.Header) []byte {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitive(k) {
			out[k] = redacted
			continue
		}
		out[k] = strings.Join(v, ",")
	}
	data, err := json.Marshal(out)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// redactBody masks credential-looking fields in JSON and form bodies. Other
// payloads are summarised by size only.
func redactBody(body []byte, contentType string) string {
	if len(body) == 0 {
		return ""
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return truncate(string(body))
		}
		data, err := json.Marshal(redactValue(v))
		if err != nil {
			return ""
		}
		return truncate(string(data))
	case strings.Contains(ct, "x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		for k := range values {
			if sensitive(k) {
				values.Set(k, redacted)
			}
		}
		return truncate(values.Encode())
	case strings.Contains(ct, "multipart"):
		return "<multipart body>"
	default:
		return truncate(string(body))
	}
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if sensitive(k) {
				t[k] = redacted
				continue
			}
			t[k] = redactValue(inner)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	default:
		return v
	}
}

func truncate(s string) string {
	const max = 2048
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
