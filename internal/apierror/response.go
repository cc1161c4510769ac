package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// FromResponse classifies a non-2xx provider response.
func FromResponse(status int, header http.Header, body []byte, opts ...Option) *Error {
	kind := KindForStatus(status)
	parsed := parseBody(body)

	message := parsed.message
	if message == "" {
		message = strings.TrimSpace(truncate(string(body), 512))
	}
	if message == "" {
		message = http.StatusText(status)
	}

	all := make([]Option, 0, len(opts)+2)
	if len(parsed.details) > 0 {
		all = append(all, WithDetails(parsed.details))
	}
	if kind == KindRateLimit {
		all = append(all, WithRetryAfter(ParseRetryAfter(header.Get("Retry-After"), time.Now())))
	}
	all = append(all, opts...)
	return New(kind, status, message, all...)
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

type parsedBody struct {
	message string
	details map[string][]string
}

// parseBody understands the error shapes returned by NumHub, Telnyx and
// Twilio: {"message":..,"errors":{field:[..]}}, {"errors":[{"title","detail","source":{"pointer"}}]}
// and {"code":..,"message":..}.
func parseBody(body []byte) parsedBody {
	if len(strings.TrimSpace(string(body))) == 0 {
		return parsedBody{}
	}

	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return parsedBody{}
	}

	out := parsedBody{}
	for _, key := range []string{"message", "error_description", "error", "title", "detail"} {
		if v, ok := generic[key].(string); ok && strings.TrimSpace(v) != "" {
			out.message = strings.TrimSpace(v)
			break
		}
	}

	switch errs := generic["errors"].(type) {
	case map[string]any:
		out.details = make(map[string][]string, len(errs))
		for field, raw := range errs {
			out.details[field] = toStrings(raw)
		}
	case []any:
		out.details = map[string][]string{}
		for _, item := range errs {
			entry, ok := item.(map[string]any)
			if !ok {
				if s, ok := item.(string); ok {
					out.details["_"] = append(out.details["_"], s)
				}
				continue
			}
			field := "_"
			if f, ok := entry["field"].(string); ok && f != "" {
				field = f
			} else if src, ok := entry["source"].(map[string]any); ok {
				if p, ok := src["pointer"].(string); ok && p != "" {
					field = strings.TrimPrefix(p, "/")
				}
			}
			msg := firstString(entry, "message", "detail", "title")
			if msg != "" {
				out.details[field] = append(out.details[field], msg)
			}
			if out.message == "" {
				out.message = firstString(entry, "title", "detail", "message")
			}
		}
	}
	if len(out.details) == 0 {
		out.details = nil
	}
	return out
}

func toStrings(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, fmt.Sprintf("%s: %v", k, v[k]))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
