package security

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

const redactedValue = "[REDACTED]"

var sensitiveHeaders = map[string]bool{
	"authorization":          true,
	"proxy-authorization":    true,
	"cookie":                 true,
	"set-cookie":             true,
	"x-api-key":              true,
	"x-wc-webhook-signature": true,
}

// Field names redacted from JSON bodies and query strings. Matching is by
// substring on the lower-cased name.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"consumer_key",
	"api_key",
	"apikey",
	"private_key",
	"pfx",
	"credential",
}

// Payload fields of the national API carrying gzip+base64 documents. They are
// summarised instead of stored, since the documents live on the emission record.
const compressedFieldSuffix = "gzipb64"

// SanitizeHeaders returns a copy of headers with sensitive values redacted.
func SanitizeHeaders(headers http.Header) map[string]string {
	sanitized := make(map[string]string, len(headers))
	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] {
			sanitized[key] = redactedValue
			continue
		}
		sanitized[key] = strings.Join(values, ", ")
	}
	return sanitized
}

// SanitizeBody turns a request or response body into JSON safe to log and
// store. Gzip bodies are inflated, binary bodies are wrapped as base64, plain
// text is wrapped as a string, and bodies over maxSize are truncated.
func SanitizeBody(body []byte, maxSize int) json.RawMessage {
	if len(body) == 0 {
		return nil
	}

	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		inflated, err := inflate(body)
		if err != nil {
			return wrap(map[string]any{
				"_binary": true,
				"_format": "gzip (inflate failed)",
				"_size":   len(body),
			})
		}
		body = inflated
	}

	if !utf8.Valid(body) {
		return wrap(map[string]any{
			"_binary": true,
			"_format": "binary",
			"_size":   len(body),
			"_base64": base64.StdEncoding.EncodeToString(body[:min(len(body), max(maxSize, 0))]),
		})
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return wrap(map[string]any{
			"_format": "text",
			"_raw":    truncate(string(body), maxSize),
		})
	}

	out, err := json.Marshal(sanitizeValue(data))
	if err != nil {
		return wrap(map[string]any{"_format": "text", "_raw": truncate(string(body), maxSize)})
	}
	if maxSize > 0 && len(out) > maxSize {
		return wrap(map[string]any{
			"_truncated": true,
			"_size":      len(out),
			"_preview":   string(out[:maxSize]),
		})
	}
	return out
}

func inflate(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func wrap(v map[string]any) json.RawMessage {
	out, _ := json.Marshal(v)
	return out
}

func truncate(s string, maxSize int) string {
	if maxSize > 0 && len(s) > maxSize {
		return s[:maxSize]
	}
	return s
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, value := range val {
			lower := strings.ToLower(key)
			switch {
			case isSensitive(lower):
				out[key] = redactedValue
			case strings.HasSuffix(lower, compressedFieldSuffix):
				out[key] = summariseCompressed(value)
			default:
				out[key] = sanitizeValue(value)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, value := range val {
			out[i] = sanitizeValue(value)
		}
		return out
	default:
		return val
	}
}

func isSensitive(lowerName string) bool {
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}

func summariseCompressed(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return map[string]any{"_gzip_base64": true, "_size": len(s)}
}

// SanitizeURL redacts the values of sensitive query parameters.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}

	parts := strings.Split(u.RawQuery, "&")
	changed := false
	for i, part := range parts {
		name, _, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		decoded, err := url.QueryUnescape(name)
		if err != nil {
			decoded = name
		}
		if isSensitive(strings.ToLower(decoded)) {
			parts[i] = name + "=" + redactedValue
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = strings.Join(parts, "&")
	return u.String()
}
