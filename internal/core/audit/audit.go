package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Services whose calls are audited.
const (
	ServiceSefin       = "sefin_nacional"
	ServiceWooCommerce = "woocommerce"
)

// APICall is the audit record of one outbound HTTP call. Headers and bodies
// are stored already sanitized.
type APICall struct {
	ID              int64             `json:"id"`
	CorrelationID   string            `json:"correlationId"`
	Service         string            `json:"service"`
	Operation       string            `json:"operation"`
	RequestMethod   string            `json:"requestMethod"`
	RequestURL      string            `json:"requestUrl"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     json.RawMessage   `json:"requestBody,omitempty"`
	ResponseStatus  *int              `json:"responseStatus,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    json.RawMessage   `json:"responseBody,omitempty"`
	DurationMs      int64             `json:"durationMs"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// Failed reports whether the call errored or returned a non-2xx status.
func (c APICall) Failed() bool {
	if c.ErrorMessage != "" {
		return true
	}
	return c.ResponseStatus != nil && (*c.ResponseStatus < 200 || *c.ResponseStatus > 299)
}

// Repository persists audit records.
type Repository interface {
	// Save persists one call.
	Save(ctx context.Context, call APICall) error

	// FindByCorrelationID returns every call made while handling one request
	// or drain run, newest first.
	FindByCorrelationID(ctx context.Context, correlationID string) ([]APICall, error)

	// DeleteBefore purges records older than the cutoff.
	DeleteBefore(ctx context.Context, before time.Time) (int, error)
}
