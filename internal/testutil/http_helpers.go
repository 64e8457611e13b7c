package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// ErrorEnvelope mirrors the JSON error body written by the API. It is
// declared here so packages below the HTTP layer can use it in tests.
type ErrorEnvelope struct {
	Message   string   `json:"message"`
	Errors    []string `json:"errors"`
	Code      string   `json:"code"`
	Retryable bool     `json:"retryable"`
	Action    string   `json:"action"`
}

// ReadJSONResponse fails unless the recorder holds a 200 with a JSON body
// decodable into v.
func ReadJSONResponse(t testing.TB, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ReadErrorResponse decodes the error envelope of a non-2xx response.
func ReadErrorResponse(t testing.TB, w *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	if w.Code < http.StatusBadRequest {
		t.Fatalf("status = %d, want an error status", w.Code)
	}
	var env ErrorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env
}
