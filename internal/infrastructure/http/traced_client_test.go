package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/audit"
	ctxutil "3tcapital/ms_nfse_emissor/internal/infrastructure/context"
	"3tcapital/ms_nfse_emissor/internal/testutil"
)

type mockAuditRepo struct {
	mu    sync.Mutex
	saved []audit.APICall
}

func (m *mockAuditRepo) Save(ctx context.Context, call audit.APICall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, call)
	return nil
}

func (m *mockAuditRepo) FindByCorrelationID(ctx context.Context, correlationID string) ([]audit.APICall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.APICall
	for _, c := range m.saved {
		if c.CorrelationID == correlationID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockAuditRepo) DeleteBefore(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (m *mockAuditRepo) calls() []audit.APICall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.APICall(nil), m.saved...)
}

func newTestClient(repo audit.Repository) *TracedClient {
	return NewTracedClient(&TracedClientConfig{
		AuditEnabled:    true,
		LogRequestBody:  true,
		LogResponseBody: true,
		MaxBodySize:     1024,
	}, testutil.NewNullLogger(), repo, audit.ServiceSefin)
}

func TestTracedClientDo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Correlation-ID") != "corr-123" {
			t.Errorf("X-Correlation-ID = %q", r.Header.Get("X-Correlation-ID"))
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "dpsXmlGZipB64") {
			t.Error("request body not forwarded")
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"chaveAcesso":"3550308"}`))
	}))
	defer server.Close()

	repo := &mockAuditRepo{}
	client := newTestClient(repo)

	ctx := ctxutil.WithOperation(ctxutil.WithCorrelationID(context.Background(), "corr-123"), "Submit")
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/SefinNacional/nfse", strings.NewReader(`{"dpsXmlGZipB64":"H4sI"}`))
	req.Header.Set("Authorization", "Bearer x")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "chaveAcesso") {
		t.Error("response body not restored")
	}

	client.Wait()
	calls := repo.calls()
	if len(calls) != 1 {
		t.Fatalf("saved %d audit records, want 1", len(calls))
	}
	call := calls[0]
	if call.CorrelationID != "corr-123" || call.Operation != "Submit" || call.Service != audit.ServiceSefin {
		t.Errorf("unexpected audit record: %+v", call)
	}
	if call.ResponseStatus == nil || *call.ResponseStatus != http.StatusCreated {
		t.Errorf("response status = %v, want 201", call.ResponseStatus)
	}
	if call.RequestHeaders["Authorization"] != "[REDACTED]" {
		t.Errorf("authorization header not redacted: %q", call.RequestHeaders["Authorization"])
	}
	if strings.Contains(string(call.RequestBody), "H4sI") {
		t.Errorf("compressed document stored in audit: %s", call.RequestBody)
	}
}

func TestTracedClient_AuditSurvivesCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	repo := &mockAuditRepo{}
	client := newTestClient(repo)

	ctx, cancel := context.WithCancel(ctxutil.WithCorrelationID(context.Background(), "cancelled"))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	cancel()

	client.Wait()
	calls := repo.calls()
	if len(calls) != 1 || calls[0].CorrelationID != "cancelled" {
		t.Fatalf("audit record not persisted after cancellation: %+v", calls)
	}
}

func TestTracedClient_TransportErrorAudited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	repo := &mockAuditRepo{}
	client := newTestClient(repo)

	req, _ := http.NewRequest(http.MethodGet, url+"/nfse/123", nil)
	if _, err := client.Do(req); err == nil {
		t.Fatal("expected transport error")
	}

	client.Wait()
	calls := repo.calls()
	if len(calls) != 1 {
		t.Fatalf("saved %d audit records, want 1", len(calls))
	}
	if calls[0].CorrelationID == "" || calls[0].ErrorMessage == "" || !calls[0].Failed() {
		t.Errorf("unexpected audit record: %+v", calls[0])
	}
}

func TestTracedClientOperation(t *testing.T) {
	client := NewTracedClient(&TracedClientConfig{}, testutil.NewNullLogger(), nil, audit.ServiceWooCommerce)

	tests := []struct {
		name   string
		ctx    context.Context
		url    string
		method string
		want   string
	}{
		{"from context", ctxutil.WithOperation(context.Background(), "GetOrder"), "https://loja.example.com/wp-json/wc/v3/orders/10", "GET", "GetOrder"},
		{"skips numeric ids", context.Background(), "https://loja.example.com/wp-json/wc/v3/orders/10", "GET", "Orders"},
		{"trailing slash", context.Background(), "https://sefin.nfse.gov.br/SefinNacional/nfse/", "POST", "Nfse"},
		{"fallback", context.Background(), "https://api.example.com/", "DELETE", "DELETE_woocommerce"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequestWithContext(tt.ctx, tt.method, tt.url, nil)
			if got := client.operation(req); got != tt.want {
				t.Errorf("operation() = %s, want %s", got, tt.want)
			}
		})
	}
}
