package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/queue"
	"3tcapital/ms_nfse_emissor/internal/testutil"
)

type fakeService struct {
	items     map[int64]*queue.Item
	paused    bool
	health    queue.Health
	addErr    error
	added     []enqueueRequest
	limits    []int
	threshold time.Duration
}

func newFakeService() *fakeService {
	return &fakeService{items: map[int64]*queue.Item{
		1: {ID: 1, OrderID: 10, Status: queue.StatusPending},
		2: {ID: 2, OrderID: 20, Status: queue.StatusCompleted},
	}}
}

func (f *fakeService) AddToQueue(ctx context.Context, orderID int64, trigger queue.Trigger, delay time.Duration, priority int) (int64, error) {
	if f.addErr != nil {
		return 0, f.addErr
	}
	f.added = append(f.added, enqueueRequest{OrderID: orderID, Priority: priority, DelaySeconds: int(delay / time.Second)})
	return 99, nil
}

func (f *fakeService) ProcessQueue(ctx context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return 3, nil
}

func (f *fakeService) ResetStuckItems(ctx context.Context, threshold time.Duration) (int, error) {
	f.threshold = threshold
	return 1, nil
}

func (f *fakeService) RetryFailedItems(ctx context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return 2, nil
}

func (f *fakeService) ListFailed(ctx context.Context, limit int) ([]queue.Item, error) {
	f.limits = append(f.limits, limit)
	return nil, nil
}

func (f *fakeService) CancelItem(ctx context.Context, id int64) error {
	item, ok := f.items[id]
	if !ok {
		return fmt.Errorf("cancel queue item %d: %w", id, queue.ErrNotFound)
	}
	if item.Status != queue.StatusPending {
		return fmt.Errorf("cancel queue item %d: %w", id, queue.ErrInvalidTransition)
	}
	item.Status = queue.StatusCancelled
	return nil
}

func (f *fakeService) GetItem(ctx context.Context, id int64) (*queue.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return item, nil
}

func (f *fakeService) Pause(ctx context.Context) error  { f.paused = true; return nil }
func (f *fakeService) Resume(ctx context.Context) error { f.paused = false; return nil }

func (f *fakeService) IsPaused(ctx context.Context) (bool, error) { return f.paused, nil }

func (f *fakeService) Statistics(ctx context.Context) (queue.Stats, error) {
	return queue.Stats{Pending: 4, Failed: 1}, nil
}

func (f *fakeService) GetQueueHealth(ctx context.Context) (queue.Health, error) {
	return f.health, nil
}

func newRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/queue", NewHandler(svc, testutil.NewTestLogger()).Register)
	return r
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestHandler_Enqueue(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		addErr   error
		wantCode int
	}{
		{"valid", `{"orderId":10,"priority":3,"delaySeconds":60}`, nil, http.StatusAccepted},
		{"default priority", `{"orderId":10}`, nil, http.StatusAccepted},
		{"missing order", `{"priority":3}`, nil, http.StatusBadRequest},
		{"priority out of range", `{"orderId":10,"priority":11}`, nil, http.StatusBadRequest},
		{"negative delay", `{"orderId":10,"delaySeconds":-1}`, nil, http.StatusBadRequest},
		{"bad json", `nope`, nil, http.StatusBadRequest},
		{"duplicate", `{"orderId":10}`, &nfse.DuplicateQueueItemError{OrderID: 10, ExistingItemID: 1}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.addErr = tt.addErr

			w := serve(newRouter(svc), http.MethodPost, "/queue", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if tt.wantCode != http.StatusAccepted {
				return
			}
			var resp enqueueResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.ItemID != 99 || resp.OrderID != 10 {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}
}

func TestHandler_EnqueuePassesDelay(t *testing.T) {
	svc := newFakeService()
	serve(newRouter(svc), http.MethodPost, "/queue", `{"orderId":10,"priority":3,"delaySeconds":60}`)

	want := enqueueRequest{OrderID: 10, Priority: 3, DelaySeconds: 60}
	if len(svc.added) != 1 || svc.added[0] != want {
		t.Errorf("added = %+v, want %+v", svc.added, want)
	}
}

func TestHandler_StatsIncludesPauseFlag(t *testing.T) {
	svc := newFakeService()
	router := newRouter(svc)

	if w := serve(router, http.MethodPost, "/queue/pause", ""); w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", w.Code)
	}

	w := serve(router, http.MethodGet, "/queue/stats", "")
	var resp struct {
		Pending int  `json:"pending"`
		Paused  bool `json:"paused"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pending != 4 || !resp.Paused {
		t.Errorf("unexpected stats %+v", resp)
	}

	serve(router, http.MethodPost, "/queue/resume", "")
	if svc.paused {
		t.Error("expected queue to be resumed")
	}
}

func TestHandler_Health(t *testing.T) {
	tests := []struct {
		status   queue.HealthStatus
		wantCode int
	}{
		{queue.HealthHealthy, http.StatusOK},
		{queue.HealthWarning, http.StatusOK},
		{queue.HealthCritical, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			svc := newFakeService()
			svc.health = queue.Health{Status: tt.status}
			if w := serve(newRouter(svc), http.MethodGet, "/queue/health", ""); w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestHandler_Maintenance(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantCode   int
		wantCount  int
		wantLimits []int
	}{
		{"process default", "/queue/process", http.StatusOK, 3, []int{0}},
		{"process limit", "/queue/process?limit=7", http.StatusOK, 3, []int{7}},
		{"retry", "/queue/retry?limit=2", http.StatusOK, 2, []int{2}},
		{"bad limit", "/queue/retry?limit=0", http.StatusBadRequest, 0, nil},
		{"huge limit", "/queue/process?limit=100000", http.StatusBadRequest, 0, nil},
		{"reset", "/queue/reset", http.StatusOK, 1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			w := serve(newRouter(svc), http.MethodPost, tt.path, "")
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp countResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Count != tt.wantCount {
				t.Errorf("count = %d, want %d", resp.Count, tt.wantCount)
			}
			if fmt.Sprint(svc.limits) != fmt.Sprint(tt.wantLimits) && tt.wantLimits != nil {
				t.Errorf("limits = %v, want %v", svc.limits, tt.wantLimits)
			}
		})
	}
}

func TestHandler_ResetThreshold(t *testing.T) {
	svc := newFakeService()
	router := newRouter(svc)

	if w := serve(router, http.MethodPost, "/queue/reset?olderThan=15m", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if svc.threshold != 15*time.Minute {
		t.Errorf("threshold = %s", svc.threshold)
	}
	if w := serve(router, http.MethodPost, "/queue/reset?olderThan=soon", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_ListFailed(t *testing.T) {
	svc := newFakeService()
	w := serve(newRouter(svc), http.MethodGet, "/queue/failed", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"items":[]`) {
		t.Errorf("expected an empty list, got %s", w.Body.String())
	}
	if len(svc.limits) != 1 || svc.limits[0] != defaultListLimit {
		t.Errorf("limits = %v", svc.limits)
	}
}

func TestHandler_Items(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
	}{
		{"get", http.MethodGet, "/queue/items/1", http.StatusOK},
		{"get missing", http.MethodGet, "/queue/items/42", http.StatusNotFound},
		{"get invalid", http.MethodGet, "/queue/items/x", http.StatusBadRequest},
		{"cancel pending", http.MethodDelete, "/queue/items/1", http.StatusNoContent},
		{"cancel completed", http.MethodDelete, "/queue/items/2", http.StatusConflict},
		{"cancel missing", http.MethodDelete, "/queue/items/42", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newRouter(newFakeService()), tt.method, tt.path, "")
			if w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
		})
	}
}
