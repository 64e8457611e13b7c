package emission

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	emissionmemory "3tcapital/ms_nfse_emissor/internal/adapters/emission/memory"
	lockmemory "3tcapital/ms_nfse_emissor/internal/adapters/lock/memory"
	appdps "3tcapital/ms_nfse_emissor/internal/application/dps"
	"3tcapital/ms_nfse_emissor/internal/application/signer"
	"3tcapital/ms_nfse_emissor/internal/application/xsd"
	"3tcapital/ms_nfse_emissor/internal/core/certificate"
	coredps "3tcapital/ms_nfse_emissor/internal/core/dps"
	"3tcapital/ms_nfse_emissor/internal/core/emission"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/order"
	"3tcapital/ms_nfse_emissor/internal/core/validation"
	"3tcapital/ms_nfse_emissor/internal/testutil"
)

type harness struct {
	svc     *Service
	repo    *emissionmemory.Repository
	locker  *lockmemory.Locker
	client  *testutil.MockNfseClient
	orders  *testutil.MockOrderStore
	certs   *testutil.MockCertificateManager
	metrics *recordingMetrics
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) ObserveEmission(outcome string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outcomes) == 0 {
		return ""
	}
	return m.outcomes[len(m.outcomes)-1]
}

func newHarness(t *testing.T, bundle *certificate.Bundle, opts ...func(*Dependencies)) *harness {
	t.Helper()
	log := testutil.NewNullLogger()
	provider := testutil.NewStaticSettings(testutil.NewTestSettings())

	validator, err := xsd.NewValidator(log)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	sg, err := signer.New("", log)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	h := &harness{
		repo:    emissionmemory.NewRepository(),
		locker:  lockmemory.NewLocker(),
		client:  &testutil.MockNfseClient{},
		orders:  testutil.NewMockOrderStore(testutil.NewTestOrder(1), testutil.NewTestOrder(2)),
		certs:   &testutil.MockCertificateManager{Bundle: bundle},
		metrics: &recordingMetrics{},
	}
	deps := Dependencies{
		Repository:   h.repo,
		Locker:       h.locker,
		Certificates: h.certs,
		Orders:       h.orders,
		Generator:    appdps.NewGenerator(provider, validator, log),
		Signer:       sg,
		Client:       h.client,
		Settings:     provider,
		Metrics:      h.metrics,
		Logger:       log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.svc, err = NewService(deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return h
}

func TestNewService_RequiresDependencies(t *testing.T) {
	if _, err := NewService(Dependencies{}); err == nil {
		t.Error("expected error for empty dependencies")
	}
}

func TestProcessEmission_Success(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	result, err := h.svc.ProcessEmission(ctx, 1, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != emission.StatusSuccess {
		t.Errorf("expected success, got %s", result.Status)
	}
	if len(result.AccessKey) != appdps.AccessKeyLength {
		t.Errorf("unexpected access key %q", result.AccessKey)
	}
	if result.DPSNumber != 1 {
		t.Errorf("expected first DPS number 1, got %d", result.DPSNumber)
	}
	if len(result.DPSIdentifier) != coredps.IdentifierLength {
		t.Errorf("unexpected identifier %q", result.DPSIdentifier)
	}
	if result.Report == nil || !result.Report.Valid {
		t.Errorf("expected valid report, got %+v", result.Report)
	}

	rec, err := h.repo.FindByOrderID(ctx, 1)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.Status != emission.StatusSuccess || rec.AccessKey != result.AccessKey {
		t.Errorf("record not persisted as success: %+v", rec)
	}
	if rec.Attempts != 1 || rec.EmittedAt == nil {
		t.Errorf("unexpected attempts %d / emitted at %v", rec.Attempts, rec.EmittedAt)
	}
	if !strings.Contains(rec.SignedXML, "<Signature") || strings.Contains(rec.XML, "<Signature") {
		t.Error("expected signed and unsigned XML to be stored separately")
	}

	submitted := h.client.Submitted()
	if len(submitted) != 1 || submitted[0] != rec.SignedXML {
		t.Error("expected the stored signed XML to be the one submitted")
	}
	if notes := h.orders.Notes(1); len(notes) != 1 || !strings.Contains(notes[0], result.AccessKey) {
		t.Errorf("expected order note with access key, got %v", notes)
	}
	if h.certs.Usage() != 1 {
		t.Errorf("expected certificate usage recorded once, got %d", h.certs.Usage())
	}
	if h.locker.Held(lockKey(1)) {
		t.Error("lock must be released after emission")
	}
	if h.metrics.last() != "success" {
		t.Errorf("expected success metric, got %q", h.metrics.last())
	}
}

func TestProcessEmission_AlreadyEmitted(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	first, err := h.svc.ProcessEmission(ctx, 1, false)
	if err != nil {
		t.Fatalf("first emission: %v", err)
	}

	_, err = h.svc.ProcessEmission(ctx, 1, false)
	if !errors.Is(err, nfse.ErrAlreadyEmitted) {
		t.Fatalf("expected ErrAlreadyEmitted, got %v", err)
	}
	var already *nfse.AlreadyEmittedError
	if !errors.As(err, &already) || already.AccessKey != first.AccessKey {
		t.Errorf("expected error to carry access key %s, got %v", first.AccessKey, err)
	}

	if h.client.SubmitCalls() != 1 {
		t.Errorf("expected no second submission, got %d calls", h.client.SubmitCalls())
	}
	rec, _ := h.repo.FindByOrderID(ctx, 1)
	if rec.Status != emission.StatusSuccess || rec.Attempts != 1 {
		t.Errorf("record must be untouched, got status %s attempts %d", rec.Status, rec.Attempts)
	}
	if h.metrics.last() != nfse.CodeAlreadyEmitted {
		t.Errorf("expected already_emitted metric, got %q", h.metrics.last())
	}
}

func TestProcessEmission_ForceAllocatesNewNumber(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	first, err := h.svc.ProcessEmission(ctx, 1, false)
	if err != nil {
		t.Fatalf("first emission: %v", err)
	}
	second, err := h.svc.ProcessEmission(ctx, 1, true)
	if err != nil {
		t.Fatalf("forced emission: %v", err)
	}

	if second.DPSNumber == first.DPSNumber || second.DPSIdentifier == first.DPSIdentifier {
		t.Errorf("re-emission must use a new DPS number, got %d twice", first.DPSNumber)
	}
	if second.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", second.Attempts)
	}
	if h.client.SubmitCalls() != 2 {
		t.Errorf("expected 2 submissions, got %d", h.client.SubmitCalls())
	}
}

func TestProcessEmission_Failures(t *testing.T) {
	tests := []struct {
		name          string
		bundle        func(t testing.TB) *certificate.Bundle
		orderID       int64
		setup         func(h *harness)
		wantCode      string
		wantRetryable bool
	}{
		{
			name:     "expired certificate",
			bundle:   testutil.NewExpiredCertificateBundle,
			orderID:  1,
			wantCode: nfse.CodeCertificateExpired,
		},
		{
			name:     "missing certificate",
			bundle:   func(t testing.TB) *certificate.Bundle { return nil },
			orderID:  1,
			wantCode: nfse.CodeCertificateMissing,
		},
		{
			name:     "unknown order",
			bundle:   testutil.NewValidCertificateBundle,
			orderID:  404,
			wantCode: nfse.CodeGenerationFailed,
		},
		{
			name:    "order store down",
			bundle:  testutil.NewValidCertificateBundle,
			orderID: 1,
			setup: func(h *harness) {
				h.orders.GetOrderFunc = func(ctx context.Context, id int64) (*order.Snapshot, error) {
					return nil, errors.New("connection refused")
				}
			},
			wantCode:      nfse.CodeOrderStoreUnavailable,
			wantRetryable: true,
		},
		{
			name:    "invalid payer document",
			bundle:  testutil.NewValidCertificateBundle,
			orderID: 1,
			setup: func(h *harness) {
				o := testutil.NewTestOrder(1)
				o.Customer.Document = "12345678900"
				h.orders.Put(o)
			},
			wantCode: nfse.CodeGenerationFailed,
		},
		{
			name:    "api rejects document",
			bundle:  testutil.NewValidCertificateBundle,
			orderID: 1,
			setup: func(h *harness) {
				h.client.SubmitFunc = func(ctx context.Context, signedXML string) (*nfse.SubmitResult, error) {
					return nil, &nfse.SubmissionError{Code: nfse.CodeSubmissionRejected, StatusCode: 400, Messages: []nfse.Message{{Code: "E0014", Description: "DPS duplicada"}}}
				}
			},
			wantCode: nfse.CodeSubmissionRejected,
		},
		{
			name:    "api unavailable",
			bundle:  testutil.NewValidCertificateBundle,
			orderID: 1,
			setup: func(h *harness) {
				h.client.SubmitFunc = func(ctx context.Context, signedXML string) (*nfse.SubmitResult, error) {
					return nil, &nfse.SubmissionError{StatusCode: 503, Temporary: true}
				}
			},
			wantCode:      nfse.CodeSubmissionFailed,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.bundle(t))
			if tt.setup != nil {
				tt.setup(h)
			}
			ctx := context.Background()

			_, err := h.svc.ProcessEmission(ctx, tt.orderID, false)
			if err == nil {
				t.Fatal("expected error")
			}
			c := nfse.Classify(err)
			if c.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s (%v)", tt.wantCode, c.Code, err)
			}
			if c.Retryable != tt.wantRetryable {
				t.Errorf("expected retryable=%v, got %v", tt.wantRetryable, c.Retryable)
			}
			if c.Action == "" {
				t.Error("expected an operator action")
			}

			rec, err := h.repo.FindByOrderID(ctx, tt.orderID)
			if err != nil {
				t.Fatalf("failure must be persisted: %v", err)
			}
			if rec.Status != emission.StatusError || rec.ErrorCode != tt.wantCode || rec.ErrorMessage == "" {
				t.Errorf("unexpected record %+v", rec)
			}
			if h.locker.Held(lockKey(tt.orderID)) {
				t.Error("lock must be released after a failure")
			}
			if h.metrics.last() != tt.wantCode {
				t.Errorf("expected metric %s, got %s", tt.wantCode, h.metrics.last())
			}
		})
	}
}

func TestProcessEmission_SigningNeverReachedOnExpiredCertificate(t *testing.T) {
	h := newHarness(t, testutil.NewExpiredCertificateBundle(t))

	if _, err := h.svc.ProcessEmission(context.Background(), 1, false); err == nil {
		t.Fatal("expected error")
	}
	if h.client.SubmitCalls() != 0 {
		t.Errorf("nothing may be submitted with an expired certificate, got %d calls", h.client.SubmitCalls())
	}
}

type invalidReportGenerator struct{}

func (invalidReportGenerator) Generate(snapshot *order.Snapshot, number int64) (*coredps.Document, *validation.Report, error) {
	report := &validation.Report{Schema: validation.SchemaDPS}
	report.AddError("infDPS/valores/vServPrest/vServ", "required", "element is required")
	return &coredps.Document{Number: number, XML: "<DPS/>"}, report, nil
}

func TestProcessEmission_InvalidReportStopsBeforeSigning(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t), func(d *Dependencies) {
		d.Generator = invalidReportGenerator{}
	})

	_, err := h.svc.ProcessEmission(context.Background(), 1, false)
	var vErr *nfse.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(vErr.Issues) != 1 {
		t.Errorf("expected the report issues on the error, got %v", vErr.Issues)
	}
	if h.client.SubmitCalls() != 0 {
		t.Error("invalid documents must not be submitted")
	}
}

func TestProcessEmission_RetryAfterError(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	fail := true
	h.client.SubmitFunc = func(ctx context.Context, signedXML string) (*nfse.SubmitResult, error) {
		if fail {
			return nil, &nfse.SubmissionError{StatusCode: 502, Temporary: true}
		}
		return &nfse.SubmitResult{AccessKey: strings.Repeat("1", appdps.AccessKeyLength), Status: nfse.StatusAuthorized}, nil
	}

	if _, err := h.svc.ProcessEmission(ctx, 1, false); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	fail = false
	result, err := h.svc.ProcessEmission(ctx, 1, false)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Attempts != 2 || result.DPSNumber != 2 {
		t.Errorf("expected attempt 2 with DPS number 2, got %d/%d", result.Attempts, result.DPSNumber)
	}
	rec, _ := h.repo.FindByOrderID(ctx, 1)
	if rec.ErrorCode != "" || rec.ErrorMessage != "" {
		t.Errorf("success must clear the previous error, got %s / %s", rec.ErrorCode, rec.ErrorMessage)
	}
}

func TestProcessEmission_LockHeld(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	lock, err := h.locker.Obtain(ctx, lockKey(1), time.Minute)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	defer lock.Release(ctx)

	_, err = h.svc.ProcessEmission(ctx, 1, false)
	if !errors.Is(err, nfse.ErrEmissionInProgress) {
		t.Fatalf("expected ErrEmissionInProgress, got %v", err)
	}
	if c := nfse.Classify(err); c.Code != nfse.CodeEmissionInProgress || !c.Retryable {
		t.Errorf("unexpected classification %+v", c)
	}
	if _, err := h.repo.FindByOrderID(ctx, 1); !errors.Is(err, emission.ErrNotFound) {
		t.Error("no attempt may start while another worker holds the lock")
	}
}

func TestProcessEmission_ConcurrentCallsEmitOnce(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.ProcessEmission(ctx, 1, false)
		}()
	}
	wg.Wait()

	if h.client.SubmitCalls() != 1 {
		t.Errorf("expected exactly one submission, got %d", h.client.SubmitCalls())
	}
}

// flakyRepository fails MarkSuccess a set number of times.
type flakyRepository struct {
	*emissionmemory.Repository
	successFailures int
}

func (r *flakyRepository) MarkSuccess(ctx context.Context, orderID int64, u emission.SuccessUpdate) error {
	if r.successFailures > 0 {
		r.successFailures--
		return errors.New("connection reset")
	}
	return r.Repository.MarkSuccess(ctx, orderID, u)
}

func TestProcessEmission_PersistFailureBlocksReemission(t *testing.T) {
	repo := &flakyRepository{Repository: emissionmemory.NewRepository(), successFailures: 1}
	h := newHarness(t, testutil.NewValidCertificateBundle(t), func(d *Dependencies) {
		d.Repository = repo
	})
	ctx := context.Background()

	_, err := h.svc.ProcessEmission(ctx, 1, false)
	var pErr *nfse.PersistError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PersistError, got %v", err)
	}
	if c := nfse.Classify(err); c.Code != nfse.CodePersistFailed || c.Retryable {
		t.Errorf("unexpected classification %+v", c)
	}

	rec, err := repo.FindByOrderID(ctx, 1)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.ErrorCode != nfse.CodePersistFailed {
		t.Errorf("expected error code %s, got %q", nfse.CodePersistFailed, rec.ErrorCode)
	}
	if rec.AccessKey == "" || rec.AccessKey != pErr.AccessKey {
		t.Errorf("issued access key must be kept on the record, got %q want %q", rec.AccessKey, pErr.AccessKey)
	}

	view, err := h.svc.QueryStatus(ctx, emission.Lookup{OrderID: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if view.Error == nil || view.Error.Code != nfse.CodePersistFailed || view.Error.Retryable {
		t.Errorf("unexpected classification %+v", view.Error)
	}
	if view.Remote == nil || view.Remote.AccessKey != pErr.AccessKey {
		t.Errorf("expected remote status for the issued key, got %+v", view.Remote)
	}

	_, err = h.svc.ProcessEmission(ctx, 1, false)
	if !errors.Is(err, nfse.ErrAlreadyEmitted) {
		t.Fatalf("expected ErrAlreadyEmitted on retry, got %v", err)
	}
	if h.client.SubmitCalls() != 1 {
		t.Errorf("expected exactly one submission, got %d", h.client.SubmitCalls())
	}
}

func TestProcessEmission_FailedForceKeepsIssuedDocument(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	first, err := h.svc.ProcessEmission(ctx, 1, false)
	if err != nil {
		t.Fatalf("first emission: %v", err)
	}

	h.certs.Bundle = testutil.NewExpiredCertificateBundle(t)
	if _, err := h.svc.ProcessEmission(ctx, 1, true); err == nil {
		t.Fatal("expected forced attempt to fail with an expired certificate")
	}

	rec, err := h.repo.FindByOrderID(ctx, 1)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.Status != emission.StatusSuccess || rec.AccessKey != first.AccessKey {
		t.Errorf("record must keep the issued document, got status %s key %q", rec.Status, rec.AccessKey)
	}
	if rec.ErrorCode != nfse.CodeCertificateExpired {
		t.Errorf("expected the forced failure to be recorded, got %q", rec.ErrorCode)
	}

	h.certs.Bundle = testutil.NewValidCertificateBundle(t)
	if _, err := h.svc.ProcessEmission(ctx, 1, false); !errors.Is(err, nfse.ErrAlreadyEmitted) {
		t.Fatalf("expected ErrAlreadyEmitted, got %v", err)
	}
	if h.client.SubmitCalls() != 1 {
		t.Errorf("expected exactly one submission, got %d", h.client.SubmitCalls())
	}
}

func TestMarkPending(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	if err := h.svc.MarkPending(ctx, 7); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	rec, err := h.repo.FindByOrderID(ctx, 7)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.Status != emission.StatusPending || rec.Environment != "2" {
		t.Errorf("unexpected record %+v", rec)
	}
}

const cancelReason = "Serviço não foi prestado ao cliente"

func TestCancelNfse(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	emitted, err := h.svc.ProcessEmission(ctx, 1, false)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	var sentEvent string
	h.client.CancelFunc = func(ctx context.Context, accessKey, signedEventXML string) (*nfse.CancelResult, error) {
		sentEvent = signedEventXML
		return &nfse.CancelResult{AccessKey: accessKey, Status: nfse.StatusCancelled, Raw: "{}"}, nil
	}

	result, err := h.svc.CancelNfse(ctx, 1, cancelReason)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.AccessKey != emitted.AccessKey {
		t.Errorf("expected access key %s, got %s", emitted.AccessKey, result.AccessKey)
	}
	if !strings.Contains(sentEvent, appdps.EventID(emitted.AccessKey)) || !strings.Contains(sentEvent, "<Signature") {
		t.Error("expected a signed cancellation event for the access key")
	}

	rec, _ := h.repo.FindByOrderID(ctx, 1)
	if rec.Status != emission.StatusCancelled || rec.CancelReason != cancelReason || rec.CancelledAt == nil {
		t.Errorf("unexpected record %+v", rec)
	}

	if _, err := h.svc.CancelNfse(ctx, 1, cancelReason); !errors.Is(err, nfse.ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable on second cancel, got %v", err)
	}
	if _, err := h.svc.ProcessEmission(ctx, 1, false); !errors.Is(err, nfse.ErrAlreadyEmitted) {
		t.Errorf("cancelled orders need force to re-emit, got %v", err)
	}
}

func TestCancelNfse_Rejects(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	if _, err := h.svc.CancelNfse(ctx, 99, cancelReason); !errors.Is(err, emission.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown order, got %v", err)
	}

	h.client.SubmitFunc = func(ctx context.Context, signedXML string) (*nfse.SubmitResult, error) {
		return nil, &nfse.SubmissionError{StatusCode: 503, Temporary: true}
	}
	_, _ = h.svc.ProcessEmission(ctx, 1, false)
	if _, err := h.svc.CancelNfse(ctx, 1, cancelReason); !errors.Is(err, nfse.ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable for error record, got %v", err)
	}

	h.client.SubmitFunc = nil
	if _, err := h.svc.ProcessEmission(ctx, 2, false); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := h.svc.CancelNfse(ctx, 2, "curto"); !errors.Is(err, nfse.ErrInvalidCancelReason) {
		t.Errorf("expected ErrInvalidCancelReason, got %v", err)
	}
	if h.client.CancelCalls() != 0 {
		t.Errorf("no event may be sent for rejected cancellations, got %d", h.client.CancelCalls())
	}
}

func TestQueryStatus(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	emitted, err := h.svc.ProcessEmission(ctx, 1, false)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	byOrder, err := h.svc.QueryStatus(ctx, emission.Lookup{OrderID: 1})
	if err != nil {
		t.Fatalf("query by order: %v", err)
	}
	if byOrder.Remote == nil || byOrder.Remote.Status != nfse.StatusAuthorized {
		t.Errorf("expected remote status, got %+v", byOrder.Remote)
	}

	byKey, err := h.svc.QueryStatus(ctx, emission.Lookup{AccessKey: emitted.AccessKey})
	if err != nil {
		t.Fatalf("query by key: %v", err)
	}
	if byKey.Emission.OrderID != 1 {
		t.Errorf("expected order 1, got %d", byKey.Emission.OrderID)
	}

	h.client.QueryStatusFunc = func(ctx context.Context, accessKey string) (*nfse.StatusResult, error) {
		return nil, &nfse.SubmissionError{StatusCode: 503, Temporary: true}
	}
	view, err := h.svc.QueryStatus(ctx, emission.Lookup{OrderID: 1})
	if err != nil {
		t.Fatalf("remote failure must not fail the query: %v", err)
	}
	if view.RemoteError == "" || view.Remote != nil {
		t.Errorf("expected remote error in view, got %+v", view)
	}

	if _, err := h.svc.QueryStatus(ctx, emission.Lookup{}); err == nil {
		t.Error("expected error for empty lookup")
	}
	if _, err := h.svc.QueryStatus(ctx, emission.Lookup{OrderID: 404}); !errors.Is(err, emission.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryStatus_ErrorRecordCarriesClassification(t *testing.T) {
	h := newHarness(t, testutil.NewExpiredCertificateBundle(t))
	ctx := context.Background()

	_, _ = h.svc.ProcessEmission(ctx, 1, false)
	view, err := h.svc.QueryStatus(ctx, emission.Lookup{OrderID: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if view.Error == nil || view.Error.Code != nfse.CodeCertificateExpired || view.Error.Retryable {
		t.Errorf("unexpected classification %+v", view.Error)
	}
}

func TestProcessBatchEmission(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))

	summary := h.svc.ProcessBatchEmission(context.Background(), []int64{1, 404, 2}, false)
	if summary.Total != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Items) != 3 {
		t.Fatalf("expected one item per order, got %d", len(summary.Items))
	}
	if item := summary.Items[1]; item.OrderID != 404 || item.Success || item.Code != nfse.CodeGenerationFailed {
		t.Errorf("unexpected failed item %+v", item)
	}
	if item := summary.Items[2]; !item.Success || item.Result == nil {
		t.Errorf("a failure must not abort the batch, got %+v", item)
	}
}

func TestProcessBatchEmission_CancelledContext(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := h.svc.ProcessBatchEmission(ctx, []int64{1, 2}, false)
	if summary.Failed != 2 {
		t.Fatalf("expected every order reported failed, got %+v", summary)
	}
	for _, item := range summary.Items {
		if item.Code != nfse.CodeTimeout {
			t.Errorf("expected timeout code, got %s", item.Code)
		}
	}
	if h.client.SubmitCalls() != 0 {
		t.Error("nothing may be submitted after cancellation")
	}
}

func TestStatistics(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	if _, err := h.svc.ProcessEmission(ctx, 1, false); err != nil {
		t.Fatalf("emit: %v", err)
	}
	_, _ = h.svc.ProcessEmission(ctx, 404, false)

	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)
	stats, err := h.svc.Statistics(ctx, from, to)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 2 || stats.Success != 1 || stats.Error != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.SuccessRate != 50 {
		t.Errorf("expected 50%% success rate, got %v", stats.SuccessRate)
	}

	if _, err := h.svc.Statistics(ctx, to, from); err == nil {
		t.Error("expected error for inverted period")
	}
}

func TestDownloadXML(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	ctx := context.Background()

	if _, err := h.svc.ProcessEmission(ctx, 1, false); err != nil {
		t.Fatalf("emit: %v", err)
	}

	unsigned, err := h.svc.DownloadXML(ctx, 1, false)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	signed, err := h.svc.DownloadXML(ctx, 1, true)
	if err != nil {
		t.Fatalf("download signed: %v", err)
	}
	if strings.Contains(unsigned, "<Signature") || !strings.Contains(signed, "<Signature") {
		t.Error("expected unsigned and signed variants")
	}

	if err := h.svc.MarkPending(ctx, 9); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if _, err := h.svc.DownloadXML(ctx, 9, false); !errors.Is(err, emission.ErrNotFound) {
		t.Errorf("expected ErrNotFound without stored xml, got %v", err)
	}
}

func TestTestConnection(t *testing.T) {
	h := newHarness(t, testutil.NewValidCertificateBundle(t))
	if err := h.svc.TestConnection(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	h.client.TestConnectionFunc = func(ctx context.Context) error { return errors.New("dial tcp: timeout") }
	if err := h.svc.TestConnection(context.Background()); err == nil {
		t.Error("expected api error")
	}

	expired := newHarness(t, testutil.NewExpiredCertificateBundle(t))
	err := expired.svc.TestConnection(context.Background())
	var sigErr *nfse.SigningError
	if !errors.As(err, &sigErr) || sigErr.Code != nfse.CodeCertificateExpired {
		t.Errorf("expected certificate_expired, got %v", err)
	}
}
