package testutil

import (
	"context"
	"fmt"
	"sync"

	"3tcapital/ms_nfse_emissor/internal/core/nfse"
)

// MockNfseClient is a mock implementation of nfse.Client for testing. Calls
// are counted so tests can assert that a step was never reached.
type MockNfseClient struct {
	SubmitFunc         func(ctx context.Context, signedXML string) (*nfse.SubmitResult, error)
	QueryStatusFunc    func(ctx context.Context, accessKey string) (*nfse.StatusResult, error)
	CancelFunc         func(ctx context.Context, accessKey, signedEventXML string) (*nfse.CancelResult, error)
	TestConnectionFunc func(ctx context.Context) error

	mu          sync.Mutex
	submitCalls int
	cancelCalls int
	submitted   []string
}

// Submit calls the mock function if set, otherwise returns an authorized result
// with a generated access key.
func (m *MockNfseClient) Submit(ctx context.Context, signedXML string) (*nfse.SubmitResult, error) {
	m.mu.Lock()
	m.submitCalls++
	n := m.submitCalls
	m.submitted = append(m.submitted, signedXML)
	m.mu.Unlock()

	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, signedXML)
	}
	return &nfse.SubmitResult{
		AccessKey: fmt.Sprintf("3550308221122233300018100000000000%016d", n),
		Protocol:  fmt.Sprintf("PROT-%d", n),
		Status:    nfse.StatusAuthorized,
		Raw:       `{"chaveAcesso":"ok"}`,
	}, nil
}

// QueryStatus calls the mock function if set, otherwise reports the key authorized.
func (m *MockNfseClient) QueryStatus(ctx context.Context, accessKey string) (*nfse.StatusResult, error) {
	if m.QueryStatusFunc != nil {
		return m.QueryStatusFunc(ctx, accessKey)
	}
	return &nfse.StatusResult{AccessKey: accessKey, Status: nfse.StatusAuthorized}, nil
}

// Cancel calls the mock function if set, otherwise accepts the event.
func (m *MockNfseClient) Cancel(ctx context.Context, accessKey, signedEventXML string) (*nfse.CancelResult, error) {
	m.mu.Lock()
	m.cancelCalls++
	m.mu.Unlock()

	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, accessKey, signedEventXML)
	}
	return &nfse.CancelResult{AccessKey: accessKey, Status: nfse.StatusCancelled, EventXML: signedEventXML, Raw: `{"evento":"ok"}`}, nil
}

// TestConnection calls the mock function if set, otherwise returns nil.
func (m *MockNfseClient) TestConnection(ctx context.Context) error {
	if m.TestConnectionFunc != nil {
		return m.TestConnectionFunc(ctx)
	}
	return nil
}

// SubmitCalls returns how many times Submit was called.
func (m *MockNfseClient) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

// CancelCalls returns how many times Cancel was called.
func (m *MockNfseClient) CancelCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCalls
}

// Submitted returns the signed documents passed to Submit.
func (m *MockNfseClient) Submitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.submitted...)
}

var _ nfse.Client = (*MockNfseClient)(nil)
