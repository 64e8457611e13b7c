package testutil

import (
	"context"
	"sync"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/certificate"
)

// MockCertificateManager serves a fixed bundle.
type MockCertificateManager struct {
	Bundle *certificate.Bundle
	Err    error

	mu    sync.Mutex
	usage int
}

func (m *MockCertificateManager) GetActiveCertificate(ctx context.Context) (*certificate.Bundle, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Bundle == nil {
		return nil, certificate.ErrNoActiveCertificate
	}
	return m.Bundle, nil
}

func (m *MockCertificateManager) IsCertificateValid(ctx context.Context) (bool, error) {
	b, err := m.GetActiveCertificate(ctx)
	if err != nil {
		return false, err
	}
	return b.Certificate.ValidAt(time.Now()), nil
}

func (m *MockCertificateManager) RecordUsage(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage++
	return nil
}

// Usage returns how many times RecordUsage was called.
func (m *MockCertificateManager) Usage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

var _ certificate.Manager = (*MockCertificateManager)(nil)
