package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"3tcapital/ms_nfse_emissor/internal/core/certificate"
)

// Manager serves the A1 certificate stored as a PFX file. The file is re-read
// when its modification time changes, so a renewed certificate is picked up
// without a restart. When a Registry is set, the active certificate and its
// usage are mirrored there.
type Manager struct {
	path     string
	password string
	registry certificate.Registry
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	cached   *certificate.Bundle
	modTime  time.Time
	usage    int64
	lastUsed *time.Time
}

var _ certificate.Manager = (*Manager)(nil)

// NewManager creates a manager for the PFX at path. registry may be nil.
func NewManager(path, password string, registry certificate.Registry, log *slog.Logger) *Manager {
	return &Manager{
		path:     path,
		password: password,
		registry: registry,
		log:      log,
		now:      time.Now,
	}
}

// GetActiveCertificate returns the PFX bytes and password. A file that cannot
// be decoded is still returned so the signer reports the precise cause.
func (m *Manager) GetActiveCertificate(ctx context.Context) (*certificate.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == "" {
		return nil, certificate.ErrNoActiveCertificate
	}

	info, err := os.Stat(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", m.path, certificate.ErrNoActiveCertificate)
		}
		return nil, fmt.Errorf("stat certificate: %w", err)
	}
	if m.cached != nil && info.ModTime().Equal(m.modTime) {
		return m.snapshot(), nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	bundle := &certificate.Bundle{Data: data, Password: m.password}
	decoded, err := certificate.Decode(bundle)
	if err != nil {
		m.log.Warn("Certificate file could not be decoded", "path", m.path, "error", err)
		bundle.Certificate = certificate.Certificate{StorageRef: m.path, Active: true}
		m.cached, m.modTime = bundle, info.ModTime()
		return m.snapshot(), nil
	}

	meta := certificate.Describe(decoded.Leaf)
	meta.StorageRef = m.path
	meta.Active = true
	bundle.Certificate = meta

	if m.cached == nil || m.cached.Certificate.Fingerprint != meta.Fingerprint {
		m.log.Info("Certificate loaded",
			"common_name", meta.CommonName,
			"fingerprint", meta.Fingerprint,
			"not_after", meta.NotAfter,
		)
		m.usage, m.lastUsed = 0, nil
		if m.registry != nil {
			if err := m.registry.Activate(ctx, meta); err != nil {
				m.log.Warn("Failed to register certificate", "fingerprint", meta.Fingerprint, "error", err)
			}
		}
	}

	m.cached, m.modTime = bundle, info.ModTime()
	return m.snapshot(), nil
}

func (m *Manager) snapshot() *certificate.Bundle {
	out := *m.cached
	out.Certificate.UsageCount = m.usage
	out.Certificate.LastUsedAt = m.lastUsed
	return &out
}

// IsCertificateValid reports whether the active certificate decodes and is
// inside its validity window.
func (m *Manager) IsCertificateValid(ctx context.Context) (bool, error) {
	b, err := m.GetActiveCertificate(ctx)
	if err != nil {
		return false, err
	}
	if b.Certificate.Fingerprint == "" {
		return false, nil
	}
	return b.Certificate.ValidAt(m.now()), nil
}

// RecordUsage increments the usage counters of the active certificate.
func (m *Manager) RecordUsage(ctx context.Context) error {
	m.mu.Lock()
	if m.cached == nil {
		m.mu.Unlock()
		return certificate.ErrNoActiveCertificate
	}
	at := m.now()
	m.usage++
	m.lastUsed = &at
	fingerprint := m.cached.Certificate.Fingerprint
	m.mu.Unlock()

	if m.registry == nil || fingerprint == "" {
		return nil
	}
	if err := m.registry.RecordUsage(ctx, fingerprint, at); err != nil {
		return fmt.Errorf("record certificate usage: %w", err)
	}
	return nil
}
