package certificate

import (
	"context"
	"errors"
	"time"
)

// ErrNoActiveCertificate is returned when no certificate is marked active.
var ErrNoActiveCertificate = errors.New("no active certificate")

// Certificate is the identity metadata of an A1 certificate.
type Certificate struct {
	Subject      string
	CommonName   string
	Issuer       string
	SerialNumber string
	Fingerprint  string
	NotBefore    time.Time
	NotAfter     time.Time
	StorageRef   string
	Active       bool
	UsageCount   int64
	LastUsedAt   *time.Time
}

// ValidAt reports whether t falls within the validity window.
func (c Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// Bundle is the active certificate bytes plus its password.
type Bundle struct {
	Certificate Certificate
	Data        []byte
	Password    string
}

// Manager resolves the single active certificate.
type Manager interface {
	// GetActiveCertificate returns the PKCS#12 bytes and password of the active certificate.
	GetActiveCertificate(ctx context.Context) (*Bundle, error)

	// IsCertificateValid reports whether the active certificate is currently usable.
	IsCertificateValid(ctx context.Context) (bool, error)

	// RecordUsage increments the usage counters of the active certificate.
	RecordUsage(ctx context.Context) error
}

// Registry persists certificate metadata and usage counters.
type Registry interface {
	// Activate upserts c by fingerprint and makes it the only active certificate.
	Activate(ctx context.Context, c Certificate) error

	// Active returns the active certificate, or ErrNoActiveCertificate.
	Active(ctx context.Context) (*Certificate, error)

	// RecordUsage increments the usage counter of the certificate.
	RecordUsage(ctx context.Context, fingerprint string, at time.Time) error
}
