package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"3tcapital/ms_nfse_emissor/internal/core/certificate"
)

// TestCertificatePassword protects every bundle built by NewCertificateBundle.
const TestCertificatePassword = "test-pfx-password"

// NewCertificateBundle builds a self-signed ICP-Brasil style A1 bundle
// ("NAME:CNPJ" common name) valid between notBefore and notAfter.
func NewCertificateBundle(t testing.TB, notBefore, notAfter time.Time) *certificate.Bundle {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "LOJA EXEMPLO LTDA:11222333000181",
			Organization: []string{"ICP-Brasil"},
			Country:      []string{"BR"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	pfx, err := pkcs12.Modern2023.Encode(key, leaf, nil, TestCertificatePassword)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}

	meta := certificate.Describe(leaf)
	meta.Active = true
	meta.StorageRef = "memory://test.pfx"
	return &certificate.Bundle{Certificate: meta, Data: pfx, Password: TestCertificatePassword}
}

// NewValidCertificateBundle returns a bundle valid for a year around now.
func NewValidCertificateBundle(t testing.TB) *certificate.Bundle {
	now := time.Now()
	return NewCertificateBundle(t, now.Add(-24*time.Hour), now.Add(365*24*time.Hour))
}

// NewExpiredCertificateBundle returns a bundle that expired yesterday.
func NewExpiredCertificateBundle(t testing.TB) *certificate.Bundle {
	now := time.Now()
	return NewCertificateBundle(t, now.Add(-400*24*time.Hour), now.Add(-24*time.Hour))
}
