package certificate

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

var (
	// ErrIncorrectPassword is returned when the PKCS#12 password does not match.
	ErrIncorrectPassword = errors.New("incorrect certificate password")
	// ErrUnreadable is returned when the PKCS#12 data cannot be decoded.
	ErrUnreadable = errors.New("unreadable certificate")
)

// Decoded is a PKCS#12 bundle ready for TLS and XML signing.
type Decoded struct {
	TLS  tls.Certificate
	Leaf *x509.Certificate
	Key  *rsa.PrivateKey
}

// Decode parses the PKCS#12 data of b. Only RSA keys are accepted, as
// required by ICP-Brasil A1 certificates.
func Decode(b *Bundle) (*Decoded, error) {
	if b == nil || len(b.Data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrUnreadable)
	}

	key, leaf, chain, err := pkcs12.DecodeChain(b.Data, b.Password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrIncorrectPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrUnreadable, key)
	}

	raw := [][]byte{leaf.Raw}
	for _, ca := range chain {
		raw = append(raw, ca.Raw)
	}

	return &Decoded{
		TLS: tls.Certificate{
			Certificate: raw,
			PrivateKey:  rsaKey,
			Leaf:        leaf,
		},
		Leaf: leaf,
		Key:  rsaKey,
	}, nil
}

// Describe builds the metadata of a parsed certificate.
func Describe(leaf *x509.Certificate) Certificate {
	return Certificate{
		Subject:      leaf.Subject.String(),
		CommonName:   leaf.Subject.CommonName,
		Issuer:       leaf.Issuer.String(),
		SerialNumber: leaf.SerialNumber.String(),
		Fingerprint:  Fingerprint(leaf),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
	}
}

// Fingerprint is the hex SHA-256 of the DER certificate.
func Fingerprint(leaf *x509.Certificate) string {
	sum := sha256.Sum256(leaf.Raw)
	return hex.EncodeToString(sum[:])
}
