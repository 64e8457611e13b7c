package signer

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"3tcapital/ms_nfse_emissor/internal/application/xsd"
	"3tcapital/ms_nfse_emissor/internal/core/certificate"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/signature"
	"3tcapital/ms_nfse_emissor/internal/core/validation"
	"3tcapital/ms_nfse_emissor/internal/testutil"
)

const unsignedDPS = `<?xml version="1.0" encoding="UTF-8"?>
<DPS xmlns="http://www.sped.fazenda.gov.br/nfse" versao="1.00">
  <infDPS Id="DPS355030821122233300018100001000000000000042">
    <tpAmb>2</tpAmb>
    <dhEmi>2025-03-10T14:30:00-03:00</dhEmi>
    <nDPS>42</nDPS>
  </infDPS>
</DPS>`

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := New("", testutil.NewNullLogger())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestNew_RejectsUnknownMethod(t *testing.T) {
	if _, err := New("http://www.w3.org/2001/04/xmldsig-more#rsa-sha512", testutil.NewNullLogger()); err == nil {
		t.Error("expected error for unsupported method")
	}
}

func TestSigner_Sign(t *testing.T) {
	s := newTestSigner(t)
	bundle := testutil.NewValidCertificateBundle(t)

	signed, err := s.Sign(unsignedDPS, bundle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if signed.ReferenceURI != "#DPS355030821122233300018100001000000000000042" {
		t.Errorf("unexpected reference %s", signed.ReferenceURI)
	}
	if signed.SignatureMethod != signature.MethodRSASHA256 {
		t.Errorf("unexpected method %s", signed.SignatureMethod)
	}
	if signed.CertificateFingerprint != bundle.Certificate.Fingerprint {
		t.Errorf("expected fingerprint %s, got %s", bundle.Certificate.Fingerprint, signed.CertificateFingerprint)
	}
	if signed.OriginalXML != unsignedDPS {
		t.Error("original XML must be kept verbatim")
	}
	if strings.Contains(signed.SignedXML, "\n  <infDPS") {
		t.Error("indentation must be stripped before signing")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(signed.SignedXML); err != nil {
		t.Fatalf("signed XML is not well-formed: %v", err)
	}
	root := doc.Root()
	sig := root.SelectElement("Signature")
	if sig == nil {
		t.Fatal("expected Signature as a child of the root element")
	}
	if got := sig.SelectAttrValue("xmlns", ""); got != "http://www.w3.org/2000/09/xmldsig#" {
		t.Errorf("unexpected signature namespace %q", got)
	}

	// Recompute the reference digest over the signed element.
	inf := root.SelectElement("infDPS")
	canonical, err := dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("").Canonicalize(inf)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sum := sha256.Sum256(canonical)
	if want := base64.StdEncoding.EncodeToString(sum[:]); signed.DigestValue != want {
		t.Errorf("digest mismatch: signature has %s, recomputed %s", signed.DigestValue, want)
	}

	v, err := xsd.NewValidator(testutil.NewNullLogger())
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	report := v.ValidateAgainstSchema(signed.SignedXML, validation.SchemaSignature)
	if !report.Valid {
		t.Errorf("signature does not conform to xmldsig-core: %v", report.Errors)
	}
}

func TestSigner_Sign_IndentationIndependent(t *testing.T) {
	s := newTestSigner(t)
	bundle := testutil.NewValidCertificateBundle(t)

	compact := strings.NewReplacer("\n", "", "  ", "").Replace(unsignedDPS)
	a, err := s.Sign(unsignedDPS, bundle)
	if err != nil {
		t.Fatalf("sign indented: %v", err)
	}
	b, err := s.Sign(compact, bundle)
	if err != nil {
		t.Fatalf("sign compact: %v", err)
	}
	if a.DigestValue != b.DigestValue {
		t.Errorf("digest depends on indentation: %s != %s", a.DigestValue, b.DigestValue)
	}
}

func TestSigner_Sign_SHA1(t *testing.T) {
	s, err := New(signature.MethodRSASHA1, testutil.NewNullLogger())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	signed, err := s.Sign(unsignedDPS, testutil.NewValidCertificateBundle(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(signed.SignedXML, signature.MethodRSASHA1) {
		t.Error("expected rsa-sha1 signature method in signed XML")
	}
}

func TestSigner_Sign_Errors(t *testing.T) {
	valid := testutil.NewValidCertificateBundle(t)
	expired := testutil.NewExpiredCertificateBundle(t)
	future := testutil.NewCertificateBundle(t, time.Now().Add(24*time.Hour), time.Now().Add(48*time.Hour))

	wrongPassword := *valid
	wrongPassword.Password = "nope"

	garbage := *valid
	garbage.Data = []byte("not a pfx")

	tests := []struct {
		name     string
		xml      string
		bundle   *certificate.Bundle
		wantCode string
	}{
		{"expired certificate", unsignedDPS, expired, nfse.CodeCertificateExpired},
		{"certificate not yet valid", unsignedDPS, future, nfse.CodeCertificateNotYetValid},
		{"wrong password", unsignedDPS, &wrongPassword, nfse.CodeCertificatePassword},
		{"unreadable data", unsignedDPS, &garbage, nfse.CodeCertificateUnreadable},
		{"nil bundle", unsignedDPS, nil, nfse.CodeCertificateUnreadable},
		{"malformed document", "<DPS><infDPS", valid, nfse.CodeInvalidDocument},
		{"no Id attribute", `<DPS xmlns="x"><infDPS/></DPS>`, valid, nfse.CodeInvalidDocument},
	}

	s := newTestSigner(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Sign(tt.xml, tt.bundle)
			var sigErr *nfse.SigningError
			if !errors.As(err, &sigErr) {
				t.Fatalf("expected SigningError, got %v", err)
			}
			if sigErr.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, sigErr.Code)
			}
			if nfse.Classify(err).Retryable {
				t.Error("signing errors must not be retryable")
			}
		})
	}
}

func TestSigner_Sign_AlreadySigned(t *testing.T) {
	s := newTestSigner(t)
	bundle := testutil.NewValidCertificateBundle(t)

	signed, err := s.Sign(unsignedDPS, bundle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = s.Sign(signed.SignedXML, bundle)
	var sigErr *nfse.SigningError
	if !errors.As(err, &sigErr) || sigErr.Code != nfse.CodeInvalidDocument {
		t.Errorf("expected invalid_document for re-signing, got %v", err)
	}
}

func TestExtractCertificateInfo(t *testing.T) {
	s := newTestSigner(t)
	bundle := testutil.NewValidCertificateBundle(t)
	signed, err := s.Sign(unsignedDPS, bundle)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	info, err := ExtractCertificateInfo(signed.SignedXML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.CNPJ != "11222333000181" {
		t.Errorf("expected CNPJ from CN, got %q", info.CNPJ)
	}
	if info.Fingerprint != bundle.Certificate.Fingerprint {
		t.Errorf("expected fingerprint %s, got %s", bundle.Certificate.Fingerprint, info.Fingerprint)
	}
	if info.SerialNumber != bundle.Certificate.SerialNumber {
		t.Errorf("expected serial %s, got %s", bundle.Certificate.SerialNumber, info.SerialNumber)
	}
	if info.Expired {
		t.Error("certificate should not be reported expired")
	}

	if _, err := ExtractCertificateInfo(unsignedDPS); err == nil {
		t.Error("expected error for unsigned document")
	}
}

func TestGetSignatureTimestamp(t *testing.T) {
	s := newTestSigner(t)
	signed, err := s.Sign(unsignedDPS, testutil.NewValidCertificateBundle(t))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	ts, err := GetSignatureTimestamp(signed.SignedXML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 3, 10, 17, 30, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("expected %s, got %s", want, ts)
	}

	if _, err := GetSignatureTimestamp(unsignedDPS); err == nil {
		t.Error("expected error for unsigned document")
	}
}

func TestCnpjFromCommonName(t *testing.T) {
	tests := map[string]string{
		"LOJA EXEMPLO LTDA:11222333000181": "11222333000181",
		"LOJA EXEMPLO LTDA":                "",
		"FULANO:52998224725":               "",
		"LOJA:1122233300018X":              "",
	}
	for cn, want := range tests {
		if got := cnpjFromCommonName(cn); got != want {
			t.Errorf("cnpjFromCommonName(%q) = %q, want %q", cn, got, want)
		}
	}
}
