package signer

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"3tcapital/ms_nfse_emissor/internal/core/certificate"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/signature"
)

// Signer produces enveloped XMLDSig signatures over the element carrying the
// document Id (infDPS or infPedReg).
type Signer struct {
	method string
	log    *slog.Logger
	now    func() time.Time
}

// New returns a signer using method, which must be rsa-sha256 or rsa-sha1.
// An empty method selects rsa-sha256.
func New(method string, log *slog.Logger) (*Signer, error) {
	switch method {
	case "":
		method = signature.MethodRSASHA256
	case signature.MethodRSASHA256, signature.MethodRSASHA1:
	default:
		return nil, fmt.Errorf("unsupported signature method %q", method)
	}
	return &Signer{method: method, log: log, now: time.Now}, nil
}

// Sign signs xml with the certificate in bundle.
func (s *Signer) Sign(xml string, bundle *certificate.Bundle) (*signature.SignedDocument, error) {
	decoded, err := certificate.Decode(bundle)
	if err != nil {
		if errors.Is(err, certificate.ErrIncorrectPassword) {
			return nil, &nfse.SigningError{Code: nfse.CodeCertificatePassword, Message: "certificate password is incorrect", Err: err}
		}
		return nil, &nfse.SigningError{Code: nfse.CodeCertificateUnreadable, Message: "certificate could not be read", Err: err}
	}

	now := s.now()
	leaf := decoded.Leaf
	if now.Before(leaf.NotBefore) {
		return nil, &nfse.SigningError{
			Code:    nfse.CodeCertificateNotYetValid,
			Message: fmt.Sprintf("certificate is valid from %s", leaf.NotBefore.Format(time.RFC3339)),
		}
	}
	if now.After(leaf.NotAfter) {
		return nil, &nfse.SigningError{
			Code:    nfse.CodeCertificateExpired,
			Message: fmt.Sprintf("certificate expired at %s", leaf.NotAfter.Format(time.RFC3339)),
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, &nfse.SigningError{Code: nfse.CodeInvalidDocument, Message: "document is not well-formed", Err: err}
	}
	root := doc.Root()
	if root == nil {
		return nil, &nfse.SigningError{Code: nfse.CodeInvalidDocument, Message: "document has no root element"}
	}
	if root.SelectElement("Signature") != nil {
		return nil, &nfse.SigningError{Code: nfse.CodeInvalidDocument, Message: "document is already signed"}
	}
	stripWhitespace(root)

	target := signedElement(root)
	if target == nil {
		return nil, &nfse.SigningError{Code: nfse.CodeInvalidDocument, Message: "no element with an Id attribute to sign"}
	}
	id := target.SelectAttrValue("Id", "")

	// The signed element is canonicalized on its own, so it must carry the
	// default namespace it inherits from the root.
	if ns := root.SelectAttrValue("xmlns", ""); ns != "" && target.SelectAttr("xmlns") == nil {
		target.CreateAttr("xmlns", ns)
	}

	ctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(decoded.TLS))
	ctx.IdAttribute = "Id"
	ctx.Prefix = ""
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	if err := ctx.SetSignatureMethod(s.method); err != nil {
		return nil, &nfse.SigningError{Code: nfse.CodeInvalidDocument, Message: "unsupported signature method", Err: err}
	}

	sig, err := ctx.ConstructSignature(target, true)
	if err != nil {
		return nil, &nfse.SigningError{Code: nfse.CodeInvalidDocument, Message: "signature could not be computed", Err: err}
	}
	root.AddChild(sig)

	signed, err := doc.WriteToString()
	if err != nil {
		return nil, &nfse.SigningError{Code: nfse.CodeInvalidDocument, Message: "signed document could not be serialized", Err: err}
	}

	digest := ""
	if el := sig.FindElement(".//DigestValue"); el != nil {
		digest = el.Text()
	}

	s.log.Debug("document signed",
		"reference", id,
		"method", s.method,
		"certificate_serial", leaf.SerialNumber.String(),
	)

	return &signature.SignedDocument{
		OriginalXML:            xml,
		SignedXML:              signed,
		SignedAt:               now,
		CertificateFingerprint: certificate.Fingerprint(leaf),
		ReferenceURI:           "#" + id,
		DigestValue:            digest,
		SignatureMethod:        s.method,
	}, nil
}

// ExtractCertificateInfo reads the signing certificate embedded in KeyInfo.
func ExtractCertificateInfo(signedXML string) (*signature.CertificateInfo, error) {
	return extractCertificateInfo(signedXML, time.Now())
}

func extractCertificateInfo(signedXML string, now time.Time) (*signature.CertificateInfo, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(signedXML); err != nil {
		return nil, fmt.Errorf("parse signed document: %w", err)
	}
	el := doc.FindElement("//Signature/KeyInfo/X509Data/X509Certificate")
	if el == nil {
		return nil, errors.New("signed document has no X509Certificate")
	}

	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(el.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("decode embedded certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse embedded certificate: %w", err)
	}

	meta := certificate.Describe(leaf)
	return &signature.CertificateInfo{
		Subject:      meta.Subject,
		CommonName:   meta.CommonName,
		Issuer:       meta.Issuer,
		SerialNumber: meta.SerialNumber,
		Fingerprint:  meta.Fingerprint,
		CNPJ:         cnpjFromCommonName(leaf.Subject.CommonName),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
		Expired:      now.After(leaf.NotAfter),
	}, nil
}

// GetSignatureTimestamp returns the signing time of a signed document. It
// prefers an explicit SigningTime property and falls back to the document
// issue time (dhEmi) or event time (dhEvento).
func GetSignatureTimestamp(signedXML string) (time.Time, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(signedXML); err != nil {
		return time.Time{}, fmt.Errorf("parse signed document: %w", err)
	}
	if doc.FindElement("//Signature") == nil {
		return time.Time{}, errors.New("document is not signed")
	}

	for _, path := range []string{"//SigningTime", "//dhEmi", "//dhEvento"} {
		el := doc.FindElement(path)
		if el == nil {
			continue
		}
		text := strings.TrimSpace(el.Text())
		t, err := time.Parse(time.RFC3339, text)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse %s %q: %w", strings.TrimPrefix(path, "//"), text, err)
		}
		return t, nil
	}
	return time.Time{}, errors.New("signed document carries no timestamp")
}

// signedElement returns the first child of root carrying an Id attribute,
// or root itself when it carries one.
func signedElement(root *etree.Element) *etree.Element {
	for _, child := range root.ChildElements() {
		if child.SelectAttr("Id") != nil {
			return child
		}
	}
	if root.SelectAttr("Id") != nil {
		return root
	}
	return nil
}

// stripWhitespace removes whitespace-only text nodes so indentation never
// reaches the digest.
func stripWhitespace(el *etree.Element) {
	for _, tok := range append([]etree.Token(nil), el.Child...) {
		switch t := tok.(type) {
		case *etree.CharData:
			if strings.TrimSpace(t.Data) == "" && len(el.ChildElements()) > 0 {
				el.RemoveChild(t)
			}
		case *etree.Comment:
			el.RemoveChild(t)
		case *etree.Element:
			stripWhitespace(t)
		}
	}
}

// cnpjFromCommonName reads the CNPJ from an ICP-Brasil CN ("NAME:CNPJ").
func cnpjFromCommonName(cn string) string {
	_, after, ok := strings.Cut(cn, ":")
	if !ok {
		return ""
	}
	digits := strings.TrimSpace(after)
	if len(digits) != 14 {
		return ""
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return digits
}
