package signature

import "time"

// Signature algorithm URIs accepted by the signer.
const (
	MethodRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	MethodRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
)

// SignedDocument wraps the original XML with its enveloped signature.
type SignedDocument struct {
	OriginalXML            string    `json:"-"`
	SignedXML              string    `json:"-"`
	SignedAt               time.Time `json:"signedAt"`
	CertificateFingerprint string    `json:"certificateFingerprint"`
	ReferenceURI           string    `json:"referenceUri"`
	DigestValue            string    `json:"digestValue"`
	SignatureMethod        string    `json:"signatureMethod"`
}

// CertificateInfo is the certificate metadata read back from a signed document.
type CertificateInfo struct {
	Subject      string    `json:"subject"`
	CommonName   string    `json:"commonName"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serialNumber"`
	Fingerprint  string    `json:"fingerprint"`
	CNPJ         string    `json:"cnpj,omitempty"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
	Expired      bool      `json:"expired"`
}
