package dps

import (
	"time"

	"github.com/shopspring/decimal"
)

// Namespace of the national NFS-e layout.
const (
	Namespace     = "http://www.sped.fazenda.gov.br/nfse"
	LayoutVersion = "1.00"
)

// PayerKind is derived from the payer document length.
type PayerKind int

const (
	PayerUnknown PayerKind = iota
	PayerIndividual
	PayerBusiness
)

func (k PayerKind) String() string {
	switch k {
	case PayerIndividual:
		return "individual"
	case PayerBusiness:
		return "business"
	default:
		return "unknown"
	}
}

// Issuer block (prest).
type Issuer struct {
	CNPJ                  string
	MunicipalRegistration string
	Name                  string
	Phone                 string
	Email                 string
	SimplesNacional       int
	SpecialRegime         int
}

// Payer block (toma).
type Payer struct {
	Kind             PayerKind
	Document         string
	Name             string
	Email            string
	Phone            string
	Street           string
	Number           string
	Complement       string
	District         string
	MunicipalityCode string
	PostalCode       string
}

// HasAddress reports whether every mandatory address field is filled.
func (p Payer) HasAddress() bool {
	return p.Street != "" && p.Number != "" && p.District != "" && p.MunicipalityCode != "" && p.PostalCode != ""
}

// Service block (serv).
type Service struct {
	MunicipalityCode string
	Code             string
	NBSCode          string
	Description      string
}

// Values block. TaxBase, ISS and Net are derived; see ComputeValues.
type Values struct {
	Gross                 decimal.Decimal
	Deductions            decimal.Decimal
	UnconditionalDiscount decimal.Decimal
	ConditionalDiscount   decimal.Decimal
	TaxBase               decimal.Decimal
	Rate                  decimal.Decimal
	ISS                   decimal.Decimal
	Net                   decimal.Decimal
	WithheldISS           decimal.Decimal
}

// Withheld reports whether the payer withholds the ISS.
func (v Values) Withheld() bool {
	return v.WithheldISS.IsPositive()
}

// Document is one generated DPS. It is never mutated after generation.
type Document struct {
	Identifier  Identifier
	Number      int64
	Environment string
	IssuedAt    time.Time
	Competence  time.Time
	AppVersion  string
	Issuer      Issuer
	Payer       Payer
	Service     Service
	Values      Values
	XML         string
}

// ID returns the 45-character identifier used as the infDPS Id attribute.
func (d *Document) ID() string {
	return d.Identifier.String()
}
