package dps

import (
	"fmt"
	"strconv"
	"strings"
)

// Identifier layout: "DPS" + municipality(7) + inscription type(1) +
// federal inscription(14) + series(5) + number(15).
const (
	IdentifierLength = 45

	prefix            = "DPS"
	municipalityWidth = 7
	inscTypeWidth     = 1
	inscriptionWidth  = 14
	seriesWidth       = 5
	numberWidth       = 15

	// MaxNumber is the largest sequential number that fits the identifier.
	MaxNumber int64 = 999999999999999
)

// Inscription types of the identifier.
const (
	InscriptionCPF  = 1
	InscriptionCNPJ = 2
)

// Identifier is the positional DPS identifier used as the infDPS Id attribute.
type Identifier struct {
	MunicipalityCode   string
	InscriptionType    int
	FederalInscription string
	Series             string
	Number             int64
}

// NewIdentifier validates every component and returns the identifier in
// canonical form: series zero-padded to five digits, inscription stored with
// its natural length (11 for CPF, 14 for CNPJ).
func NewIdentifier(municipality string, inscriptionType int, inscription, series string, number int64) (Identifier, error) {
	if len(municipality) != municipalityWidth || !isDigits(municipality) {
		return Identifier{}, fmt.Errorf("municipality code must have %d digits, got %q", municipalityWidth, municipality)
	}

	switch inscriptionType {
	case InscriptionCPF:
		if len(inscription) != 11 || !isDigits(inscription) {
			return Identifier{}, fmt.Errorf("CPF inscription must have 11 digits, got %q", inscription)
		}
	case InscriptionCNPJ:
		if len(inscription) != 14 || !isDigits(inscription) {
			return Identifier{}, fmt.Errorf("CNPJ inscription must have 14 digits, got %q", inscription)
		}
	default:
		return Identifier{}, fmt.Errorf("inscription type must be %d or %d, got %d", InscriptionCPF, InscriptionCNPJ, inscriptionType)
	}

	if series == "" || len(series) > seriesWidth || !isDigits(series) {
		return Identifier{}, fmt.Errorf("series must have 1 to %d digits, got %q", seriesWidth, series)
	}
	if number < 1 || number > MaxNumber {
		return Identifier{}, fmt.Errorf("number must be between 1 and %d, got %d", MaxNumber, number)
	}

	return Identifier{
		MunicipalityCode:   municipality,
		InscriptionType:    inscriptionType,
		FederalInscription: inscription,
		Series:             fit(series, seriesWidth),
		Number:             number,
	}, nil
}

// String renders the fixed-width identifier. Every field is zero-padded on the
// left and truncated to its rightmost digits when longer than its width.
func (id Identifier) String() string {
	var b strings.Builder
	b.Grow(IdentifierLength)
	b.WriteString(prefix)
	b.WriteString(fit(id.MunicipalityCode, municipalityWidth))
	b.WriteString(fit(strconv.Itoa(id.InscriptionType), inscTypeWidth))
	b.WriteString(fit(id.FederalInscription, inscriptionWidth))
	b.WriteString(fit(id.Series, seriesWidth))
	b.WriteString(fit(strconv.FormatInt(id.Number, 10), numberWidth))
	return b.String()
}

// ParseIdentifier splits a 45-character identifier back into its fields.
func ParseIdentifier(raw string) (Identifier, error) {
	if len(raw) != IdentifierLength {
		return Identifier{}, fmt.Errorf("identifier must have %d characters, got %d", IdentifierLength, len(raw))
	}
	if !strings.HasPrefix(raw, prefix) {
		return Identifier{}, fmt.Errorf("identifier must start with %q", prefix)
	}
	body := raw[len(prefix):]
	if !isDigits(body) {
		return Identifier{}, fmt.Errorf("identifier must be numeric after %q", prefix)
	}

	pos := 0
	next := func(width int) string {
		field := body[pos : pos+width]
		pos += width
		return field
	}

	id := Identifier{MunicipalityCode: next(municipalityWidth)}
	id.InscriptionType = int(next(inscTypeWidth)[0] - '0')
	inscription := next(inscriptionWidth)
	id.Series = next(seriesWidth)
	number, err := strconv.ParseInt(next(numberWidth), 10, 64)
	if err != nil {
		return Identifier{}, fmt.Errorf("parse number: %w", err)
	}
	id.Number = number

	switch id.InscriptionType {
	case InscriptionCPF:
		if inscription[:3] != "000" {
			return Identifier{}, fmt.Errorf("CPF inscription %q is not zero padded", inscription)
		}
		id.FederalInscription = inscription[3:]
	case InscriptionCNPJ:
		id.FederalInscription = inscription
	default:
		return Identifier{}, fmt.Errorf("unknown inscription type %d", id.InscriptionType)
	}

	return id, nil
}

func fit(value string, width int) string {
	if len(value) >= width {
		return value[len(value)-width:]
	}
	return strings.Repeat("0", width-len(value)) + value
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
