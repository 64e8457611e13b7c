package locality

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrMunicipalityNotFound is returned when no municipality matches the lookup.
var ErrMunicipalityNotFound = errors.New("municipality not found")

// Resolver looks up IBGE municipality codes. Orders from the store carry the
// billing city and state as typed by the customer, while the DPS needs the
// 7-digit IBGE code.
type Resolver interface {
	// ResolveMunicipality finds the municipality named city in the state
	// with the given two-letter abbreviation (UF).
	ResolveMunicipality(ctx context.Context, city, state string) (*Municipality, error)
}

// Municipality represents a municipality in the IBGE registry.
type Municipality struct {
	Code  string // 7 digits, e.g. "3550308"
	Name  string // e.g. "São Paulo"
	State string // UF, e.g. "SP"
}

// NormalizeName folds accents, case and spacing so "são  paulo" and
// "SAO PAULO" compare equal.
func NormalizeName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ReplaceAll(out, "'", " ")
	out = strings.ReplaceAll(out, "-", " ")
	return strings.ToUpper(strings.Join(strings.Fields(out), " "))
}
