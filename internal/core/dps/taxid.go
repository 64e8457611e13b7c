package dps

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCPF      = errors.New("invalid CPF check digits")
	ErrInvalidCNPJ     = errors.New("invalid CNPJ check digits")
	ErrUnknownDocument = errors.New("document must have 11 (CPF) or 14 (CNPJ) digits")
)

// OnlyDigits strips every non-digit character (dots, dashes, slashes).
func OnlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ClassifyDocument detects the payer kind from the document length and checks
// its verification digits. It returns the digits-only document.
func ClassifyDocument(raw string) (PayerKind, string, error) {
	doc := OnlyDigits(raw)
	switch len(doc) {
	case 11:
		if !ValidCPF(doc) {
			return PayerIndividual, doc, fmt.Errorf("%w: %s", ErrInvalidCPF, doc)
		}
		return PayerIndividual, doc, nil
	case 14:
		if !ValidCNPJ(doc) {
			return PayerBusiness, doc, fmt.Errorf("%w: %s", ErrInvalidCNPJ, doc)
		}
		return PayerBusiness, doc, nil
	default:
		return PayerUnknown, doc, fmt.Errorf("%w: got %d", ErrUnknownDocument, len(doc))
	}
}

// ValidCPF checks the two modulo-11 verification digits of an 11-digit CPF.
func ValidCPF(cpf string) bool {
	if len(cpf) != 11 || !isDigits(cpf) || repeated(cpf) {
		return false
	}

	digit := func(n int) byte {
		sum := 0
		for i := 0; i < n; i++ {
			sum += int(cpf[i]-'0') * (n + 1 - i)
		}
		r := (sum * 10) % 11
		if r == 10 {
			r = 0
		}
		return byte(r) + '0'
	}

	return cpf[9] == digit(9) && cpf[10] == digit(10)
}

var (
	cnpjWeights1 = []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	cnpjWeights2 = []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
)

// ValidCNPJ checks the two modulo-11 verification digits of a 14-digit CNPJ.
func ValidCNPJ(cnpj string) bool {
	if len(cnpj) != 14 || !isDigits(cnpj) || repeated(cnpj) {
		return false
	}

	digit := func(weights []int) byte {
		sum := 0
		for i, w := range weights {
			sum += int(cnpj[i]-'0') * w
		}
		r := sum % 11
		if r < 2 {
			return '0'
		}
		return byte(11-r) + '0'
	}

	return cnpj[12] == digit(cnpjWeights1) && cnpj[13] == digit(cnpjWeights2)
}

func repeated(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
