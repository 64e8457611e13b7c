package dps

import (
	"errors"

	"github.com/shopspring/decimal"

	coredps "3tcapital/ms_nfse_emissor/internal/core/dps"
)

var hundred = decimal.NewFromInt(100)

// ValuesInput carries the monetary inputs of a DPS.
type ValuesInput struct {
	Gross                 decimal.Decimal
	Deductions            decimal.Decimal
	UnconditionalDiscount decimal.Decimal
	ConditionalDiscount   decimal.Decimal
	Rate                  decimal.Decimal
	Withhold              bool
}

// ComputeValues applies the tax arithmetic in fixed order: deductions,
// discounts, base, rate, ISS, net. Inputs are rounded to cents and the ISS is
// rounded half-even (ABNT NBR 5891) to cents; every other figure is exact.
func ComputeValues(in ValuesInput) (coredps.Values, error) {
	gross := in.Gross.RoundBank(2)
	deductions := in.Deductions.RoundBank(2)
	unconditional := in.UnconditionalDiscount.RoundBank(2)
	conditional := in.ConditionalDiscount.RoundBank(2)
	rate := in.Rate.RoundBank(2)

	switch {
	case !gross.IsPositive():
		return coredps.Values{}, errors.New("gross service value must be positive")
	case deductions.IsNegative():
		return coredps.Values{}, errors.New("deductions cannot be negative")
	case unconditional.IsNegative() || conditional.IsNegative():
		return coredps.Values{}, errors.New("discounts cannot be negative")
	case rate.IsNegative() || rate.GreaterThan(hundred):
		return coredps.Values{}, errors.New("ISS rate must be between 0 and 100")
	}

	base := gross.Sub(deductions).Sub(unconditional)
	if base.IsNegative() {
		return coredps.Values{}, errors.New("deductions and unconditional discount exceed the gross value")
	}

	iss := base.Mul(rate).Div(hundred).RoundBank(2)
	net := gross.Sub(iss)

	withheld := decimal.Zero
	if in.Withhold {
		withheld = iss
	}

	return coredps.Values{
		Gross:                 gross,
		Deductions:            deductions,
		UnconditionalDiscount: unconditional,
		ConditionalDiscount:   conditional,
		TaxBase:               base,
		Rate:                  rate,
		ISS:                   iss,
		Net:                   net,
		WithheldISS:           withheld,
	}, nil
}
