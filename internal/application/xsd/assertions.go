package xsd

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"3tcapital/ms_nfse_emissor/internal/core/validation"
)

type assertion func(root *etree.Element, report *validation.Report)

var assertions = map[string]assertion{
	"values_consistency":   valuesConsistency,
	"reference_matches_id": referenceMatchesID,
}

const valuesPath = "infDPS/valores/"

var hundred = decimal.NewFromInt(100)

// valuesConsistency checks the DPS arithmetic:
// vBC = vServ - vDR - vDescIncond, vISSQN = vBC * pAliq / 100 (half-even,
// two places) and vLiq = vServ - vISSQN.
func valuesConsistency(root *etree.Element, report *validation.Report) {
	amount := func(p string) (decimal.Decimal, bool) {
		v, ok := first(root, valuesPath+p)
		if !ok {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}

	gross, ok := amount("vServPrest/vServ")
	if !ok {
		return
	}
	base, okBase := amount("trib/tribMun/vBC")
	rate, okRate := amount("trib/tribMun/pAliq")
	iss, okISS := amount("trib/tribMun/vISSQN")
	net, okNet := amount("vLiq")
	deductions, _ := amount("vDedRed/vDR")
	discount, _ := amount("vDescCondIncond/vDescIncond")

	if okBase {
		expected := gross.Sub(deductions).Sub(discount)
		if !base.Equal(expected) {
			report.AddError(valuesPath+"trib/tribMun/vBC", "values_consistency",
				fmt.Sprintf("tax base %s must equal vServ - vDR - vDescIncond = %s", base.StringFixed(2), expected.StringFixed(2)))
		}
	}
	if okBase && okRate && okISS {
		expected := base.Mul(rate).Div(hundred).RoundBank(2)
		if !iss.Equal(expected) {
			report.AddError(valuesPath+"trib/tribMun/vISSQN", "values_consistency",
				fmt.Sprintf("ISS %s must equal vBC x pAliq / 100 = %s", iss.StringFixed(2), expected.StringFixed(2)))
		}
	}
	if okISS && okNet {
		expected := gross.Sub(iss)
		if !net.Equal(expected) {
			report.AddError(valuesPath+"vLiq", "values_consistency",
				fmt.Sprintf("net value %s must equal vServ - vISSQN = %s", net.StringFixed(2), expected.StringFixed(2)))
		}
	}
}

// referenceMatchesID checks that every signature reference points at an Id
// present in the document.
func referenceMatchesID(root *etree.Element, report *validation.Report) {
	ids := findIDs(root)
	for _, ref := range resolve(root, "Signature/SignedInfo/Reference/@URI") {
		if !strings.HasPrefix(ref.value, "#") {
			continue
		}
		if !ids[strings.TrimPrefix(ref.value, "#")] {
			report.AddError("Signature/SignedInfo/Reference/@URI", "reference_matches_id",
				fmt.Sprintf("reference %s does not match any Id attribute", ref.value))
		}
	}
}
