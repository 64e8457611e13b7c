package dps

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	coredps "3tcapital/ms_nfse_emissor/internal/core/dps"
)

const (
	dateTimeLayout = "2006-01-02T15:04:05-07:00"
	dateLayout     = "2006-01-02"
)

// renderDPS writes the national DPS layout. The output carries no
// indentation so the signer digests exactly what is submitted.
func renderDPS(doc *coredps.Document) (string, error) {
	x := etree.NewDocument()
	x.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := x.CreateElement("DPS")
	root.CreateAttr("xmlns", coredps.Namespace)
	root.CreateAttr("versao", coredps.LayoutVersion)

	inf := root.CreateElement("infDPS")
	inf.CreateAttr("Id", doc.ID())
	addText(inf, "tpAmb", doc.Environment)
	addText(inf, "dhEmi", doc.IssuedAt.Format(dateTimeLayout))
	addText(inf, "verAplic", doc.AppVersion)
	addText(inf, "serie", trimZeros(doc.Identifier.Series))
	addText(inf, "nDPS", strconv.FormatInt(doc.Number, 10))
	addText(inf, "dCompet", doc.Competence.Format(dateLayout))
	addText(inf, "tpEmit", "1")
	addText(inf, "cLocEmi", doc.Identifier.MunicipalityCode)

	writeIssuer(inf.CreateElement("prest"), doc.Issuer)
	writePayer(inf.CreateElement("toma"), doc.Payer)
	writeService(inf.CreateElement("serv"), doc.Service)
	writeValues(inf.CreateElement("valores"), doc.Values)

	out, err := x.WriteToString()
	if err != nil {
		return "", fmt.Errorf("write DPS xml: %w", err)
	}
	return out, nil
}

func writeIssuer(el *etree.Element, issuer coredps.Issuer) {
	addText(el, "CNPJ", issuer.CNPJ)
	addOptional(el, "IM", issuer.MunicipalRegistration)
	addOptional(el, "fone", issuer.Phone)
	addOptional(el, "email", issuer.Email)

	reg := el.CreateElement("regTrib")
	addText(reg, "opSimpNac", strconv.Itoa(issuer.SimplesNacional))
	addText(reg, "regEspTrib", strconv.Itoa(issuer.SpecialRegime))
}

func writePayer(el *etree.Element, payer coredps.Payer) {
	if payer.Kind == coredps.PayerBusiness {
		addText(el, "CNPJ", payer.Document)
	} else {
		addText(el, "CPF", payer.Document)
	}
	addText(el, "xNome", payer.Name)

	if payer.HasAddress() {
		end := el.CreateElement("end")
		nac := end.CreateElement("endNac")
		addText(nac, "cMun", payer.MunicipalityCode)
		addText(nac, "CEP", payer.PostalCode)
		addText(end, "xLgr", payer.Street)
		addText(end, "nro", payer.Number)
		addOptional(end, "xCpl", payer.Complement)
		addText(end, "xBairro", payer.District)
	}

	addOptional(el, "fone", payer.Phone)
	addOptional(el, "email", payer.Email)
}

func writeService(el *etree.Element, svc coredps.Service) {
	loc := el.CreateElement("locPrest")
	addText(loc, "cLocPrestacao", svc.MunicipalityCode)

	code := el.CreateElement("cServ")
	addText(code, "cTribNac", svc.Code)
	addText(code, "xDescServ", svc.Description)
	addOptional(code, "cNBS", svc.NBSCode)
}

func writeValues(el *etree.Element, v coredps.Values) {
	addText(el.CreateElement("vServPrest"), "vServ", money(v.Gross))

	if v.UnconditionalDiscount.IsPositive() || v.ConditionalDiscount.IsPositive() {
		disc := el.CreateElement("vDescCondIncond")
		if v.UnconditionalDiscount.IsPositive() {
			addText(disc, "vDescIncond", money(v.UnconditionalDiscount))
		}
		if v.ConditionalDiscount.IsPositive() {
			addText(disc, "vDescCond", money(v.ConditionalDiscount))
		}
	}

	if v.Deductions.IsPositive() {
		addText(el.CreateElement("vDedRed"), "vDR", money(v.Deductions))
	}

	trib := el.CreateElement("trib")
	mun := trib.CreateElement("tribMun")
	addText(mun, "tribISSQN", "1")
	addText(mun, "pAliq", money(v.Rate))
	addText(mun, "vBC", money(v.TaxBase))
	addText(mun, "vISSQN", money(v.ISS))
	if v.Withheld() {
		addText(mun, "tpRetISSQN", "2")
	} else {
		addText(mun, "tpRetISSQN", "1")
	}
	addText(trib.CreateElement("totTrib"), "indTotTrib", "0")

	addText(el, "vLiq", money(v.Net))
}

func addText(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(value)
	return el
}

func addOptional(parent *etree.Element, tag, value string) {
	if value != "" {
		addText(parent, tag, value)
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func trimZeros(s string) string {
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
