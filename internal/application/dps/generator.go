package dps

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	coredps "3tcapital/ms_nfse_emissor/internal/core/dps"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
	"3tcapital/ms_nfse_emissor/internal/core/order"
	"3tcapital/ms_nfse_emissor/internal/core/settings"
	"3tcapital/ms_nfse_emissor/internal/core/validation"
)

// Field limits of the national layout.
const (
	maxNameLength        = 300
	maxDescriptionLength = 2000
	maxStreetLength      = 255
	maxDistrictLength    = 60
	maxComplementLength  = 156
	maxEmailLength       = 80
)

// SchemaValidator validates generated XML.
type SchemaValidator interface {
	ValidateAgainstSchema(xml, schemaName string) *validation.Report
}

// Generator builds DPS documents from order snapshots. It is a pure
// transformation: it never persists or submits anything.
type Generator struct {
	settings  settings.Provider
	validator SchemaValidator
	log       *slog.Logger
	loc       *time.Location
	now       func() time.Time
}

// NewGenerator wires a generator. Timestamps are rendered in Brasília time.
func NewGenerator(provider settings.Provider, validator SchemaValidator, log *slog.Logger) *Generator {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.FixedZone("BRT", -3*60*60)
	}
	return &Generator{
		settings:  provider,
		validator: validator,
		log:       log,
		loc:       loc,
		now:       time.Now,
	}
}

// Generate builds the DPS for snapshot using the sequential number allocated
// for this attempt, and returns it with the schema report of its XML.
// Input problems fail with *nfse.GenerationError; declared totals that do not
// add up are reported as errors in the report, never corrected.
func (g *Generator) Generate(snapshot *order.Snapshot, number int64) (*coredps.Document, *validation.Report, error) {
	if snapshot == nil {
		return nil, nil, &nfse.GenerationError{Field: "order", Message: "order snapshot is required"}
	}
	cfg := g.settings.Settings()

	issuer, err := buildIssuer(cfg.Issuer)
	if err != nil {
		return nil, nil, err
	}

	id, err := coredps.NewIdentifier(cfg.Issuer.MunicipalityCode, coredps.InscriptionCNPJ, issuer.CNPJ, cfg.Issuer.Series, number)
	if err != nil {
		return nil, nil, &nfse.GenerationError{Field: "identifier", Message: err.Error()}
	}

	payer, err := buildPayer(snapshot.Customer)
	if err != nil {
		return nil, nil, err
	}

	service, err := buildService(cfg, snapshot)
	if err != nil {
		return nil, nil, err
	}

	values, err := buildValues(cfg, snapshot, payer)
	if err != nil {
		return nil, nil, err
	}

	issuedAt := g.now().In(g.loc).Truncate(time.Second)
	doc := &coredps.Document{
		Identifier:  id,
		Number:      number,
		Environment: cfg.Environment.Code(),
		IssuedAt:    issuedAt,
		Competence:  issuedAt,
		AppVersion:  appVersion(cfg.AppVersion),
		Issuer:      issuer,
		Payer:       payer,
		Service:     service,
		Values:      values,
	}

	xml, err := renderDPS(doc)
	if err != nil {
		return nil, nil, &nfse.GenerationError{Field: "xml", Message: err.Error()}
	}
	doc.XML = xml

	report := g.validator.ValidateAgainstSchema(xml, validation.SchemaDPS)
	checkDeclaredTotals(snapshot, report)

	g.log.Debug("DPS generated",
		"order_id", snapshot.ID,
		"dps_id", doc.ID(),
		"valid", report.Valid,
		"errors", len(report.Errors),
		"warnings", len(report.Warnings),
	)

	return doc, report, nil
}

func buildIssuer(cfg settings.Issuer) (coredps.Issuer, error) {
	cnpj := coredps.OnlyDigits(cfg.CNPJ)
	if !coredps.ValidCNPJ(cnpj) {
		return coredps.Issuer{}, &nfse.GenerationError{Field: "issuer.cnpj", Message: "issuer CNPJ is missing or has invalid check digits"}
	}
	name := normalizeText(cfg.Name, maxNameLength)
	if name == "" {
		return coredps.Issuer{}, &nfse.GenerationError{Field: "issuer.name", Message: "issuer name is required"}
	}
	if cfg.SimplesNacional < 1 || cfg.SimplesNacional > 3 {
		return coredps.Issuer{}, &nfse.GenerationError{Field: "issuer.simples_nacional", Message: "simples nacional option must be 1, 2 or 3"}
	}

	return coredps.Issuer{
		CNPJ:                  cnpj,
		MunicipalRegistration: coredps.OnlyDigits(cfg.MunicipalRegistration),
		Name:                  name,
		Phone:                 coredps.OnlyDigits(cfg.Phone),
		Email:                 strings.TrimSpace(cfg.Email),
		SimplesNacional:       cfg.SimplesNacional,
		SpecialRegime:         cfg.SpecialRegime,
	}, nil
}

func buildPayer(c order.Customer) (coredps.Payer, error) {
	kind, doc, err := coredps.ClassifyDocument(c.Document)
	if err != nil {
		return coredps.Payer{}, &nfse.GenerationError{Field: "payer.document", Message: err.Error()}
	}

	name := c.Name
	if kind == coredps.PayerBusiness && strings.TrimSpace(c.Company) != "" {
		name = c.Company
	}

	payer := coredps.Payer{
		Kind:             kind,
		Document:         doc,
		Name:             normalizeText(name, maxNameLength),
		Email:            strings.TrimSpace(c.Email),
		Phone:            coredps.OnlyDigits(c.Phone),
		Street:           normalizeText(c.Address.Street, maxStreetLength),
		Number:           normalizeText(c.Address.Number, 60),
		Complement:       normalizeText(c.Address.Complement, maxComplementLength),
		District:         normalizeText(c.Address.District, maxDistrictLength),
		MunicipalityCode: coredps.OnlyDigits(c.Address.MunicipalityCode),
		PostalCode:       coredps.OnlyDigits(c.Address.PostalCode),
	}
	if len(payer.Email) > maxEmailLength {
		payer.Email = ""
	}
	if len(payer.Phone) < 6 || len(payer.Phone) > 20 {
		payer.Phone = ""
	}

	if payer.Name == "" {
		return coredps.Payer{}, &nfse.GenerationError{Field: "payer.name", Message: "payer name is required"}
	}

	if kind == coredps.PayerBusiness {
		missing := missingAddressFields(payer)
		if len(missing) > 0 {
			return coredps.Payer{}, &nfse.GenerationError{
				Field:   "payer.address",
				Message: "business payers require " + strings.Join(missing, ", "),
			}
		}
	}

	if payer.MunicipalityCode != "" && len(payer.MunicipalityCode) != 7 {
		return coredps.Payer{}, &nfse.GenerationError{Field: "payer.address.municipality", Message: "IBGE municipality code must have 7 digits"}
	}
	if payer.PostalCode != "" && len(payer.PostalCode) != 8 {
		return coredps.Payer{}, &nfse.GenerationError{Field: "payer.address.postal_code", Message: "CEP must have 8 digits"}
	}

	return payer, nil
}

func missingAddressFields(p coredps.Payer) []string {
	var missing []string
	if p.Street == "" {
		missing = append(missing, "street")
	}
	if p.Number == "" {
		missing = append(missing, "number")
	}
	if p.District == "" {
		missing = append(missing, "district")
	}
	if p.MunicipalityCode == "" {
		missing = append(missing, "municipality code")
	}
	if p.PostalCode == "" {
		missing = append(missing, "postal code")
	}
	return missing
}

func buildService(cfg settings.Settings, snapshot *order.Snapshot) (coredps.Service, error) {
	if len(snapshot.Items) == 0 {
		return coredps.Service{}, &nfse.GenerationError{Field: "items", Message: "order has no line items"}
	}

	code, err := singleCode(snapshot.Items, func(i order.LineItem) string { return i.ServiceCode }, cfg.Tax.ServiceCode)
	if err != nil {
		return coredps.Service{}, &nfse.GenerationError{Field: "service.code", Message: err.Error()}
	}
	if len(code) != 6 {
		return coredps.Service{}, &nfse.GenerationError{Field: "service.code", Message: "national service code (cTribNac) must have 6 digits"}
	}

	nbs, err := singleCode(snapshot.Items, func(i order.LineItem) string { return i.NBSCode }, cfg.Tax.NBSCode)
	if err != nil {
		return coredps.Service{}, &nfse.GenerationError{Field: "service.nbs", Message: err.Error()}
	}

	municipality := cfg.Tax.ServiceMunicipalityCode
	if municipality == "" {
		municipality = cfg.Issuer.MunicipalityCode
	}

	return coredps.Service{
		MunicipalityCode: municipality,
		Code:             code,
		NBSCode:          nbs,
		Description:      describe(cfg.Tax.ServiceDescription, snapshot),
	}, nil
}

// singleCode returns the one code shared by every item that declares it,
// falling back to the configured default.
func singleCode(items []order.LineItem, get func(order.LineItem) string, fallback string) (string, error) {
	found := ""
	for _, item := range items {
		c := coredps.OnlyDigits(get(item))
		if c == "" {
			continue
		}
		if found != "" && c != found {
			return "", fmt.Errorf("line items declare different codes (%s, %s); emit one DPS per service", found, c)
		}
		found = c
	}
	if found == "" {
		found = coredps.OnlyDigits(fallback)
	}
	return found, nil
}

func describe(template string, snapshot *order.Snapshot) string {
	parts := make([]string, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		if item.Quantity.GreaterThan(decimal.NewFromInt(1)) {
			parts = append(parts, fmt.Sprintf("%s (%sx)", item.Name, item.Quantity.String()))
		} else {
			parts = append(parts, item.Name)
		}
	}

	number := snapshot.Number
	if number == "" {
		number = fmt.Sprintf("%d", snapshot.ID)
	}

	prefix := strings.TrimSpace(template)
	if prefix == "" {
		prefix = "Prestação de serviços"
	}
	return normalizeText(fmt.Sprintf("%s - Pedido #%s: %s", prefix, number, strings.Join(parts, "; ")), maxDescriptionLength)
}

func buildValues(cfg settings.Settings, snapshot *order.Snapshot, payer coredps.Payer) (coredps.Values, error) {
	gross := decimal.Zero
	deductions := decimal.Zero
	for _, item := range snapshot.Items {
		gross = gross.Add(item.Subtotal)
		if cfg.Tax.DeductionsEnabled {
			deductions = deductions.Add(item.Deduction)
		}
	}

	values, err := ComputeValues(ValuesInput{
		Gross:                 gross,
		Deductions:            deductions,
		UnconditionalDiscount: snapshot.DiscountTotal,
		Rate:                  cfg.Tax.ISSRate,
		Withhold:              cfg.Tax.WithholdISS && payer.Kind == coredps.PayerBusiness,
	})
	if err != nil {
		return coredps.Values{}, &nfse.GenerationError{Field: "values", Message: err.Error()}
	}
	return values, nil
}

// checkDeclaredTotals compares the order's declared totals with the sums of
// its lines. Mismatches are validation errors.
func checkDeclaredTotals(snapshot *order.Snapshot, report *validation.Report) {
	itemsSubtotal := decimal.Zero
	for _, item := range snapshot.Items {
		itemsSubtotal = itemsSubtotal.Add(item.Subtotal)
	}

	if !snapshot.Subtotal.Equal(itemsSubtotal) {
		report.AddError("order/subtotal", "declared_total",
			fmt.Sprintf("declared subtotal %s differs from the sum of line items %s", money(snapshot.Subtotal), money(itemsSubtotal)))
	}

	expected := snapshot.Subtotal.Sub(snapshot.DiscountTotal).Add(snapshot.ShippingTotal)
	if !snapshot.Total.Equal(expected) {
		report.AddError("order/total", "declared_total",
			fmt.Sprintf("declared total %s differs from subtotal - discount + shipping = %s", money(snapshot.Total), money(expected)))
	}
}

func appVersion(v string) string {
	if v == "" {
		return "ms_nfse_emissor"
	}
	return normalizeText(v, 20)
}
