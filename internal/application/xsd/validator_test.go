package xsd

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/shopspring/decimal"

	appdps "3tcapital/ms_nfse_emissor/internal/application/dps"
	"3tcapital/ms_nfse_emissor/internal/core/order"
	"3tcapital/ms_nfse_emissor/internal/core/settings"
	"3tcapital/ms_nfse_emissor/internal/core/validation"
	"3tcapital/ms_nfse_emissor/internal/testutil"
)

const validDPS = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<DPS xmlns="http://www.sped.fazenda.gov.br/nfse" versao="1.00">` +
	`<infDPS Id="DPS355030821122233300018100001000000000000042">` +
	`<tpAmb>2</tpAmb><dhEmi>2025-03-10T14:30:00-03:00</dhEmi><verAplic>emissor-1.0</verAplic>` +
	`<serie>1</serie><nDPS>42</nDPS><dCompet>2025-03-10</dCompet><tpEmit>1</tpEmit><cLocEmi>3550308</cLocEmi>` +
	`<prest><CNPJ>11222333000181</CNPJ><IM>123456</IM><regTrib><opSimpNac>1</opSimpNac><regEspTrib>0</regEspTrib></regTrib></prest>` +
	`<toma><CPF>52998224725</CPF><xNome>Maria da Silva</xNome><email>maria@example.com</email></toma>` +
	`<serv><locPrest><cLocPrestacao>3550308</cLocPrestacao></locPrest>` +
	`<cServ><cTribNac>010101</cTribNac><xDescServ>Consultoria</xDescServ><cNBS>115011000</cNBS></cServ></serv>` +
	`<valores><vServPrest><vServ>1000.00</vServ></vServPrest>` +
	`<trib><tribMun><tribISSQN>1</tribISSQN><pAliq>5.00</pAliq><vBC>1000.00</vBC><vISSQN>50.00</vISSQN><tpRetISSQN>1</tpRetISSQN></tribMun>` +
	`<totTrib><indTotTrib>0</indTotTrib></totTrib></trib><vLiq>950.00</vLiq></valores>` +
	`</infDPS></DPS>`

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(testutil.NewNullLogger())
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return v
}

func hasRule(issues []validation.Issue, path, rule string) bool {
	for _, i := range issues {
		if i.Path == path && i.Rule == rule {
			return true
		}
	}
	return false
}

func TestValidator_Schemas(t *testing.T) {
	v := newTestValidator(t)
	got := strings.Join(v.Schemas(), ",")
	want := "DPS_v1.00,pedRegEvento_v1.00,xmldsig-core"
	if got != want {
		t.Errorf("expected schemas %s, got %s", want, got)
	}
}

func TestValidator_ValidateAgainstSchema_Valid(t *testing.T) {
	v := newTestValidator(t)

	report := v.ValidateAgainstSchema(validDPS, validation.SchemaDPS)
	if !report.Valid {
		t.Fatalf("expected valid report, got errors %v", report.Errors)
	}
	if len(report.Errors) != 0 || len(report.Warnings) != 0 {
		t.Errorf("expected no issues, got %v / %v", report.Errors, report.Warnings)
	}
	if report.Coverage.Percentage != 100 {
		t.Errorf("expected full coverage, got %.1f (missing %v)", report.Coverage.Percentage, report.Coverage.Missing)
	}
	for _, section := range []string{
		validation.SectionIdentification,
		validation.SectionIssuer,
		validation.SectionPayer,
		validation.SectionService,
		validation.SectionValues,
	} {
		if s, ok := report.Coverage.Sections[section]; !ok || s.Percentage != 100 {
			t.Errorf("expected section %s at 100%%, got %+v", section, s)
		}
	}
	if report.Performance.PayloadBytes != len(validDPS) {
		t.Errorf("expected payload %d bytes, got %d", len(validDPS), report.Performance.PayloadBytes)
	}
}

func TestValidator_ValidateAgainstSchema_Errors(t *testing.T) {
	tests := []struct {
		name     string
		xml      string
		wantPath string
		wantRule string
	}{
		{
			name:     "missing mandatory field",
			xml:      strings.Replace(validDPS, "<cTribNac>010101</cTribNac>", "", 1),
			wantPath: "infDPS/serv/cServ/cTribNac",
			wantRule: "required",
		},
		{
			name:     "empty mandatory field",
			xml:      strings.Replace(validDPS, "<xNome>Maria da Silva</xNome>", "<xNome> </xNome>", 1),
			wantPath: "infDPS/toma/xNome",
			wantRule: "required",
		},
		{
			name:     "bad identifier",
			xml:      strings.Replace(validDPS, `Id="DPS3550308`, `Id="DPX3550308`, 1),
			wantPath: "infDPS/@Id",
			wantRule: "pattern",
		},
		{
			name:     "environment out of enumeration",
			xml:      strings.Replace(validDPS, "<tpAmb>2</tpAmb>", "<tpAmb>3</tpAmb>", 1),
			wantPath: "infDPS/tpAmb",
			wantRule: "enumeration",
		},
		{
			name:     "too many decimal places",
			xml:      strings.Replace(validDPS, "<vLiq>950.00</vLiq>", "<vLiq>950.000</vLiq>", 1),
			wantPath: "infDPS/valores/vLiq",
			wantRule: "decimal",
		},
		{
			name:     "inconsistent ISS",
			xml:      strings.Replace(validDPS, "<vISSQN>50.00</vISSQN>", "<vISSQN>49.00</vISSQN>", 1),
			wantPath: "infDPS/valores/trib/tribMun/vISSQN",
			wantRule: "values_consistency",
		},
		{
			name:     "both payer documents",
			xml:      strings.Replace(validDPS, "<CPF>52998224725</CPF>", "<CPF>52998224725</CPF><CNPJ>11444777000161</CNPJ>", 1),
			wantPath: "infDPS/toma/CPF | infDPS/toma/CNPJ",
			wantRule: "choice",
		},
		{
			name:     "business payer without address",
			xml:      strings.Replace(validDPS, "<CPF>52998224725</CPF>", "<CNPJ>11444777000161</CNPJ>", 1),
			wantPath: "infDPS/toma/end",
			wantRule: "required",
		},
		{
			name:     "wrong namespace",
			xml:      strings.Replace(validDPS, "http://www.sped.fazenda.gov.br/nfse", "urn:other", 1),
			wantPath: "DPS",
			wantRule: "namespace",
		},
	}

	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := v.ValidateAgainstSchema(tt.xml, validation.SchemaDPS)
			if report.Valid {
				t.Fatal("expected invalid report")
			}
			if !hasRule(report.Errors, tt.wantPath, tt.wantRule) {
				t.Errorf("expected %s error at %s, got %v", tt.wantRule, tt.wantPath, report.Errors)
			}
		})
	}
}

func TestValidator_ValidateAgainstSchema_CoverageDrops(t *testing.T) {
	v := newTestValidator(t)
	xml := strings.Replace(validDPS, "<cLocEmi>3550308</cLocEmi>", "", 1)

	report := v.ValidateAgainstSchema(xml, validation.SchemaDPS)
	ident := report.Coverage.Sections[validation.SectionIdentification]
	if ident.Implemented != ident.Total-1 {
		t.Errorf("expected one missing identification field, got %+v", ident)
	}
	if report.Coverage.Percentage >= 100 {
		t.Errorf("expected coverage below 100, got %.1f", report.Coverage.Percentage)
	}
	if len(report.Coverage.Missing) != 1 || report.Coverage.Missing[0] != "infDPS/cLocEmi" {
		t.Errorf("expected missing cLocEmi, got %v", report.Coverage.Missing)
	}
}

func TestValidator_ValidateAgainstSchema_Warnings(t *testing.T) {
	v := newTestValidator(t)
	xml := strings.Replace(validDPS, "<cNBS>115011000</cNBS>", "", 1)

	report := v.ValidateAgainstSchema(xml, validation.SchemaDPS)
	if !report.Valid {
		t.Fatalf("recommended fields must not invalidate, got %v", report.Errors)
	}
	if !hasRule(report.Warnings, "infDPS/serv/cServ/cNBS", "recommended") {
		t.Errorf("expected recommended warning for cNBS, got %v", report.Warnings)
	}
}

func TestValidator_ValidateAgainstSchema_Malformed(t *testing.T) {
	v := newTestValidator(t)

	for _, xml := range []string{"", "<DPS><infDPS", "plain text"} {
		report := v.ValidateAgainstSchema(xml, validation.SchemaDPS)
		if report.Valid {
			t.Errorf("%q: expected invalid report", xml)
		}
		if !hasRule(report.Errors, "", "well_formed") {
			t.Errorf("%q: expected well_formed error, got %v", xml, report.Errors)
		}
		if report.Coverage.Percentage != 0 || report.Coverage.Total == 0 {
			t.Errorf("%q: expected zero coverage over the mandatory set, got %+v", xml, report.Coverage)
		}
	}
}

func TestValidator_ValidateAgainstSchema_UnknownSchema(t *testing.T) {
	v := newTestValidator(t)
	report := v.ValidateAgainstSchema(validDPS, "NFe_v4.00")
	if report.Valid || len(report.Errors) != 1 || report.Errors[0].Rule != "unknown_schema" {
		t.Errorf("expected single unknown_schema error, got %+v", report.Errors)
	}
}

func TestValidator_ValidateStructure(t *testing.T) {
	v := newTestValidator(t)

	s := v.ValidateStructure(validDPS)
	if !s.Valid() {
		t.Fatalf("expected valid structure, got %v", s.Errors)
	}
	if s.Root != "DPS" || s.Namespace != "http://www.sped.fazenda.gov.br/nfse" {
		t.Errorf("unexpected root %s / namespace %s", s.Root, s.Namespace)
	}
	if s.IDAttribute != "DPS355030821122233300018100001000000000000042" {
		t.Errorf("unexpected Id %s", s.IDAttribute)
	}
	if s.MaxDepth != 6 {
		t.Errorf("expected depth 6, got %d", s.MaxDepth)
	}
	if s.HasSignature {
		t.Error("unsigned document reported as signed")
	}

	bad := v.ValidateStructure("<DPS><infDPS></DPS")
	if bad.WellFormed || bad.Valid() {
		t.Error("expected malformed structure")
	}
}

func TestValidator_ComprehensiveReport(t *testing.T) {
	v := newTestValidator(t)
	v.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }

	ok := v.ComprehensiveReport(validDPS)
	if !ok.Valid || ok.Compliance != 100 {
		t.Errorf("expected compliant report, got valid=%v compliance=%.1f", ok.Valid, ok.Compliance)
	}
	if len(ok.Reports) != 1 || ok.Reports[0].Schema != validation.SchemaDPS {
		t.Fatalf("expected DPS schema to be inferred, got %d reports", len(ok.Reports))
	}
	if len(ok.Recommendations) != 1 || !strings.Contains(ok.Recommendations[0], "compliant") {
		t.Errorf("unexpected recommendations %v", ok.Recommendations)
	}

	broken := strings.Replace(validDPS, "<cLocEmi>3550308</cLocEmi>", "", 1)
	broken = strings.Replace(broken, "<cNBS>115011000</cNBS>", "", 1)
	bad := v.ComprehensiveReport(broken, validation.SchemaDPS)
	if bad.Valid {
		t.Fatal("expected invalid report")
	}
	if bad.TotalErrors != 1 || bad.TotalWarnings != 1 {
		t.Errorf("expected 1 error and 1 warning, got %d / %d", bad.TotalErrors, bad.TotalWarnings)
	}
	if len(bad.Recommendations) != 3 {
		t.Fatalf("expected 3 recommendations, got %v", bad.Recommendations)
	}
	if !strings.HasPrefix(bad.Recommendations[0], "Fix ") ||
		!strings.HasPrefix(bad.Recommendations[1], "Complete the identification section") ||
		!strings.HasPrefix(bad.Recommendations[2], "Consider") {
		t.Errorf("recommendations out of order: %v", bad.Recommendations)
	}
}

func TestValidator_CancellationEvent(t *testing.T) {
	v := newTestValidator(t)
	xml, err := appdps.BuildCancellationEvent(appdps.CancellationRequest{
		AccessKey:   "35503082211222333000181000000000000042250312345678",
		AuthorCNPJ:  "11222333000181",
		Environment: "2",
		Reason:      "Serviço não prestado ao cliente",
		At:          time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}

	report := v.ValidateAgainstSchema(xml, validation.SchemaEvent)
	if !report.Valid {
		t.Errorf("expected valid event, got %v", report.Errors)
	}
}

type fixedProvider struct{ s settings.Settings }

func (p fixedProvider) Settings() settings.Settings { return p.s }

// A generated DPS for R$1000.00 at 5% must validate cleanly.
func TestValidator_GeneratedDocument(t *testing.T) {
	v := newTestValidator(t)
	cfg := settings.Settings{
		Environment: settings.EnvironmentHomologation,
		Issuer: settings.Issuer{
			CNPJ:                  "11222333000181",
			MunicipalRegistration: "123456",
			Name:                  "Loja Exemplo Ltda",
			MunicipalityCode:      "3550308",
			Series:                "1",
			SimplesNacional:       1,
		},
		Tax: settings.Tax{ISSRate: decimal.NewFromInt(5), ServiceCode: "010101", NBSCode: "115011000"},
	}
	g := appdps.NewGenerator(fixedProvider{cfg}, v, testutil.NewNullLogger())

	snapshot := &order.Snapshot{
		ID:       1,
		Subtotal: decimal.RequireFromString("1000.00"),
		Total:    decimal.RequireFromString("1000.00"),
		Customer: order.Customer{Name: "Maria da Silva", Document: "52998224725", Email: "maria@example.com"},
		Items: []order.LineItem{
			{Name: "Consultoria", Quantity: decimal.NewFromInt(1), Subtotal: decimal.RequireFromString("1000.00"), Total: decimal.RequireFromString("1000.00")},
		},
	}

	doc, report, err := g.Generate(snapshot, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !report.Valid || len(report.Errors) != 0 {
		t.Fatalf("expected valid=true with 0 errors, got %v", report.Errors)
	}
	if doc.Values.TaxBase.StringFixed(2) != "1000.00" || doc.Values.ISS.StringFixed(2) != "50.00" || doc.Values.Net.StringFixed(2) != "950.00" {
		t.Errorf("unexpected values %+v", doc.Values)
	}
}

func TestLoadCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "name: x\nroot: y\nrulez: []\n"},
		{"bad pattern", "name: x\nroot: y\nrules:\n  - path: a\n    section: s\n    pattern: '['\n"},
		{"unknown assertion", "name: x\nroot: y\nassertions: [nope]\n"},
		{"rule without section", "name: x\nroot: y\nrules:\n  - path: a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{"schemas/x.yaml": &fstest.MapFile{Data: []byte(tt.yaml)}}
			if _, err := loadCatalogFS(fsys, "schemas"); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
