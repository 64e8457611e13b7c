package xsd

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"3tcapital/ms_nfse_emissor/internal/core/validation"
)

// maxDepth bounds element nesting accepted by ValidateStructure.
const maxDepth = 64

var numberPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// Validator checks XML documents against the embedded rule catalog.
// It is safe for concurrent use.
type Validator struct {
	schemas map[string]*compiledSchema
	log     *slog.Logger
	now     func() time.Time
}

// NewValidator loads the embedded catalog.
func NewValidator(log *slog.Logger) (*Validator, error) {
	catalog, err := loadCatalog()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: catalog, log: log, now: time.Now}, nil
}

// Schemas lists the known schema names in lexical order.
func (v *Validator) Schemas() []string {
	names := make([]string, 0, len(v.schemas))
	for name := range v.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateStructure checks well-formedness and reports the document shape.
// Malformed input yields a report with WellFormed=false, never an error.
func (v *Validator) ValidateStructure(xml string) validation.StructureReport {
	report := validation.StructureReport{}

	root, err := parse(xml)
	if err != nil {
		report.Errors = append(report.Errors, validation.Issue{Rule: "well_formed", Message: err.Error()})
		return report
	}
	report.WellFormed = true
	report.Root = root.Tag
	report.Namespace = root.NamespaceURI()

	var walk func(el *etree.Element, depth int)
	walk = func(el *etree.Element, depth int) {
		report.ElementCount++
		if depth > report.MaxDepth {
			report.MaxDepth = depth
		}
		if el.Tag == "Signature" {
			report.HasSignature = true
		}
		if report.IDAttribute == "" {
			if a := el.SelectAttr("Id"); a != nil {
				report.IDAttribute = a.Value
			}
		}
		for _, c := range el.ChildElements() {
			walk(c, depth+1)
		}
	}
	walk(root, 1)

	if report.MaxDepth > maxDepth {
		report.Errors = append(report.Errors, validation.Issue{
			Rule:    "depth_limit",
			Message: fmt.Sprintf("document nests %d levels, limit is %d", report.MaxDepth, maxDepth),
		})
	}
	if report.Namespace == "" {
		report.Warnings = append(report.Warnings, validation.Issue{
			Path:    root.Tag,
			Rule:    "namespace",
			Message: "root element declares no namespace",
		})
	}
	if report.IDAttribute == "" {
		report.Warnings = append(report.Warnings, validation.Issue{
			Path:    root.Tag,
			Rule:    "id_attribute",
			Message: "no element carries an Id attribute to sign",
		})
	}
	return report
}

// ValidateAgainstSchema validates xml against the named schema. Unknown
// schemas and malformed documents produce an invalid report.
func (v *Validator) ValidateAgainstSchema(xml, schemaName string) *validation.Report {
	started := v.now()
	report := &validation.Report{
		Schema:   schemaName,
		Valid:    true,
		Errors:   []validation.Issue{},
		Warnings: []validation.Issue{},
		Coverage: validation.Coverage{Sections: map[string]validation.SectionCoverage{}},
	}
	defer func() {
		report.Performance = validation.Performance{
			Elapsed:      v.now().Sub(started),
			PayloadBytes: len(xml),
		}
	}()

	schema, ok := v.schemas[schemaName]
	if !ok {
		report.AddError("", "unknown_schema", fmt.Sprintf("unknown schema %q; known schemas: %s", schemaName, strings.Join(v.Schemas(), ", ")))
		return report
	}

	root, err := parse(xml)
	if err != nil {
		report.AddError("", "well_formed", err.Error())
		report.Coverage = emptyCoverage(schema)
		return report
	}

	if schema.Root != anyRoot && root.Tag != schema.Root {
		report.AddError(root.Tag, "root_element", fmt.Sprintf("expected root element %s, got %s", schema.Root, root.Tag))
	}
	if schema.Namespace != "" && root.NamespaceURI() != schema.Namespace {
		report.AddError(root.Tag, "namespace", fmt.Sprintf("expected namespace %s, got %q", schema.Namespace, root.NamespaceURI()))
	}

	cov := newCoverageCounter()
	for i := range schema.rules {
		checkRule(root, &schema.rules[i], report, cov)
	}
	for _, c := range schema.Choices {
		checkChoice(root, c, report, cov)
	}
	for _, name := range schema.Assertions {
		assertions[name](root, report)
	}

	report.Coverage = cov.result()

	v.log.Debug("schema validation finished",
		"schema", schemaName,
		"valid", report.Valid,
		"errors", len(report.Errors),
		"warnings", len(report.Warnings),
		"coverage", report.Coverage.Percentage,
	)
	return report
}

// ComprehensiveReport runs the structure check and every named schema. With
// no names, schemas are picked from the root element and the presence of a
// signature.
func (v *Validator) ComprehensiveReport(xml string, schemaNames ...string) validation.ComprehensiveReport {
	structure := v.ValidateStructure(xml)
	if len(schemaNames) == 0 {
		schemaNames = inferSchemas(structure)
	}

	out := validation.ComprehensiveReport{
		Structure:   structure,
		Reports:     make([]validation.Report, 0, len(schemaNames)),
		Valid:       structure.Valid(),
		GeneratedAt: v.now(),
	}
	out.TotalErrors = len(structure.Errors)
	out.TotalWarnings = len(structure.Warnings)

	sum := decimal.Zero
	for _, name := range schemaNames {
		r := v.ValidateAgainstSchema(xml, name)
		out.Reports = append(out.Reports, *r)
		out.TotalErrors += len(r.Errors)
		out.TotalWarnings += len(r.Warnings)
		if !r.Valid {
			out.Valid = false
		}
		sum = sum.Add(decimal.NewFromFloat(r.Coverage.Percentage))
	}
	if len(out.Reports) > 0 {
		out.Compliance = sum.Div(decimal.NewFromInt(int64(len(out.Reports)))).Round(1).InexactFloat64()
	}
	out.Recommendations = recommendations(structure, out.Reports)
	return out
}

func inferSchemas(s validation.StructureReport) []string {
	var names []string
	switch s.Root {
	case "DPS":
		names = append(names, validation.SchemaDPS)
	case "pedRegEvento":
		names = append(names, validation.SchemaEvent)
	}
	if s.HasSignature {
		names = append(names, validation.SchemaSignature)
	}
	return names
}

func parse(xml string) (*etree.Element, error) {
	if strings.TrimSpace(xml) == "" {
		return nil, fmt.Errorf("document is empty")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("malformed xml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("document has no root element")
	}
	return root, nil
}

func checkRule(root *etree.Element, r *compiledRule, report *validation.Report, cov *coverageCounter) {
	nodes := resolve(root, r.Path)
	present := false
	for _, n := range nodes {
		if n.present() {
			present = true
			break
		}
	}

	required := r.Required || (r.RequiredIf != "" && exists(root, r.RequiredIf))
	if required {
		cov.count(r.Section, r.Path, present)
	}

	if !present {
		switch {
		case required && len(nodes) > 0:
			report.AddError(r.Path, "required", "mandatory field is empty")
		case required:
			report.AddError(r.Path, "required", "mandatory field is missing")
		case r.Recommended:
			report.AddWarning(r.Path, "recommended", "recommended field is missing")
		}
		return
	}

	for _, n := range nodes {
		if !n.leaf {
			continue
		}
		checkValue(r, n.value, report)
	}
}

func checkValue(r *compiledRule, value string, report *validation.Report) {
	if r.re != nil && !r.re.MatchString(value) {
		report.AddError(r.Path, "pattern", fmt.Sprintf("value %q does not match %s", value, r.Pattern))
	}

	length := utf8.RuneCountInString(value)
	if r.MinLength > 0 && length < r.MinLength {
		report.AddError(r.Path, "min_length", fmt.Sprintf("value has %d characters, minimum is %d", length, r.MinLength))
	}
	if r.MaxLength > 0 && length > r.MaxLength {
		report.AddError(r.Path, "max_length", fmt.Sprintf("value has %d characters, maximum is %d", length, r.MaxLength))
	}

	if len(r.Enum) > 0 && !slices.Contains(r.Enum, value) {
		report.AddError(r.Path, "enumeration", fmt.Sprintf("value %q is not one of %s", value, strings.Join(r.Enum, ", ")))
	}

	if r.Decimal != nil {
		checkDecimal(r, value, report)
	}
}

func checkDecimal(r *compiledRule, value string, report *validation.Report) {
	if !numberPattern.MatchString(value) {
		report.AddError(r.Path, "decimal", fmt.Sprintf("value %q is not a plain decimal number", value))
		return
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		report.AddError(r.Path, "decimal", fmt.Sprintf("value %q is not a decimal: %v", value, err))
		return
	}

	intPart, fracPart, _ := strings.Cut(strings.TrimPrefix(value, "-"), ".")
	if r.Decimal.Integer > 0 && len(strings.TrimLeft(intPart, "0")) > r.Decimal.Integer {
		report.AddError(r.Path, "decimal", fmt.Sprintf("value %q exceeds %d integer digits", value, r.Decimal.Integer))
	}
	if len(fracPart) > r.Decimal.Fraction {
		report.AddError(r.Path, "decimal", fmt.Sprintf("value %q exceeds %d decimal places", value, r.Decimal.Fraction))
	}
	if r.min != nil && d.LessThan(*r.min) {
		report.AddError(r.Path, "decimal", fmt.Sprintf("value %s is below minimum %s", value, r.min.String()))
	}
	if r.max != nil && d.GreaterThan(*r.max) {
		report.AddError(r.Path, "decimal", fmt.Sprintf("value %s is above maximum %s", value, r.max.String()))
	}
}

func checkChoice(root *etree.Element, c Choice, report *validation.Report, cov *coverageCounter) {
	var found []string
	for _, p := range c.Paths {
		if exists(root, p) {
			found = append(found, p)
		}
	}
	label := strings.Join(c.Paths, " | ")

	if c.Required {
		cov.count(c.Section, label, len(found) == 1)
	}
	switch {
	case len(found) > 1:
		report.AddError(label, "choice", fmt.Sprintf("only one of %s may be present, found %s", label, strings.Join(found, ", ")))
	case len(found) == 0 && c.Required:
		report.AddError(label, "choice", fmt.Sprintf("one of %s is required", label))
	}
}

func emptyCoverage(schema *compiledSchema) validation.Coverage {
	cov := newCoverageCounter()
	for _, r := range schema.rules {
		if r.Required {
			cov.count(r.Section, r.Path, false)
		}
	}
	for _, c := range schema.Choices {
		if c.Required {
			cov.count(c.Section, strings.Join(c.Paths, " | "), false)
		}
	}
	return cov.result()
}
