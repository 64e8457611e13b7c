package validation

import (
	"fmt"
	"time"
)

// Known schema names.
const (
	SchemaDPS       = "DPS_v1.00"
	SchemaEvent     = "pedRegEvento_v1.00"
	SchemaSignature = "xmldsig-core"
)

// Sections used to group coverage figures.
const (
	SectionIdentification = "identification"
	SectionIssuer         = "issuer"
	SectionPayer          = "payer"
	SectionService        = "service"
	SectionValues         = "values"
	SectionEvent          = "event"
	SectionSignature      = "signature"
	SectionStructure      = "structure"
)

// Issue is a single error or warning found in a document.
type Issue struct {
	Path    string `json:"path"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return fmt.Sprintf("[%s] %s", i.Rule, i.Message)
	}
	return fmt.Sprintf("%s [%s] %s", i.Path, i.Rule, i.Message)
}

// SectionCoverage counts mandatory fields for one section.
type SectionCoverage struct {
	Total       int     `json:"total"`
	Implemented int     `json:"implemented"`
	Percentage  float64 `json:"percentage"`
}

// Coverage counts mandatory fields present against the schema's mandatory set.
type Coverage struct {
	Total       int                        `json:"total"`
	Implemented int                        `json:"implemented"`
	Percentage  float64                    `json:"percentage"`
	Sections    map[string]SectionCoverage `json:"sections"`
	Missing     []string                   `json:"missing,omitempty"`
}

// Performance records how long a validation took and how large the payload was.
type Performance struct {
	Elapsed      time.Duration `json:"elapsedNs"`
	PayloadBytes int           `json:"payloadBytes"`
}

// Report is the result of validating a document against one schema.
// Errors block emission, warnings do not.
type Report struct {
	Schema      string      `json:"schema"`
	Valid       bool        `json:"valid"`
	Errors      []Issue     `json:"errors"`
	Warnings    []Issue     `json:"warnings"`
	Coverage    Coverage    `json:"coverage"`
	Performance Performance `json:"performance"`
}

// AddError appends an error and flips Valid.
func (r *Report) AddError(path, rule, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, Rule: rule, Message: message})
	r.Valid = false
}

// AddWarning appends a warning without touching Valid.
func (r *Report) AddWarning(path, rule, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Rule: rule, Message: message})
}

// Merge folds the issues of other into r.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	for _, e := range other.Errors {
		r.AddError(e.Path, e.Rule, e.Message)
	}
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// StructureReport describes the well-formedness of a document.
type StructureReport struct {
	WellFormed   bool    `json:"wellFormed"`
	Root         string  `json:"root"`
	Namespace    string  `json:"namespace"`
	IDAttribute  string  `json:"idAttribute,omitempty"`
	ElementCount int     `json:"elementCount"`
	MaxDepth     int     `json:"maxDepth"`
	HasSignature bool    `json:"hasSignature"`
	Errors       []Issue `json:"errors"`
	Warnings     []Issue `json:"warnings"`
}

// Valid reports whether the structure check found no errors.
func (s StructureReport) Valid() bool {
	return s.WellFormed && len(s.Errors) == 0
}

// ComprehensiveReport aggregates several schema reports for one document.
type ComprehensiveReport struct {
	Structure       StructureReport `json:"structure"`
	Reports         []Report        `json:"reports"`
	Valid           bool            `json:"valid"`
	Compliance      float64         `json:"compliance"`
	TotalErrors     int             `json:"totalErrors"`
	TotalWarnings   int             `json:"totalWarnings"`
	Recommendations []string        `json:"recommendations"`
	GeneratedAt     time.Time       `json:"generatedAt"`
}
