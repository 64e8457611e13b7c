package xsd

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"3tcapital/ms_nfse_emissor/internal/core/validation"
)

type coverageCounter struct {
	total       int
	implemented int
	sections    map[string]*validation.SectionCoverage
	missing     []string
}

func newCoverageCounter() *coverageCounter {
	return &coverageCounter{sections: make(map[string]*validation.SectionCoverage)}
}

func (c *coverageCounter) count(section, path string, present bool) {
	s, ok := c.sections[section]
	if !ok {
		s = &validation.SectionCoverage{}
		c.sections[section] = s
	}
	c.total++
	s.Total++
	if present {
		c.implemented++
		s.Implemented++
		return
	}
	c.missing = append(c.missing, path)
}

func (c *coverageCounter) result() validation.Coverage {
	out := validation.Coverage{
		Total:       c.total,
		Implemented: c.implemented,
		Percentage:  percentage(c.implemented, c.total),
		Sections:    make(map[string]validation.SectionCoverage, len(c.sections)),
		Missing:     c.missing,
	}
	for name, s := range c.sections {
		s.Percentage = percentage(s.Implemented, s.Total)
		out.Sections[name] = *s
	}
	return out
}

// percentage returns implemented/total*100 rounded to one decimal place.
// A schema with no mandatory fields is fully covered.
func percentage(implemented, total int) float64 {
	if total == 0 {
		return 100
	}
	return decimal.NewFromInt(int64(implemented)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(1).
		InexactFloat64()
}

// recommendations orders operator hints: errors first, then sections with
// missing mandatory fields, then warnings.
func recommendations(structure validation.StructureReport, reports []validation.Report) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, e := range structure.Errors {
		add("Fix document structure: " + e.String())
	}
	for _, r := range reports {
		for _, e := range r.Errors {
			add(fmt.Sprintf("Fix %s: %s", r.Schema, e.String()))
		}
	}

	for _, r := range reports {
		names := make([]string, 0, len(r.Coverage.Sections))
		for name := range r.Coverage.Sections {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := r.Coverage.Sections[name]
			if s.Implemented < s.Total {
				add(fmt.Sprintf("Complete the %s section of %s: %d of %d mandatory fields present (%.1f%%)",
					name, r.Schema, s.Implemented, s.Total, s.Percentage))
			}
		}
	}

	for _, w := range structure.Warnings {
		add("Consider: " + w.String())
	}
	for _, r := range reports {
		for _, w := range r.Warnings {
			add(fmt.Sprintf("Consider (%s): %s", r.Schema, w.String()))
		}
	}

	if len(out) == 0 {
		add("Document is compliant; no action required")
	}
	return out
}
