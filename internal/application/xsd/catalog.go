package xsd

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.yaml
var schemaFS embed.FS

// anyRoot matches documents with any root element.
const anyRoot = "*"

// Schema is one entry of the rule catalog.
type Schema struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Root        string   `yaml:"root"`
	Namespace   string   `yaml:"namespace"`
	IDAttribute string   `yaml:"id_attribute"`
	Assertions  []string `yaml:"assertions"`
	Rules       []Rule   `yaml:"rules"`
	Choices     []Choice `yaml:"choices"`
}

// Rule constrains the element or attribute at Path. Paths are relative to the
// root element, with an optional trailing "@attribute" component.
type Rule struct {
	Path        string       `yaml:"path"`
	Section     string       `yaml:"section"`
	Required    bool         `yaml:"required"`
	RequiredIf  string       `yaml:"required_if"`
	Recommended bool         `yaml:"recommended"`
	Pattern     string       `yaml:"pattern"`
	MinLength   int          `yaml:"min_length"`
	MaxLength   int          `yaml:"max_length"`
	Enum        []string     `yaml:"enum"`
	Decimal     *DecimalRule `yaml:"decimal"`
}

// DecimalRule describes a TSDec-style number.
type DecimalRule struct {
	Integer  int    `yaml:"integer"`
	Fraction int    `yaml:"fraction"`
	Min      string `yaml:"min"`
	Max      string `yaml:"max"`
}

// Choice requires at most one (exactly one when Required) of Paths.
type Choice struct {
	Section  string   `yaml:"section"`
	Required bool     `yaml:"required"`
	Paths    []string `yaml:"paths"`
}

type compiledRule struct {
	Rule
	re       *regexp.Regexp
	min, max *decimal.Decimal
}

type compiledSchema struct {
	Schema
	rules []compiledRule
}

// loadCatalog reads every embedded schema file.
func loadCatalog() (map[string]*compiledSchema, error) {
	return loadCatalogFS(schemaFS, "schemas")
}

func loadCatalogFS(fsys fs.FS, dir string) (map[string]*compiledSchema, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read schema catalog: %w", err)
	}

	catalog := make(map[string]*compiledSchema, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}

		var s Schema
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", entry.Name(), err)
		}

		compiled, err := compile(s)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", entry.Name(), err)
		}
		if _, dup := catalog[s.Name]; dup {
			return nil, fmt.Errorf("schema %s declared twice", s.Name)
		}
		catalog[s.Name] = compiled
	}

	if len(catalog) == 0 {
		return nil, errors.New("schema catalog is empty")
	}
	return catalog, nil
}

func compile(s Schema) (*compiledSchema, error) {
	if s.Name == "" || s.Root == "" {
		return nil, errors.New("name and root are required")
	}
	for _, a := range s.Assertions {
		if _, ok := assertions[a]; !ok {
			return nil, fmt.Errorf("unknown assertion %q", a)
		}
	}

	cs := &compiledSchema{Schema: s, rules: make([]compiledRule, 0, len(s.Rules))}
	for _, r := range s.Rules {
		if r.Path == "" {
			return nil, errors.New("rule without path")
		}
		if r.Section == "" {
			return nil, fmt.Errorf("rule %s: section is required", r.Path)
		}
		cr := compiledRule{Rule: r}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.Path, err)
			}
			cr.re = re
		}
		if r.Decimal != nil {
			if r.Decimal.Min != "" {
				d, err := decimal.NewFromString(r.Decimal.Min)
				if err != nil {
					return nil, fmt.Errorf("rule %s: min: %w", r.Path, err)
				}
				cr.min = &d
			}
			if r.Decimal.Max != "" {
				d, err := decimal.NewFromString(r.Decimal.Max)
				if err != nil {
					return nil, fmt.Errorf("rule %s: max: %w", r.Path, err)
				}
				cr.max = &d
			}
		}
		cs.rules = append(cs.rules, cr)
	}

	for _, c := range s.Choices {
		if len(c.Paths) < 2 {
			return nil, fmt.Errorf("choice in section %s needs at least two paths", c.Section)
		}
	}
	return cs, nil
}
