package settings

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Environment selects the government API environment (tpAmb).
type Environment string

const (
	EnvironmentProduction   Environment = "production"
	EnvironmentHomologation Environment = "homologation"
)

// Code returns the tpAmb value: "1" for production, "2" for homologation.
func (e Environment) Code() string {
	if e == EnvironmentProduction {
		return "1"
	}
	return "2"
}

// EnvironmentFromCode parses a tpAmb value.
func EnvironmentFromCode(code string) (Environment, error) {
	switch code {
	case "1":
		return EnvironmentProduction, nil
	case "2":
		return EnvironmentHomologation, nil
	default:
		return "", fmt.Errorf("unknown environment code %q", code)
	}
}

// Customer type filters for automation.
const (
	CustomerTypeAll        = "all"
	CustomerTypeIndividual = "individual"
	CustomerTypeBusiness   = "business"
)

// Issuer is the prestador identity configured once per merchant.
type Issuer struct {
	CNPJ                  string
	MunicipalRegistration string
	Name                  string
	MunicipalityCode      string
	Series                string
	Phone                 string
	Email                 string
	// SimplesNacional is opSimpNac: 1 not opted, 2 MEI, 3 ME/EPP.
	SimplesNacional int
	// SpecialRegime is regEspTrib, 0 when none.
	SpecialRegime int
}

// Tax holds the municipal tax configuration applied to every DPS.
type Tax struct {
	ISSRate            decimal.Decimal
	ServiceCode        string
	NBSCode            string
	ServiceDescription string
	WithholdISS        bool
	DeductionsEnabled  bool
	// ServiceMunicipalityCode defaults to the issuer municipality when empty.
	ServiceMunicipalityCode string
}

// BusinessHours gates when automated emissions may be scheduled.
type BusinessHours struct {
	Enabled  bool
	Timezone string
	Days     []time.Weekday
	Start    string
	End      string
}

// Automation is the policy deciding whether and when an order is queued.
type Automation struct {
	Enabled                bool
	AllowedStatuses        []string
	TriggerStatuses        []string
	MinimumTotal           decimal.Decimal
	ExcludedPaymentMethods []string
	CustomerType           string
	Delay                  time.Duration
	Priority               int
	BusinessHours          BusinessHours
}

// Queue holds the retry and maintenance policy of the emission queue.
type Queue struct {
	MaxRetries     int
	BatchSize      int
	ItemTimeout    time.Duration
	StuckThreshold time.Duration
	Retention      time.Duration
	AutoRetry      bool
	HealthWindow   time.Duration
}

// Settings is the typed, validated configuration snapshot consumed by the pipeline.
type Settings struct {
	Environment Environment
	AppVersion  string
	Issuer      Issuer
	Tax         Tax
	Automation  Automation
	Queue       Queue
}

var (
	digitsPattern = regexp.MustCompile(`^[0-9]+$`)
	clockPattern  = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
)

// Validate checks the invariants every component relies on.
func (s Settings) Validate() error {
	var errs []error

	if s.Environment != EnvironmentProduction && s.Environment != EnvironmentHomologation {
		errs = append(errs, fmt.Errorf("environment must be %q or %q", EnvironmentProduction, EnvironmentHomologation))
	}
	if len(s.Issuer.CNPJ) != 14 || !digitsPattern.MatchString(s.Issuer.CNPJ) {
		errs = append(errs, errors.New("issuer CNPJ must have 14 digits"))
	}
	if len(s.Issuer.MunicipalityCode) != 7 || !digitsPattern.MatchString(s.Issuer.MunicipalityCode) {
		errs = append(errs, errors.New("issuer municipality code must have 7 digits"))
	}
	if s.Issuer.Name == "" {
		errs = append(errs, errors.New("issuer name is required"))
	}
	if len(s.Issuer.Series) == 0 || len(s.Issuer.Series) > 5 || !digitsPattern.MatchString(s.Issuer.Series) {
		errs = append(errs, errors.New("DPS series must have 1 to 5 digits"))
	}
	if s.Issuer.SimplesNacional < 1 || s.Issuer.SimplesNacional > 3 {
		errs = append(errs, errors.New("simples nacional option must be 1, 2 or 3"))
	}
	if s.Tax.ISSRate.IsNegative() || s.Tax.ISSRate.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("ISS rate must be between 0 and 100"))
	}
	if s.Tax.ServiceCode != "" && (len(s.Tax.ServiceCode) != 6 || !digitsPattern.MatchString(s.Tax.ServiceCode)) {
		errs = append(errs, errors.New("national service code must have 6 digits"))
	}
	if s.Automation.Priority < 1 || s.Automation.Priority > 10 {
		errs = append(errs, errors.New("automation priority must be between 1 and 10"))
	}
	switch s.Automation.CustomerType {
	case CustomerTypeAll, CustomerTypeIndividual, CustomerTypeBusiness:
	default:
		errs = append(errs, fmt.Errorf("unknown customer type filter %q", s.Automation.CustomerType))
	}
	if s.Automation.MinimumTotal.IsNegative() {
		errs = append(errs, errors.New("minimum total cannot be negative"))
	}
	if bh := s.Automation.BusinessHours; bh.Enabled {
		if !clockPattern.MatchString(bh.Start) || !clockPattern.MatchString(bh.End) {
			errs = append(errs, errors.New("business hours must use HH:MM"))
		} else if bh.Start >= bh.End {
			errs = append(errs, errors.New("business hours start must be before end"))
		}
		if len(bh.Days) == 0 {
			errs = append(errs, errors.New("business hours require at least one day"))
		}
		if _, err := time.LoadLocation(bh.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("business hours timezone: %w", err))
		}
	}
	if s.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue max retries cannot be negative"))
	}
	if s.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("queue batch size must be greater than 0"))
	}
	if s.Queue.ItemTimeout <= 0 {
		errs = append(errs, errors.New("queue item timeout must be greater than 0"))
	}
	if s.Queue.StuckThreshold <= s.Queue.ItemTimeout {
		errs = append(errs, errors.New("queue stuck threshold must exceed the item timeout"))
	}

	return errors.Join(errs...)
}

// Provider hands out the current settings snapshot.
type Provider interface {
	Settings() Settings
}

// StaticProvider serves a fixed snapshot.
type StaticProvider struct {
	settings Settings
}

// NewStaticProvider validates s and wraps it in a Provider.
func NewStaticProvider(s Settings) (*StaticProvider, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &StaticProvider{settings: s}, nil
}

func (p *StaticProvider) Settings() Settings {
	return p.settings
}
