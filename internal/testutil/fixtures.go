package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"3tcapital/ms_nfse_emissor/internal/core/order"
	"3tcapital/ms_nfse_emissor/internal/core/settings"
)

// NewTestSettings returns a valid homologation configuration for the issuer
// 11222333000181 in São Paulo with a 5% ISS rate.
func NewTestSettings() settings.Settings {
	return settings.Settings{
		Environment: settings.EnvironmentHomologation,
		AppVersion:  "emissor-test",
		Issuer: settings.Issuer{
			CNPJ:                  "11222333000181",
			MunicipalRegistration: "123456",
			Name:                  "Loja Exemplo Ltda",
			MunicipalityCode:      "3550308",
			Series:                "1",
			SimplesNacional:       1,
		},
		Tax: settings.Tax{
			ISSRate:     decimal.NewFromInt(5),
			ServiceCode: "010101",
		},
		Automation: settings.Automation{
			Enabled:         true,
			AllowedStatuses: []string{"processing", "completed"},
			TriggerStatuses: []string{"completed"},
			CustomerType:    settings.CustomerTypeAll,
			Priority:        5,
			BusinessHours:   settings.BusinessHours{Timezone: "America/Sao_Paulo"},
		},
		Queue: settings.Queue{
			MaxRetries:     3,
			BatchSize:      10,
			ItemTimeout:    time.Minute,
			StuckThreshold: 10 * time.Minute,
			Retention:      30 * 24 * time.Hour,
			AutoRetry:      true,
			HealthWindow:   time.Hour,
		},
	}
}

// NewStaticSettings wraps s in a provider, panicking on invalid test data.
func NewStaticSettings(s settings.Settings) *settings.StaticProvider {
	p, err := settings.NewStaticProvider(s)
	if err != nil {
		panic(err)
	}
	return p
}

// NewTestOrder returns a paid R$ 1000.00 order of an individual payer.
func NewTestOrder(id int64) *order.Snapshot {
	paid := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	amount := decimal.RequireFromString("1000.00")
	return &order.Snapshot{
		ID:            id,
		Number:        decimal.NewFromInt(id).String(),
		Status:        "processing",
		Currency:      "BRL",
		Subtotal:      amount,
		Total:         amount,
		PaymentMethod: "pix",
		PaidAt:        &paid,
		CreatedAt:     paid.Add(-time.Hour),
		Customer: order.Customer{
			Name:     "Maria da Silva",
			Document: "52998224725",
			Email:    "maria@example.com",
		},
		Items: []order.LineItem{
			{ID: 1, Name: "Consultoria", Quantity: decimal.NewFromInt(1), Subtotal: amount, Total: amount},
		},
	}
}
