package bootstrap

import (
	"net/http"

	emissionhttp "3tcapital/ms_nfse_emissor/internal/adapters/http/emission"
	healthhttp "3tcapital/ms_nfse_emissor/internal/adapters/http/health"
	queuehttp "3tcapital/ms_nfse_emissor/internal/adapters/http/queue"
	validationhttp "3tcapital/ms_nfse_emissor/internal/adapters/http/validation"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/http/server"
)

// Server builds the admin API and webhook receiver over the wired services.
func (a *App) Server() (*server.Server, error) {
	health := healthhttp.NewHandler(a.Health)

	if a.Config.WooCommerce.WebhookSecret == "" {
		a.Log.Warn("WooCommerce webhook secret not set, signatures are not verified")
	}

	return server.New(server.Options{
		Config:           a.Config,
		Logger:           a.Log,
		Metrics:          a.Metrics,
		HealthHandler:    http.HandlerFunc(health.Live),
		ReadinessHandler: http.HandlerFunc(health.Ready),
		EmissionRoutes:   emissionhttp.NewHandler(a.Emission, a.Log),
		QueueRoutes:      queuehttp.NewHandler(a.Queue, a.Log),
		ValidationRoutes: validationhttp.NewHandler(a.Validator, a.Log),
		WebhookHandler:   a.Webhook,
	})
}
