// Package bootstrap assembles the service from configuration. It is shared by
// the service binary and the operator CLI so both run the same pipeline.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	auditpostgres "3tcapital/ms_nfse_emissor/internal/adapters/audit/postgres"
	certfile "3tcapital/ms_nfse_emissor/internal/adapters/certificate/file"
	certpostgres "3tcapital/ms_nfse_emissor/internal/adapters/certificate/postgres"
	emissionmemory "3tcapital/ms_nfse_emissor/internal/adapters/emission/memory"
	emissionpostgres "3tcapital/ms_nfse_emissor/internal/adapters/emission/postgres"
	"3tcapital/ms_nfse_emissor/internal/adapters/http/webhook"
	"3tcapital/ms_nfse_emissor/internal/adapters/locality/ibge"
	lockmemory "3tcapital/ms_nfse_emissor/internal/adapters/lock/memory"
	lockredis "3tcapital/ms_nfse_emissor/internal/adapters/lock/redis"
	"3tcapital/ms_nfse_emissor/internal/adapters/nfse/sefin"
	"3tcapital/ms_nfse_emissor/internal/adapters/order/woocommerce"
	queuememory "3tcapital/ms_nfse_emissor/internal/adapters/queue/memory"
	queuepostgres "3tcapital/ms_nfse_emissor/internal/adapters/queue/postgres"
	"3tcapital/ms_nfse_emissor/internal/application/automation"
	appdps "3tcapital/ms_nfse_emissor/internal/application/dps"
	appemission "3tcapital/ms_nfse_emissor/internal/application/emission"
	apphealth "3tcapital/ms_nfse_emissor/internal/application/health"
	appqueue "3tcapital/ms_nfse_emissor/internal/application/queue"
	"3tcapital/ms_nfse_emissor/internal/application/signer"
	"3tcapital/ms_nfse_emissor/internal/application/xsd"
	"3tcapital/ms_nfse_emissor/internal/core/audit"
	"3tcapital/ms_nfse_emissor/internal/core/certificate"
	"3tcapital/ms_nfse_emissor/internal/core/emission"
	"3tcapital/ms_nfse_emissor/internal/core/locality"
	"3tcapital/ms_nfse_emissor/internal/core/queue"
	"3tcapital/ms_nfse_emissor/internal/core/settings"
	"3tcapital/ms_nfse_emissor/internal/core/signature"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/config"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/database"
	httpclient "3tcapital/ms_nfse_emissor/internal/infrastructure/http"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/metrics"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/redis"
)

// App holds the wired services of one process.
type App struct {
	Config       config.AppConfig
	Log          *slog.Logger
	Metrics      *metrics.Metrics
	Settings     settings.Provider
	Validator    *xsd.Validator
	Certificates certificate.Manager
	Sefin        *sefin.Client
	Emission     *appemission.Service
	Queue        *appqueue.Service
	Automation   *automation.Service
	Webhook      *webhook.WooCommerceHandler
	Health       *apphealth.Service
	Audit        audit.Repository

	pool    *pgxpool.Pool
	rdb     *goredis.Client
	clients []*httpclient.TracedClient
}

// New connects to the configured stores and wires every service. Close
// releases what New opened, also when New fails half way.
func New(ctx context.Context, cfg config.AppConfig, log *slog.Logger) (_ *App, err error) {
	app := &App{Config: cfg, Log: log, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.Settings, err = settings.NewStaticProvider(cfg.NFSe)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	var (
		emissions emission.Repository
		items     queue.Repository
		registry  certificate.Registry
	)
	switch cfg.Storage.Driver {
	case "memory":
		log.Warn("Using in-memory storage, emissions are lost on restart")
		emissions = emissionmemory.NewRepository()
		items = queuememory.NewRepository()
	default:
		app.pool, err = database.NewPool(ctx, database.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ApplicationName: cfg.App.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err = database.RunMigrations(ctx, app.pool, log); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info("Database connection established", "database", cfg.Database.Database)

		emissions = emissionpostgres.NewRepository(app.pool)
		items = queuepostgres.NewRepository(app.pool)
		registry = certpostgres.NewRegistry(app.pool)
		if cfg.Audit.Enabled {
			app.Audit = auditpostgres.NewRepository(app.pool, log)
		}
	}
	if cfg.Audit.Enabled && app.Audit == nil {
		log.Warn("Audit trail disabled: it requires the postgres storage driver")
	}

	locker, err := app.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	app.Certificates = certfile.NewManager(cfg.Certificate.Path, cfg.Certificate.Password, registry, log)

	app.Validator, err = xsd.NewValidator(log)
	if err != nil {
		return nil, fmt.Errorf("load schema catalog: %w", err)
	}
	sign, err := signer.New(signatureMethod(cfg.Certificate.SignatureMethod), log)
	if err != nil {
		return nil, err
	}

	sefinHTTP := app.tracedClient("sefin", cfg.Sefin.Timeout, cfg.Sefin.MaxConcurrent, sefin.TLSConfig(app.Certificates))
	baseURL := cfg.Sefin.BaseURL
	if baseURL == "" {
		baseURL = sefin.BaseURLFor(cfg.NFSe.Environment)
	}
	app.Sefin = sefin.NewClient(sefin.Config{
		BaseURL:         baseURL,
		RequestsPerSec:  cfg.Sefin.RateLimitRPS,
		Burst:           cfg.Sefin.Burst,
		MaxConcurrent:   cfg.Sefin.MaxConcurrent,
		BreakerFailures: cfg.Sefin.BreakerFailures,
		BreakerCooldown: cfg.Sefin.BreakerCooldown,
	}, sefinHTTP, log)
	log.Info("SEFIN client configured", "base_url", baseURL, "environment", cfg.NFSe.Environment)

	var resolver locality.Resolver
	if cfg.IBGE.Enabled {
		resolver = ibge.NewClient(cfg.IBGE.BaseURL, app.tracedClient("ibge", 10*time.Second, 2, nil), log)
	}
	orders := woocommerce.NewStore(woocommerce.Config{
		BaseURL:        cfg.WooCommerce.BaseURL,
		ConsumerKey:    cfg.WooCommerce.ConsumerKey,
		ConsumerSecret: cfg.WooCommerce.ConsumerSecret,
	}, app.tracedClient("woocommerce", cfg.WooCommerce.Timeout, 4, nil), resolver, log)

	app.Emission, err = appemission.NewService(appemission.Dependencies{
		Repository:   emissions,
		Locker:       locker,
		Certificates: app.Certificates,
		Orders:       orders,
		Generator:    appdps.NewGenerator(app.Settings, app.Validator, log),
		Signer:       sign,
		Client:       app.Sefin,
		Settings:     app.Settings,
		Metrics:      app.Metrics,
		Logger:       log,
		LockTTL:      cfg.Redis.LockTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("emission service: %w", err)
	}
	app.Queue = appqueue.NewService(items, app.Emission, app.Settings, app.Metrics, log)
	app.Automation = automation.NewService(orders, app.Queue, app.Settings, log)
	app.Webhook = webhook.NewWooCommerceHandler(app.Automation, cfg.WooCommerce.WebhookSecret, log)

	app.Health = apphealth.NewService(apphealth.Metadata{
		Service:     cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
	}, app.checkers()...)

	return app, nil
}

func (a *App) newLocker(ctx context.Context) (emission.Locker, error) {
	if !a.Config.Redis.Enabled {
		a.Log.Warn("Redis disabled, using in-process emission lock; run a single replica")
		return lockmemory.NewLocker(), nil
	}
	rdb, err := redis.NewClient(ctx, redis.Config{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
		PoolSize: a.Config.Redis.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.rdb = rdb
	a.Log.Info("Redis connection established", "addr", a.Config.Redis.Addr)
	return lockredis.NewLocker(rdb, a.Config.Redis.LockRetries, a.Config.Redis.LockBackoff), nil
}

func (a *App) tracedClient(service string, timeout time.Duration, maxConns int, tlsConfig *tls.Config) *httpclient.TracedClient {
	cfg := &httpclient.TracedClientConfig{
		Timeout:         timeout,
		AuditEnabled:    a.Config.Audit.Enabled && a.Audit != nil,
		LogRequestBody:  a.Config.Audit.LogRequestBody,
		LogResponseBody: a.Config.Audit.LogResponseBody,
		MaxBodySize:     a.Config.Audit.MaxBodySize,
		MaxConnsPerHost: maxConns,
		TLSConfig:       tlsConfig,
	}
	c := httpclient.NewTracedClient(cfg, a.Log, a.Audit, service)
	a.clients = append(a.clients, c)
	return c
}

func signatureMethod(name string) string {
	if name == "rsa-sha1" {
		return signature.MethodRSASHA1
	}
	return signature.MethodRSASHA256
}

// Close waits for pending audit writes and closes the stores.
func (a *App) Close() {
	for _, c := range a.clients {
		c.Wait()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.Log.Warn("Failed to close redis client", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
