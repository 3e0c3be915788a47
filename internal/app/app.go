// Package app wires the configured store, protocol clients, metrics and
// service registry together for the command-line entry points.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/raphaelgruber/igsnharvest/internal/config"
	"github.com/raphaelgruber/igsnharvest/internal/db"
	"github.com/raphaelgruber/igsnharvest/internal/metrics"
	"github.com/raphaelgruber/igsnharvest/internal/models"
	"github.com/raphaelgruber/igsnharvest/internal/oai"
	"github.com/raphaelgruber/igsnharvest/internal/service"
	"github.com/raphaelgruber/igsnharvest/internal/sqlstore"
	"github.com/raphaelgruber/igsnharvest/internal/store"
)

// App holds the harvester dependencies.
type App struct {
	Store    store.Store
	Registry *service.Registry
	Metrics  *metrics.Metrics
	cfg      config.Config
}

// New opens the configured store and builds the registry on top of it.
// Metrics are registered on reg; a nil reg uses a private registry.
func New(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New(reg, nil)
	registry := service.NewRegistry(st, service.Options{
		Clients:        ClientFactory(cfg, creds, m, logger),
		Metrics:        m,
		Logger:         logger,
		MetadataPrefix: cfg.MetadataPrefix,
	})

	return &App{
		Store:    st,
		Registry: registry,
		Metrics:  m,
		cfg:      cfg,
	}, nil
}

// OpenStore connects to the backend named by cfg.Backend and prepares its
// schema.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil

	case config.BackendSurreal:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := client.InitSchema(ctx); err != nil {
			client.Close(ctx)
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
		return client, nil

	case config.BackendPostgres:
		return sqlstore.Open(ctx, sqlstore.DriverPostgres, cfg.DatabaseURL, logger)

	case config.BackendSQLite:
		return sqlstore.Open(ctx, sqlstore.DriverSQLite, cfg.SQLitePath, logger)

	default:
		return nil, fmt.Errorf("unknown backend %q (want %s, %s, %s or %s)",
			cfg.Backend, config.BackendSurreal, config.BackendPostgres, config.BackendSQLite, config.BackendMemory)
	}
}

// ClientFactory builds provider clients from cfg, attaching basic auth
// from creds and request telemetry to m.
func ClientFactory(cfg config.Config, creds *config.Credentials, m *metrics.Metrics, logger *slog.Logger) service.ClientFactory {
	return func(svc *models.Service) *oai.Client {
		clientCfg := oai.Config{
			BaseURL:           svc.BaseURL,
			UserAgent:         cfg.UserAgent,
			Timeout:           cfg.RequestTimeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxRetries:        cfg.MaxRetries,
		}
		if cred, ok := creds.Lookup(svc.BaseURL); ok {
			clientCfg.Username = cred.Username
			clientCfg.Password = cred.Password
		}
		if m != nil {
			clientCfg.Observer = m
		}
		return oai.NewClient(clientCfg, logger)
	}
}

// Close releases the store.
func (a *App) Close(ctx context.Context) error {
	if a.Store != nil {
		return a.Store.Close(ctx)
	}
	return nil
}
