package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"

	"tampaweb/apiclient"
	"tampaweb/consent"
	"tampaweb/identity"
	"tampaweb/scopes"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	API        *apiclient.Client
	Identity   identity.Resolver
	Consent    *consent.Orchestrator
	Metrics    *Metrics
	Playground *Playground
}

// NewApp wires together the application state from configuration. ctx bounds
// background work such as JWKS refreshes in the dev playground.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	metrics := NewMetrics()

	api, err := apiclient.New(apiclient.Config{
		BaseURL:       cfg.API.BaseURL,
		InternalToken: cfg.API.InternalToken,
		Timeout:       cfg.APITimeout(),
		Observer:      metrics.ObserveBackend,
	})
	if err != nil {
		return nil, fmt.Errorf("init api client: %w", err)
	}

	resolver, err := buildResolver(cfg, api)
	if err != nil {
		return nil, err
	}

	secret := []byte(cfg.Consent.EnvelopeSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate envelope secret: %w", err)
		}
		logger.Warn("consent.envelope_secret not set, using an ephemeral key", "note", "pending consent screens break on restart")
	}
	sealer, err := consent.NewSealer(secret, cfg.EnvelopeTTL())
	if err != nil {
		return nil, fmt.Errorf("init envelope sealer: %w", err)
	}

	classifier := scopes.New(scopes.DefaultTables().WithAliases(cfg.Consent.ScopeAliases))

	app := &App{
		Config:   cfg,
		Logger:   logger,
		API:      api,
		Identity: resolver,
		Consent:  consent.NewOrchestrator(api, classifier, sealer, logger),
		Metrics:  metrics,
	}

	if cfg.Server.DevMode {
		app.Playground, err = NewPlayground(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init dev playground: %w", err)
		}
	}

	return app, nil
}

func buildResolver(cfg Config, api *apiclient.Client) (identity.Resolver, error) {
	switch cfg.Session.Mode {
	case "", SessionModeAPI:
		return identity.NewAPIResolver(api, cfg.Session.ForwardCookies), nil
	case SessionModeJWT:
		v := identity.NewValidator(identity.ValidatorConfig{
			Issuer:    cfg.API.Issuer,
			JWKSURL:   cfg.API.JWKSURL,
			Audiences: cfg.Session.Audiences,
		})
		return identity.NewTokenResolver(v, cfg.Session.CookieName), nil
	default:
		return nil, fmt.Errorf("unknown session mode %q", cfg.Session.Mode)
	}
}

// publicURL joins path onto the configured public origin.
func (a *App) publicURL(path string) string {
	return strings.TrimSuffix(a.Config.Server.PublicURL, "/") + path
}
