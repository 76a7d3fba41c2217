package main

import (
	"context"
	"log/slog"

	"toolhost/internal/adapter/gateway"
	"toolhost/internal/domain"
	"toolhost/internal/infra/config"
	"toolhost/internal/infra/middleware"
)

// Gateway connection limits.
const (
	gatewayRatePerSecond = 50
	gatewayBurst         = 100
)

// newGateway builds the gateway server. It does not listen until Start, so
// it can serve as the surface notifier even when the gateway is disabled.
func newGateway(ctx context.Context, cfg *config.Config, sec *SecurityComponents, bus domain.EventBus, log *slog.Logger) *gateway.Server {
	var auth gateway.Authenticator
	if len(cfg.Gateway.Tokens) > 0 {
		entries := make([]gateway.TokenEntry, 0, len(cfg.Gateway.Tokens))
		for _, t := range cfg.Gateway.Tokens {
			entries = append(entries, gateway.TokenEntry{Token: t.Token, Name: t.Name})
		}
		auth = gateway.NewStaticTokenAuth(entries)
	}
	opts := gateway.Options{
		Limiter: middleware.NewLimiter(ctx, gatewayRatePerSecond, gatewayBurst),
	}
	if sec.Audit != nil {
		opts.Audit = sec.Audit
	}
	return gateway.NewServer(bus, auth, cfg.Gateway.Addr, opts, log.With("component", "gateway"))
}

// serveGateway registers the RPC surface and blocks serving it until ctx
// is cancelled.
func serveGateway(ctx context.Context, cfg *config.Config, srv *gateway.Server, plugins *PluginComponents,
	rt *RuntimeComponents, log *slog.Logger) error {
	deps := gateway.HandlerDeps{
		Host:      rt.Host,
		Plugins:   plugins.Registry,
		Lifecycle: rt.Lifecycle,
		Installer: plugins.Installer,
		Surfaces:  rt.Surfaces,
		Logger:    log,
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterStatusRoute(srv, deps, gateway.StatusInfo{
		Version:         version,
		ProtocolVersion: cfg.Host.ProtocolVersion,
	})
	// A closed surface drops its backend reference and event forwards.
	srv.OnSurfaceClosed(rt.Backend.ReleaseSurface)

	return srv.Start(ctx)
}
