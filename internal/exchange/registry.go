package exchange

import (
	"context"

	"github.com/rs/zerolog"

	"funding-arb-alerts/internal/config"
)

// Registry owns one client instance per configured venue. Consumers receive
// clients through the registry instead of package-level singletons, so tests
// and multi-tenant setups can build their own.
type Registry struct {
	clients map[string]Client
	order   []string
	logger  zerolog.Logger
}

// NewRegistry builds clients for every enabled venue. Outside production a
// fixture source is attached so REST outages degrade to flagged synthetic
// data instead of empty scans.
func NewRegistry(cfg config.ExchangesConfig, app config.AppConfig, symbols []string, logger zerolog.Logger) *Registry {
	var fixtures FixtureSource
	if !app.Production() {
		fixtures = NewFixtureProvider(symbols)
	}

	r := &Registry{
		clients: make(map[string]Client),
		logger:  logger.With().Str("component", "exchange_registry").Logger(),
	}

	if cfg.Hyperliquid.Enabled {
		r.add(NewHyperliquid(cfg.Hyperliquid, cfg.WS, cfg.MarketTTL, symbols, fixtures, logger))
	}
	if cfg.Asterdex.Enabled {
		r.add(NewAsterdex(cfg.Asterdex, cfg.WS, cfg.MarketTTL, symbols, fixtures, logger))
	}
	return r
}

func (r *Registry) add(c Client) {
	r.clients[c.Name()] = c
	r.order = append(r.order, c.Name())
}

// Get returns the client for a venue name.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// All returns clients in registration order.
func (r *Registry) All() []Client {
	out := make([]Client, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.clients[name])
	}
	return out
}

// InitializeAll opens every venue websocket. A venue that fails to connect is
// logged and left to its own reconnect schedule; REST paths stay usable.
func (r *Registry) InitializeAll(ctx context.Context) {
	for _, c := range r.All() {
		if err := c.Initialize(ctx); err != nil {
			r.logger.Warn().Err(err).Str("exchange", c.Name()).Msg("websocket initialize failed")
		}
	}
}

// DisconnectAll tears down every client deterministically.
func (r *Registry) DisconnectAll() {
	for _, c := range r.All() {
		c.Disconnect()
	}
}
