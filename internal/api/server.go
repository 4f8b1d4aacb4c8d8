package api

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"funding-arb-alerts/internal/config"
	"funding-arb-alerts/internal/storage"
)

// Server exposes the read-only query surface over HTTP. It never writes to
// storage.
type Server struct {
	app    *fiber.App
	addr   string
	logger zerolog.Logger
}

func NewServer(cfg config.APIConfig, reader storage.OpportunityReader, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "fundingwatcher",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	h := newHandler(reader, logger)

	app.Get("/healthz", h.Health)

	v1 := app.Group("/v1")
	v1.Get("/opportunities", h.ActiveOpportunities)
	v1.Get("/opportunities/urgency/:level", h.OpportunitiesByUrgency)
	v1.Get("/opportunities/symbol/:symbol", h.OpportunityBySymbol)
	v1.Get("/opportunities/history/:symbol", h.HistoricalOpportunities)
	v1.Get("/exchanges", h.Exchanges)
	v1.Get("/stats", h.Stats)

	return &Server{
		app:    app,
		addr:   cfg.Addr,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("api listening")
	return s.app.Listen(s.addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the router for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
