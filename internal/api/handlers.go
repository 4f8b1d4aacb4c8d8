package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb-alerts/internal/storage"
)

type handler struct {
	reader storage.OpportunityReader
	logger zerolog.Logger
}

func newHandler(reader storage.OpportunityReader, logger zerolog.Logger) *handler {
	return &handler{
		reader: reader,
		logger: logger.With().Str("component", "api_handler").Logger(),
	}
}

// opportunityDTO is the wire shape of a ledger row. Decimals render as
// strings to keep precision across clients.
type opportunityDTO struct {
	ID               int64               `json:"id"`
	Symbol           string              `json:"symbol"`
	ExchangeA        string              `json:"exchange_a"`
	ExchangeB        string              `json:"exchange_b"`
	FundingA         string              `json:"funding_a"`
	FundingB         string              `json:"funding_b"`
	Spread           string              `json:"spread"`
	AnnualizedSpread string              `json:"annualized_spread"`
	PriceDiffPct     string              `json:"price_diff_pct"`
	Urgency          string              `json:"urgency"`
	Confidence       int                 `json:"confidence"`
	LongExchange     string              `json:"long_exchange"`
	ShortExchange    string              `json:"short_exchange"`
	Action           storage.TradeAction `json:"action"`
	IsActive         bool                `json:"is_active"`
	Timestamp        time.Time           `json:"timestamp"`
}

func toDTO(opp storage.CrossOpportunity) opportunityDTO {
	return opportunityDTO{
		ID:               opp.ID,
		Symbol:           opp.Symbol,
		ExchangeA:        opp.ExchangeA,
		ExchangeB:        opp.ExchangeB,
		FundingA:         opp.FundingA.String(),
		FundingB:         opp.FundingB.String(),
		Spread:           opp.Spread.String(),
		AnnualizedSpread: opp.AnnualizedSpread.String(),
		PriceDiffPct:     opp.PriceDiffPct.String(),
		Urgency:          opp.Urgency,
		Confidence:       opp.Confidence,
		LongExchange:     opp.LongExchange,
		ShortExchange:    opp.ShortExchange,
		Action:           opp.Action,
		IsActive:         opp.IsActive,
		Timestamp:        opp.Timestamp,
	}
}

func toDTOs(opps []storage.CrossOpportunity) []opportunityDTO {
	out := make([]opportunityDTO, 0, len(opps))
	for _, opp := range opps {
		out = append(out, toDTO(opp))
	}
	return out
}

// Health handles GET /healthz.
func (h *handler) Health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ActiveOpportunities handles GET /v1/opportunities?min_spread=.
func (h *handler) ActiveOpportunities(c fiber.Ctx) error {
	minSpread := decimal.Zero
	if raw := c.Query("min_spread"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "min_spread must be a decimal number",
			})
		}
		minSpread = parsed
	}

	opps, err := h.reader.ActiveOpportunities(c.Context(), minSpread)
	if err != nil {
		return h.fail(c, err, "list active opportunities")
	}
	return c.JSON(fiber.Map{"count": len(opps), "opportunities": toDTOs(opps)})
}

// OpportunitiesByUrgency handles GET /v1/opportunities/urgency/:level.
func (h *handler) OpportunitiesByUrgency(c fiber.Ctx) error {
	level := strings.ToLower(c.Params("level"))
	switch level {
	case storage.UrgencyHigh, storage.UrgencyMedium, storage.UrgencyLow:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "level must be high, medium or low",
		})
	}

	opps, err := h.reader.OpportunitiesByUrgency(c.Context(), level)
	if err != nil {
		return h.fail(c, err, "list opportunities by urgency")
	}
	return c.JSON(fiber.Map{"count": len(opps), "opportunities": toDTOs(opps)})
}

// OpportunityBySymbol handles GET /v1/opportunities/symbol/:symbol.
func (h *handler) OpportunityBySymbol(c fiber.Ctx) error {
	symbol := strings.ToUpper(c.Params("symbol"))
	if symbol == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "symbol parameter is required",
		})
	}

	opp, err := h.reader.OpportunityBySymbol(c.Context(), symbol)
	if err != nil {
		return h.fail(c, err, "fetch opportunity by symbol")
	}
	if opp == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no active opportunity for symbol",
		})
	}
	return c.JSON(toDTO(*opp))
}

// HistoricalOpportunities handles GET /v1/opportunities/history/:symbol?hours=.
func (h *handler) HistoricalOpportunities(c fiber.Ctx) error {
	symbol := strings.ToUpper(c.Params("symbol"))
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "hours must be a positive integer",
			})
		}
		hours = parsed
	}

	opps, err := h.reader.HistoricalOpportunities(c.Context(), symbol, hours)
	if err != nil {
		return h.fail(c, err, "list historical opportunities")
	}
	return c.JSON(fiber.Map{
		"symbol":        symbol,
		"hours":         hours,
		"count":         len(opps),
		"opportunities": toDTOs(opps),
	})
}

// Exchanges handles GET /v1/exchanges.
func (h *handler) Exchanges(c fiber.Ctx) error {
	statuses, err := h.reader.ExchangeInfo(c.Context())
	if err != nil {
		return h.fail(c, err, "list exchange status")
	}

	out := make([]fiber.Map, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, fiber.Map{
			"exchange":    st.Exchange,
			"connected":   st.Connected,
			"last_update": st.LastUpdate,
			"symbols":     st.Symbols,
		})
	}
	return c.JSON(fiber.Map{"exchanges": out})
}

// Stats handles GET /v1/stats.
func (h *handler) Stats(c fiber.Ctx) error {
	stats, err := h.reader.Stats(c.Context())
	if err != nil {
		return h.fail(c, err, "fetch stats")
	}
	return c.JSON(fiber.Map{
		"active_opportunities": stats.ActiveOpportunities,
		"total_opportunities":  stats.TotalOpportunities,
		"best_spread_apr":      stats.BestSpreadAPR.String(),
		"avg_spread_apr":       stats.AvgSpreadAPR.String(),
		"connected_exchanges":  stats.ConnectedExchanges,
	})
}

func (h *handler) fail(c fiber.Ctx, err error, msg string) error {
	h.logger.Error().Err(err).Msg(msg)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}
