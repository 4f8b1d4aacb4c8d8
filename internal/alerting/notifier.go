package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"funding-arb-alerts/internal/config"
	"funding-arb-alerts/internal/storage"
)

// Notifier delivers cross-exchange opportunity alerts.
type Notifier interface {
	NotifyOpportunity(ctx context.Context, opp storage.CrossOpportunity) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

func NewTelegramNotifier(cfg config.TelegramConfig, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := cfg.APIBase
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// NotifyOpportunity posts the rendered opportunity via sendMessage.
func (n *TelegramNotifier) NotifyOpportunity(ctx context.Context, opp storage.CrossOpportunity) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(opp),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("symbol", opp.Symbol).
		Str("urgency", opp.Urgency).
		Str("long", opp.LongExchange).
		Str("short", opp.ShortExchange).
		Msg("alert sent (Telegram)")
	return nil
}

func renderMessage(opp storage.CrossOpportunity) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Funding Arb] %s (%s)\n", opp.Symbol, strings.ToUpper(opp.Urgency)))
	builder.WriteString(fmt.Sprintf("Spread: %s/period, %s%% APR\n", opp.Spread.String(), opp.AnnualizedSpread.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Long %s @ %s | Short %s @ %s\n",
		opp.LongExchange, fundingFor(opp, opp.LongExchange).String(),
		opp.ShortExchange, fundingFor(opp, opp.ShortExchange).String()))
	builder.WriteString(fmt.Sprintf("Price diff: %s%%\n", opp.PriceDiffPct.StringFixed(3)))
	builder.WriteString(fmt.Sprintf("Confidence: %d/100\n", opp.Confidence))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", opp.Timestamp.UTC().Format(time.RFC3339)))
	return builder.String()
}

func fundingFor(opp storage.CrossOpportunity, exchangeName string) decimal.Decimal {
	if exchangeName == opp.ExchangeA {
		return opp.FundingA
	}
	return opp.FundingB
}

var _ Notifier = (*TelegramNotifier)(nil)

// CooldownNotifier wraps another notifier and suppresses repeats for the
// same symbol and venue pair inside the cooldown window. Low urgency
// opportunities are recorded but never delivered.
type CooldownNotifier struct {
	inner    Notifier
	cooldown time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldownNotifier(inner Notifier, cooldown time.Duration, logger zerolog.Logger) *CooldownNotifier {
	return &CooldownNotifier{
		inner:    inner,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "alert_cooldown").Logger(),
		last:     make(map[string]time.Time),
	}
}

func (c *CooldownNotifier) NotifyOpportunity(ctx context.Context, opp storage.CrossOpportunity) error {
	if opp.Urgency == storage.UrgencyLow {
		return nil
	}

	key := pairKey(opp)
	now := time.Now()

	c.mu.Lock()
	if sent, ok := c.last[key]; ok && now.Sub(sent) < c.cooldown {
		c.mu.Unlock()
		c.logger.Debug().Str("key", key).Msg("alert suppressed by cooldown")
		return nil
	}
	c.last[key] = now
	c.mu.Unlock()

	if err := c.inner.NotifyOpportunity(ctx, opp); err != nil {
		// Allow a retry next cycle instead of waiting out the cooldown.
		c.mu.Lock()
		delete(c.last, key)
		c.mu.Unlock()
		return err
	}
	return nil
}

func pairKey(opp storage.CrossOpportunity) string {
	venues := []string{opp.ExchangeA, opp.ExchangeB}
	sort.Strings(venues)
	return opp.Symbol + "|" + venues[0] + "|" + venues[1]
}

var _ Notifier = (*CooldownNotifier)(nil)

// FromConfig wires the configured delivery chain. Returns nil when alerting
// is disabled; callers treat a nil Notifier as "no delivery".
func FromConfig(cfg config.AlertingConfig, logger zerolog.Logger) Notifier {
	if !cfg.Enabled || !cfg.Telegram.Enabled {
		return nil
	}
	telegram := NewTelegramNotifier(cfg.Telegram, 10*time.Second, logger)
	if cfg.Cooldown <= 0 {
		return telegram
	}
	return NewCooldownNotifier(telegram, cfg.Cooldown, logger)
}
