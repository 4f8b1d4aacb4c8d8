package exchange

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// snapshotCache holds the latest funding snapshot per normalized symbol.
// Each update replaces the prior entry: last write wins.
type snapshotCache struct {
	mu    sync.RWMutex
	snaps map[string]FundingSnapshot
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{snaps: make(map[string]FundingSnapshot)}
}

func (c *snapshotCache) Set(snap FundingSnapshot) {
	c.mu.Lock()
	c.snaps[snap.Symbol] = snap
	c.mu.Unlock()
}

// Replace swaps the whole cache content for a fresh REST result.
func (c *snapshotCache) Replace(snaps map[string]FundingSnapshot) {
	copied := make(map[string]FundingSnapshot, len(snaps))
	for k, v := range snaps {
		copied[k] = v
	}
	c.mu.Lock()
	c.snaps = copied
	c.mu.Unlock()
}

func (c *snapshotCache) All() map[string]FundingSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]FundingSnapshot, len(c.snaps))
	for k, v := range c.snaps {
		out[k] = v
	}
	return out
}

func (c *snapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snaps)
}

// marketCache is the TTL'd market metadata cache. On expiry the whole
// content is refetched and replaced; there is no partial merge.
type marketCache struct {
	mu        sync.RWMutex
	ttl       time.Duration
	fetchedAt time.Time
	markets   []Market
	bySymbol  map[string]Market
	now       func() time.Time
}

func newMarketCache(ttl time.Duration) *marketCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &marketCache{ttl: ttl, now: time.Now}
}

func (c *marketCache) Fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) <= c.ttl
}

func (c *marketCache) Replace(markets []Market) {
	bySymbol := make(map[string]Market, len(markets))
	for _, m := range markets {
		bySymbol[m.Symbol] = m
	}
	c.mu.Lock()
	c.markets = markets
	c.bySymbol = bySymbol
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

func (c *marketCache) All() []Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Market, len(c.markets))
	copy(out, c.markets)
	return out
}

func (c *marketCache) Get(symbol string) (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.bySymbol[symbol]
	return m, ok
}

// dispatcher routes pushed messages to registered handlers by type.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[MessageType][]Handler
	logger   zerolog.Logger
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{handlers: make(map[MessageType][]Handler), logger: logger}
}

func (d *dispatcher) On(t MessageType, h Handler) {
	d.mu.Lock()
	d.handlers[t] = append(d.handlers[t], h)
	d.mu.Unlock()
}

func (d *dispatcher) Dispatch(msg Message) {
	d.mu.RLock()
	handlers := d.handlers[msg.Type]
	d.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Unknown records a frame whose type discriminator matched nothing.
func (d *dispatcher) Unknown(channel string) {
	d.logger.Debug().Str("channel", channel).Msg("unknown message type")
}
