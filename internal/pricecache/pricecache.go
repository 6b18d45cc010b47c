package pricecache

import (
	"sync"
	"time"

	"marketfeed/internal/types"
)

// Cache holds the latest merged PriceUpdate per symbol. Readers always get copies.
type Cache struct {
	prices map[string]types.PriceUpdate
	mu     sync.RWMutex
	now    func() time.Time
}

func New() *Cache {
	return &Cache{
		prices: make(map[string]types.PriceUpdate),
		now:    time.Now,
	}
}

// Upsert merges the present fields of p into the symbol's record, seeding a zero record
// for an unseen symbol, and returns the merged result.
func (c *Cache) Upsert(symbol string, p types.PartialUpdate) types.PriceUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.prices[symbol]
	if !ok {
		cur = types.PriceUpdate{Symbol: symbol}
	}
	if p.VendorKey != "" {
		cur.VendorKey = p.VendorKey
	}

	set(&cur.LastPrice, p.LastPrice)
	set(&cur.PreviousClose, p.PreviousClose)
	set(&cur.Open, p.Open)
	set(&cur.High, p.High)
	set(&cur.Low, p.Low)
	set(&cur.Close, p.Close)
	set(&cur.Volume, p.Volume)
	set(&cur.Bid, p.Bid)
	set(&cur.Ask, p.Ask)
	set(&cur.BidQty, p.BidQty)
	set(&cur.AskQty, p.AskQty)

	deriveChange(&cur)
	cur.UpdatedAt = c.now()

	c.prices[symbol] = cur
	return cur
}

func set(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// deriveChange fills the change fields only when a last price and a positive previous close are known.
func deriveChange(u *types.PriceUpdate) {
	if u.LastPrice <= 0 || u.PreviousClose <= 0 {
		u.PriceChange = 0
		u.PriceChangePercent = 0
		u.ChangeKnown = false
		return
	}

	u.PriceChange = u.LastPrice - u.PreviousClose
	u.PriceChangePercent = u.PriceChange / u.PreviousClose * 100
	u.ChangeKnown = true
}

func (c *Cache) Get(symbol string) (types.PriceUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	u, ok := c.prices[symbol]
	return u, ok
}

// GetAll returns a point-in-time snapshot of every cached record.
func (c *Cache) GetAll() map[string]types.PriceUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]types.PriceUpdate, len(c.prices))
	for symbol, u := range c.prices {
		out[symbol] = u
	}
	return out
}

func (c *Cache) Remove(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.prices, symbol)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prices = make(map[string]types.PriceUpdate)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.prices)
}
