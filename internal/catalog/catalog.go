package catalog

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

var ErrUnknownProduct = errors.New("product not in catalog")

// StaticSource serves prices from a fixed map.
type StaticSource map[string]float64

func (s StaticSource) UnitPrice(ctx context.Context, productID string) (float64, error) {
	price, ok := s[productID]
	if !ok {
		return 0, ErrUnknownProduct
	}
	return price, nil
}

// SQLSource reads prices from the productos table.
type SQLSource struct {
	db *sql.DB
}

func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

func (s *SQLSource) UnitPrice(ctx context.Context, productID string) (float64, error) {
	var price float64
	err := s.db.QueryRowContext(ctx, `SELECT precio FROM productos WHERE id = $1`, productID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownProduct
	}
	return price, err
}

type source interface {
	UnitPrice(ctx context.Context, productID string) (float64, error)
}

type cachedPrice struct {
	price     float64
	expiresAt time.Time
}

// CachedLookup memoizes prices from another source for ttl. Lookup errors are
// not cached.
type CachedLookup struct {
	src source
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cachedPrice
}

func NewCachedLookup(src source, ttl time.Duration) *CachedLookup {
	return &CachedLookup{
		src:     src,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedPrice),
	}
}

func (c *CachedLookup) UnitPrice(ctx context.Context, productID string) (float64, error) {
	if price, ok := c.get(productID); ok {
		return price, nil
	}
	price, err := c.src.UnitPrice(ctx, productID)
	if err != nil {
		return 0, err
	}
	c.put(productID, price)
	return price, nil
}

func (c *CachedLookup) get(productID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[productID]
	if !ok {
		return 0, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, productID)
		return 0, false
	}
	return entry.price, true
}

func (c *CachedLookup) put(productID string, price float64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[productID] = cachedPrice{price: price, expiresAt: c.now().Add(c.ttl)}
}
