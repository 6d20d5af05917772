// Package pricing wraps an upstream price feed with a TTL cache and a
// last-known-value fallback: a chain's native-token price is looked up far more
// often than it actually moves, and a flaky upstream must not stall the
// Evaluator every time it hiccups.
package pricing

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/omnirelay/bounty-relayer/internal/relaytypes"
)

// Provider fetches the current price of one native token (1e18 wei) of
// chainID, in a common denomination shared across every chain the relayer
// serves.
// Implementations are free to interpret "price" however their upstream
// reports it; the Cache in front of them is agnostic to the denomination.
type Provider interface {
	FetchPrice(ctx context.Context, chainID relaytypes.ChainID) (*big.Int, error)
}

// Cache wraps a Provider with a TTL cache and consecutive-failure
// tracking. A cache hit never calls the Provider. A cache miss calls the
// Provider; on failure, the last known price for that chain is returned
// instead of an error, until maxTries failures in a row are reached, at
// which point the chain's price is reported unavailable so a caller can
// stop assuming stale numbers are still good enough.
type Cache struct {
	provider Provider
	cache    *ttlcache.Cache[relaytypes.ChainID, *big.Int]
	maxTries int
	lggr     logger.Logger

	mu       sync.Mutex
	failures map[relaytypes.ChainID]int
	lastGood map[relaytypes.ChainID]*big.Int
}

// New builds a Cache. cacheDuration is the TTL of a successful fetch;
// maxTries is the count of consecutive Provider failures at which a
// chain's price is reported unavailable; earlier failures fall back to the
// last known price.
func New(provider Provider, cacheDuration time.Duration, maxTries int, lggr logger.Logger) *Cache {
	c := &Cache{
		provider: provider,
		cache:    ttlcache.New[relaytypes.ChainID, *big.Int](ttlcache.WithTTL[relaytypes.ChainID, *big.Int](cacheDuration)),
		maxTries: maxTries,
		lggr:     lggr,
		failures: make(map[relaytypes.ChainID]int),
		lastGood: make(map[relaytypes.ChainID]*big.Int),
	}
	go c.cache.Start()
	return c
}

// Stop releases the cache's background eviction goroutine.
func (c *Cache) Stop() {
	c.cache.Stop()
}

// ErrUnavailable is returned once a chain has failed to price maxTries
// times in a row without an intervening success.
type ErrUnavailable struct {
	ChainID relaytypes.ChainID
	Tries   int
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("pricing: chain %s unavailable after %d consecutive failures", e.ChainID, e.Tries)
}

// PriceOf returns chainID's current native-token price, refreshing from the
// Provider on a cache miss and falling back to the last known value on a
// Provider failure.
func (c *Cache) PriceOf(ctx context.Context, chainID relaytypes.ChainID) (*big.Int, error) {
	if item := c.cache.Get(chainID); item != nil {
		return item.Value(), nil
	}

	price, err := c.provider.FetchPrice(ctx, chainID)
	if err == nil {
		c.cache.Set(chainID, price, ttlcache.DefaultTTL)
		c.recordSuccess(chainID, price)
		return price, nil
	}

	return c.fallback(chainID, err)
}

func (c *Cache) recordSuccess(chainID relaytypes.ChainID, price *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[chainID] = 0
	c.lastGood[chainID] = price
}

func (c *Cache) fallback(chainID relaytypes.ChainID, fetchErr error) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures[chainID]++
	tries := c.failures[chainID]

	last, ok := c.lastGood[chainID]
	if !ok || tries >= c.maxTries {
		return nil, &ErrUnavailable{ChainID: chainID, Tries: tries}
	}

	c.lggr.Warnw("pricing provider failed, using last known price", "chainID", chainID, "consecutiveFailures", tries, "error", fetchErr)
	return last, nil
}
