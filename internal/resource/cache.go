// Package resource resolves per-request crawl resources (session cookies
// and outbound proxies) from the shared Dragonfly cache.
package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfeed/market-crawler/internal/task"
)

// KV is the slice of the broker client the cache needs. Lookups that find
// no value return ("", ErrNotFound-style error) from the implementation;
// the cache treats empty string as a miss as well.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
}

const (
	cookieTTL = 60 * time.Second
	proxyTTL  = 5 * time.Second
)

// Cookie is a resolved session cookie.
type Cookie struct {
	ID        string
	Value     string
	Market    string
	ExpiresAt int64 // unix seconds, 0 means no expiry
}

// Expired reports whether the cookie is past its expiry at the given time.
func (c Cookie) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.Unix() >= c.ExpiresAt
}

type cookieEntry struct {
	cookie    Cookie
	fetchedAt time.Time
}

type proxyEntry struct {
	proxies   []string
	fetchedAt time.Time
}

// Cache memoizes cookie and proxy lookups against the shared store. Proxy
// lists are held briefly so a burst of tasks does not hammer the store;
// cookies are held longer but never past their own expiry.
type Cache struct {
	kv     KV
	logger *zap.Logger
	now    func() time.Time
	randFn func(n int) int

	mu      sync.Mutex
	cookies map[string]cookieEntry
	proxies map[task.Market]proxyEntry
}

// NewCache builds a Cache over the given store.
func NewCache(kv KV, logger *zap.Logger) *Cache {
	return &Cache{
		kv:      kv,
		logger:  logger,
		now:     time.Now,
		randFn:  rand.Intn,
		cookies: make(map[string]cookieEntry),
		proxies: make(map[task.Market]proxyEntry),
	}
}

func cookieKey(market task.Market, id string) string {
	return fmt.Sprintf("cookie:%s:%s", market, id)
}

func proxyKey(market task.Market) string {
	return fmt.Sprintf("proxy:%s:active_proxies", market)
}

// Cookie resolves a session cookie for the market. A non-empty id selects
// that cookie; otherwise the market's default slot ("default") is used.
// A miss, an unparsable record, or an expired cookie all return ok=false.
func (c *Cache) Cookie(ctx context.Context, market task.Market, id string) (Cookie, bool) {
	if id == "" {
		id = "default"
	}
	key := cookieKey(market, id)
	now := c.now()

	c.mu.Lock()
	if entry, hit := c.cookies[key]; hit && now.Sub(entry.fetchedAt) < cookieTTL && !entry.cookie.Expired(now) {
		c.mu.Unlock()
		return entry.cookie, true
	}
	c.mu.Unlock()

	raw, err := c.kv.Get(ctx, key)
	if err != nil || raw == "" {
		if err != nil {
			c.logger.Debug("cookie lookup failed", zap.String("key", key), zap.Error(err))
		}
		return Cookie{}, false
	}

	cookie, ok := parseCookie(raw, id)
	if !ok {
		c.logger.Warn("unparsable cookie record", zap.String("key", key))
		return Cookie{}, false
	}
	if cookie.Expired(now) {
		c.logger.Debug("cookie expired", zap.String("key", key), zap.Int64("expires_at", cookie.ExpiresAt))
		return Cookie{}, false
	}

	c.mu.Lock()
	c.cookies[key] = cookieEntry{cookie: cookie, fetchedAt: now}
	c.mu.Unlock()
	return cookie, true
}

// cookieRecord is the stored JSON shape. The account manager writes
// cookie_text; value is accepted from older seeds.
type cookieRecord struct {
	ID         string `json:"id"`
	CookieText string `json:"cookie_text"`
	Value      string `json:"value"`
	Market     string `json:"market"`
	ExpiresAt  int64  `json:"expires_at"`
}

// parseCookie accepts either a JSON record or a bare cookie string.
func parseCookie(raw string, id string) (Cookie, bool) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var record cookieRecord
		if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
			return Cookie{}, false
		}
		text := record.CookieText
		if text == "" {
			text = record.Value
		}
		if text == "" {
			return Cookie{}, false
		}
		if record.ID == "" {
			record.ID = id
		}
		return Cookie{
			ID:        record.ID,
			Value:     text,
			Market:    record.Market,
			ExpiresAt: record.ExpiresAt,
		}, true
	}
	if trimmed == "" {
		return Cookie{}, false
	}
	return Cookie{ID: id, Value: trimmed}, true
}

// RandomProxy picks one proxy URL from the market's active pool, or
// ok=false when the pool is absent or empty. The pool is memoized briefly.
func (c *Cache) RandomProxy(ctx context.Context, market task.Market) (string, bool) {
	now := c.now()

	c.mu.Lock()
	if entry, hit := c.proxies[market]; hit && now.Sub(entry.fetchedAt) < proxyTTL {
		proxies := entry.proxies
		c.mu.Unlock()
		return pick(proxies, c.randFn)
	}
	c.mu.Unlock()

	raw, err := c.kv.Get(ctx, proxyKey(market))
	if err != nil || raw == "" {
		if err != nil {
			c.logger.Debug("proxy pool lookup failed", zap.String("market", string(market)), zap.Error(err))
		}
		return "", false
	}

	proxies := parseProxies(raw)

	c.mu.Lock()
	c.proxies[market] = proxyEntry{proxies: proxies, fetchedAt: now}
	c.mu.Unlock()
	return pick(proxies, c.randFn)
}

// parseProxies accepts the stored pool record `{"proxies":[...]}`, a
// bare JSON array of URLs, or a comma-separated list.
func parseProxies(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var record struct {
			Proxies []string `json:"proxies"`
		}
		if err := json.Unmarshal([]byte(trimmed), &record); err == nil {
			return compact(record.Proxies)
		}
		return nil
	case strings.HasPrefix(trimmed, "["):
		var urls []string
		if err := json.Unmarshal([]byte(trimmed), &urls); err == nil {
			return compact(urls)
		}
		return nil
	}
	return compact(strings.Split(trimmed, ","))
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func pick(proxies []string, randFn func(int) int) (string, bool) {
	if len(proxies) == 0 {
		return "", false
	}
	return proxies[randFn(len(proxies))], true
}

// InvalidateProxies drops the memoized pool for a market so the next
// lookup goes back to the store. Called after a proxy-classified failure.
func (c *Cache) InvalidateProxies(market task.Market) {
	c.mu.Lock()
	delete(c.proxies, market)
	c.mu.Unlock()
}

// InvalidateCookie drops a memoized cookie.
func (c *Cache) InvalidateCookie(market task.Market, id string) {
	if id == "" {
		id = "default"
	}
	c.mu.Lock()
	delete(c.cookies, cookieKey(market, id))
	c.mu.Unlock()
}
