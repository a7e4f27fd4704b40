// Package ratelimit enforces per-retailer request budgets shared by every
// worker process. Budgets are keyed by registrable domain (eTLD+1) so
// subdomains and CDN hosts of one retailer drain the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"ammoharvest/coord"
	"ammoharvest/models"
)

// slotTTL bounds the concurrency counter so slots leaked by a dead worker
// free themselves.
const slotTTL = 5 * time.Minute

// Limiter coordinates spacing and concurrency through the shared store.
// When the store is unreachable it degrades to conservative process-local
// pacing rather than letting workers run unthrottled.
type Limiter struct {
	store      coord.Store
	configs    map[string]models.RateLimitConfig
	overrides  sync.Map // domain -> time.Duration, robots crawl-delay floor
	fallback   sync.Map // domain -> *rate.Limiter
	localSlots sync.Map // domain -> *atomic.Int64, slots held without a store counter
	logger     *slog.Logger
}

// New builds a limiter. configs maps registrable domains to overrides;
// everything else gets the conservative default.
func New(store coord.Store, configs map[string]models.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if configs == nil {
		configs = map[string]models.RateLimitConfig{}
	}
	return &Limiter{store: store, configs: configs, logger: logger}
}

// GetConfig returns the effective policy for a registrable domain. A
// robots-declared crawl delay raises MinDelay but never lowers it.
func (l *Limiter) GetConfig(domain string) models.RateLimitConfig {
	cfg, ok := l.configs[domain]
	if !ok {
		cfg = models.DefaultRateLimit()
	}
	if v, ok := l.overrides.Load(domain); ok {
		if d := v.(time.Duration); d > cfg.MinDelay {
			cfg.MinDelay = d
		}
	}
	return cfg
}

// EnsureMinDelay records a crawl-delay floor for a domain.
func (l *Limiter) EnsureMinDelay(domain string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.overrides.Store(domain, d)
}

// Acquire blocks until the domain budget permits one request. The caller
// must Release the slot when the request finishes.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	cfg := l.GetConfig(domain)

	if err := l.acquireSlot(ctx, domain, cfg); err != nil {
		return err
	}
	if err := l.awaitSpacing(ctx, domain, cfg); err != nil {
		l.releaseSlot(ctx, domain)
		return err
	}
	return nil
}

// Release frees the concurrency slot taken by Acquire.
func (l *Limiter) Release(ctx context.Context, domain string) {
	l.releaseSlot(ctx, domain)
}

func (l *Limiter) acquireSlot(ctx context.Context, domain string, cfg models.RateLimitConfig) error {
	key := "rl:conc:" + domain
	for {
		n, err := l.store.Incr(ctx, key, slotTTL)
		if err != nil {
			// No store counter was taken; the matching Release must not
			// Decr a recovered store below zero.
			l.localDebt(domain).Add(1)
			return l.acquireLocal(ctx, domain, cfg)
		}
		if n <= int64(cfg.MaxConcurrent) {
			return nil
		}
		if _, derr := l.store.Decr(ctx, key); derr != nil {
			l.logger.Warn("rate limiter slot release failed", "domain", domain, "error", derr)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Limiter) releaseSlot(ctx context.Context, domain string) {
	debt := l.localDebt(domain)
	if debt.Add(-1) >= 0 {
		return
	}
	debt.Add(1)
	if _, err := l.store.Decr(ctx, "rl:conc:"+domain); err != nil {
		l.logger.Warn("rate limiter slot release failed", "domain", domain, "error", err)
	}
}

func (l *Limiter) localDebt(domain string) *atomic.Int64 {
	v, ok := l.localSlots.Load(domain)
	if !ok {
		v, _ = l.localSlots.LoadOrStore(domain, new(atomic.Int64))
	}
	return v.(*atomic.Int64)
}

// awaitSpacing owns the next send slot by creating a key that lives exactly
// MinDelay: whoever creates it may send; everyone else waits out its TTL.
func (l *Limiter) awaitSpacing(ctx context.Context, domain string, cfg models.RateLimitConfig) error {
	key := "rl:slot:" + domain
	for {
		ok, err := l.store.SetNX(ctx, key, "1", cfg.MinDelay)
		if err != nil {
			return l.acquireLocal(ctx, domain, cfg)
		}
		if ok {
			return nil
		}
		wait, err := l.store.TTL(ctx, key)
		if err != nil || wait <= 0 {
			wait = 50 * time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acquireLocal is the degradation path: the shared store is down, so pace
// locally at the configured rate. Collectively workers may exceed the
// budget; each one alone stays conservative.
func (l *Limiter) acquireLocal(ctx context.Context, domain string, cfg models.RateLimitConfig) error {
	v, ok := l.fallback.Load(domain)
	if !ok {
		rps := cfg.RequestsPerSecond
		if rps <= 0 {
			rps = 0.5
		}
		v, _ = l.fallback.LoadOrStore(domain, rate.NewLimiter(rate.Limit(rps), 1))
		l.logger.Warn("coordination store unavailable, using local rate limit", "domain", domain)
	}
	return v.(*rate.Limiter).Wait(ctx)
}

// RegistrableDomain resolves the eTLD+1 for a URL.
func RegistrableDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url has no host: %s", rawURL)
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("registrable domain for %s: %w", host, err)
	}
	return domain, nil
}
