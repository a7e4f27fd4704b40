// Package robots answers "may we fetch this URL" from robots.txt,
// fail-closed: when the file cannot be fetched or parsed the URL is
// disallowed, never allowed-by-default.
package robots

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/temoto/robotstxt"
)

const (
	cacheSize    = 512
	cacheTTL     = 1 * time.Hour
	failCacheTTL = 5 * time.Minute
	fetchTimeout = 10 * time.Second
	maxBodySize  = 512 << 10
)

type cacheEntry struct {
	data      *robotstxt.RobotsData // nil means fetch/parse failed: deny
	fetchedAt time.Time
	ttl       time.Duration
}

// Policy checks URLs against cached per-host robots.txt groups.
type Policy struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
	now   func() time.Time
}

// New builds a policy using the given client (nil for a default) and the
// user-agent the fetcher sends, so group matching is consistent.
func New(client *http.Client, userAgent string, logger *slog.Logger) *Policy {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, cacheEntry](cacheSize)
	return &Policy{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		cache:     cache,
		now:       time.Now,
	}
}

// IsAllowed reports whether the URL may be fetched. Unparseable URLs and
// robots failures are disallowed.
func (p *Policy) IsAllowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	data := p.robotsFor(ctx, u.Scheme, u.Host)
	if data == nil {
		return false
	}
	group := data.FindGroup(p.userAgent)
	if group == nil {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

// CrawlDelay returns the robots-declared crawl delay for a host, or false
// when none is declared or robots is unavailable.
func (p *Policy) CrawlDelay(ctx context.Context, host string) (time.Duration, bool) {
	data := p.robotsFor(ctx, "https", host)
	if data == nil {
		return 0, false
	}
	group := data.FindGroup(p.userAgent)
	if group == nil || group.CrawlDelay <= 0 {
		return 0, false
	}
	return group.CrawlDelay, true
}

func (p *Policy) robotsFor(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	p.mu.Lock()
	if entry, ok := p.cache.Get(host); ok && p.now().Sub(entry.fetchedAt) < entry.ttl {
		p.mu.Unlock()
		return entry.data
	}
	p.mu.Unlock()

	data := p.fetch(ctx, scheme, host)

	ttl := cacheTTL
	if data == nil {
		ttl = failCacheTTL
	}
	p.mu.Lock()
	p.cache.Add(host, cacheEntry{data: data, fetchedAt: p.now(), ttl: ttl})
	p.mu.Unlock()
	return data
}

func (p *Policy) fetch(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	robotsURL := scheme + "://" + host + "/robots.txt"

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("robots.txt fetch failed, denying", "host", host, "error", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		p.logger.Warn("robots.txt read failed, denying", "host", host, "error", err)
		return nil
	}

	// 4xx means "no robots file": allowed per the standard. 5xx and parse
	// failures deny.
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		p.logger.Warn("robots.txt parse failed, denying", "host", host, "error", err)
		return nil
	}
	return data
}
