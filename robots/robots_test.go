package robots

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
)

func testPolicy(t *testing.T) (*Policy, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	client := &http.Client{Transport: transport}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(client, "ammoharvest-bot", logger), transport
}

func TestIsAllowedHonorsDisallow(t *testing.T) {
	p, transport := testPolicy(t)
	transport.RegisterResponder("GET", "https://ammoking.com/robots.txt",
		httpmock.NewStringResponder(200, "User-agent: *\nDisallow: /cart\n"))

	ctx := context.Background()
	if !p.IsAllowed(ctx, "https://ammoking.com/p/federal-9mm") {
		t.Fatal("product page should be allowed")
	}
	if p.IsAllowed(ctx, "https://ammoking.com/cart/checkout") {
		t.Fatal("disallowed path was allowed")
	}
}

func TestIsAllowedFailClosedOnFetchError(t *testing.T) {
	p, transport := testPolicy(t)
	transport.RegisterResponder("GET", "https://ammoking.com/robots.txt",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	if p.IsAllowed(context.Background(), "https://ammoking.com/p/1") {
		t.Fatal("unreachable robots.txt must deny")
	}
}

func TestIsAllowedFailClosedOn5xx(t *testing.T) {
	p, transport := testPolicy(t)
	transport.RegisterResponder("GET", "https://ammoking.com/robots.txt",
		httpmock.NewStringResponder(503, "maintenance"))

	if p.IsAllowed(context.Background(), "https://ammoking.com/p/1") {
		t.Fatal("5xx robots.txt must deny")
	}
}

func TestIsAllowedMissingRobotsAllows(t *testing.T) {
	p, transport := testPolicy(t)
	transport.RegisterResponder("GET", "https://ammoking.com/robots.txt",
		httpmock.NewStringResponder(404, "not found"))

	if !p.IsAllowed(context.Background(), "https://ammoking.com/p/1") {
		t.Fatal("404 means no robots file: allowed")
	}
}

func TestIsAllowedBadURL(t *testing.T) {
	p, _ := testPolicy(t)
	if p.IsAllowed(context.Background(), "not a url") {
		t.Fatal("unparseable url allowed")
	}
}

func TestIsAllowedCachesPerHost(t *testing.T) {
	p, transport := testPolicy(t)
	calls := 0
	transport.RegisterResponder("GET", "https://ammoking.com/robots.txt",
		func(req *http.Request) (*http.Response, error) {
			calls++
			return httpmock.NewStringResponse(200, "User-agent: *\nAllow: /\n"), nil
		})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p.IsAllowed(ctx, "https://ammoking.com/p/1")
	}
	if calls != 1 {
		t.Fatalf("robots fetched %d times, want 1", calls)
	}
}

func TestFailureCacheExpiresSooner(t *testing.T) {
	p, transport := testPolicy(t)
	calls := 0
	transport.RegisterResponder("GET", "https://ammoking.com/robots.txt",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(500, "boom"), nil
			}
			return httpmock.NewStringResponse(200, "User-agent: *\nAllow: /\n"), nil
		})

	now := time.Now()
	p.now = func() time.Time { return now }

	ctx := context.Background()
	if p.IsAllowed(ctx, "https://ammoking.com/p/1") {
		t.Fatal("first check should deny")
	}

	// Still inside the failure cache window.
	now = now.Add(time.Minute)
	if p.IsAllowed(ctx, "https://ammoking.com/p/1") {
		t.Fatal("failure should stay cached")
	}

	// Past the failure TTL the next check refetches and allows.
	now = now.Add(failCacheTTL)
	if !p.IsAllowed(ctx, "https://ammoking.com/p/1") {
		t.Fatal("recovered robots.txt should allow")
	}
}

func TestCrawlDelay(t *testing.T) {
	p, transport := testPolicy(t)
	transport.RegisterResponder("GET", "https://ammoking.com/robots.txt",
		httpmock.NewStringResponder(200, "User-agent: *\nCrawl-delay: 4\n"))

	d, ok := p.CrawlDelay(context.Background(), "ammoking.com")
	if !ok {
		t.Fatal("crawl delay not reported")
	}
	if d != 4*time.Second {
		t.Fatalf("delay = %s, want 4s", d)
	}

	p2, transport2 := testPolicy(t)
	transport2.RegisterResponder("GET", "https://other.com/robots.txt",
		httpmock.NewStringResponder(200, "User-agent: *\nAllow: /\n"))
	if _, ok := p2.CrawlDelay(context.Background(), "other.com"); ok {
		t.Fatal("crawl delay reported where none declared")
	}
}
