// Package fetch retrieves raw HTML for target URLs. The concrete fetcher is
// swappable; anything needing a browser plugs in behind the same interface.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"time"
)

// Status is the outcome class of one fetch. Every failure mode surfaces as
// a status on the result, never as a panic or a bare error.
type Status string

const (
	StatusOK            Status = "ok"
	StatusError         Status = "error"
	StatusBlocked       Status = "blocked"
	StatusTimeout       Status = "timeout"
	StatusTooLarge      Status = "too_large"
	StatusRobotsBlocked Status = "robots_blocked"
)

// Result is the complete outcome of one fetch attempt.
type Result struct {
	Status      Status
	StatusCode  int
	HTML        string
	ContentHash string
	Err         error
	DurationMs  int64
}

// Options bounds one fetch.
type Options struct {
	Timeout time.Duration
	MaxSize int64
}

const (
	// DefaultTimeout is the hard per-request timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxSize caps the response body at 10MB.
	DefaultMaxSize = 10 << 20

	// UserAgent identifies the bot on every request so retailers can permit
	// or throttle it explicitly.
	UserAgent = "ammoharvest-bot/1.0 (+https://ammoharvest.example/bot)"

	acceptHeader   = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.5"
)

// DefaultOptions returns the contract defaults.
func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout, MaxSize: DefaultMaxSize}
}

// Fetcher retrieves one page. Implementations must enforce the timeout and
// size bounds in opts and must never panic; all failures are statuses.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts Options) Result
}

// HTTPFetcher is the plain-HTTP fetcher. It performs no retries; retry
// policy belongs to the caller.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher wraps an HTTP client. Pass nil for a default client; the
// per-request timeout comes from Options either way.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client}
}

// Fetch GETs the URL with identifying headers and returns a Result.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, opts Options) Result {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}

	start := time.Now()
	done := func(r Result) Result {
		r.DurationMs = time.Since(start).Milliseconds()
		return r
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return done(Result{Status: StatusError, Err: err})
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", acceptLanguage)

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return done(Result{Status: StatusTimeout, Err: err})
		}
		return done(Result{Status: StatusError, Err: err})
	}
	defer resp.Body.Close()

	if blockedStatus(resp.StatusCode) {
		return done(Result{Status: StatusBlocked, StatusCode: resp.StatusCode})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return done(Result{Status: StatusError, StatusCode: resp.StatusCode})
	}

	// Read one byte past the cap to distinguish at-limit from over-limit.
	body, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxSize+1))
	if err != nil {
		if isTimeout(err) {
			return done(Result{Status: StatusTimeout, StatusCode: resp.StatusCode, Err: err})
		}
		return done(Result{Status: StatusError, StatusCode: resp.StatusCode, Err: err})
	}
	if int64(len(body)) > opts.MaxSize {
		return done(Result{Status: StatusTooLarge, StatusCode: resp.StatusCode})
	}

	sum := sha256.Sum256(body)
	return done(Result{
		Status:      StatusOK,
		StatusCode:  resp.StatusCode,
		HTML:        string(body),
		ContentHash: hex.EncodeToString(sum[:]),
	})
}

func blockedStatus(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusUnavailableForLegalReasons:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
