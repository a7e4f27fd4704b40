package fetch

import (
	"context"
	"time"

	"ammoharvest/models"
)

// WithRetry fetches the URL, re-attempting per the policy when the response
// status code is retryable (429/5xx) or the request timed out. The last
// attempt's result is returned either way.
func WithRetry(ctx context.Context, f Fetcher, url string, opts Options, policy models.RetryPolicy) Result {
	if policy.MaxAttempts <= 0 {
		policy = models.DefaultRetryPolicy()
	}

	var res Result
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res = f.Fetch(ctx, url, opts)
		if res.Status == StatusOK || !retryable(res, policy) {
			return res
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(policy.Backoff(attempt)):
		case <-ctx.Done():
			return res
		}
	}
	return res
}

func retryable(res Result, policy models.RetryPolicy) bool {
	if res.Status == StatusTimeout {
		return true
	}
	return policy.Retryable(res.StatusCode)
}
