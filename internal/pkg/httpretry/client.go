// Package httpretry wraps an HTTP client with bounded retries for
// calls to external control-plane APIs. The fleet drivers use it so a
// single throttled or flapping orchestrator response does not abort a
// reconcile cycle.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// HTTPDoer executes one HTTP request. *http.Client satisfies it, and so
// does *RetryClient, so clients can be layered.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// retryableStatuses are the reply codes worth a second try: throttling
// and transient upstream failure. Everything else, success or client
// error, goes straight back to the caller.
var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

func isRetryableStatus(statusCode int) bool {
	_, ok := retryableStatuses[statusCode]
	return ok
}

// RetryClient retries failed requests with capped exponential backoff
// and full jitter.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryClient wraps client with retry behavior. A nil client gets a
// plain http.Client with a 30s timeout; maxRetries is the number of
// re-attempts after the first request (3 when not positive).
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryClient{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
}

// Do sends the request, retrying transport errors and retryable status
// codes until the attempt budget runs out. The request context stops
// the retry loop at any point. When the final attempt still yields a
// retryable status, that response is returned unconsumed so the caller
// can report its code and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 0 {
			if err := rc.rewindBody(req); err != nil {
				return nil, err
			}
			delay := rc.calculateDelay(attempt)
			log.Printf("[HTTPRetry] Attempt %d/%d for %s %s%s in %s",
				attempt, rc.maxRetries, req.Method, req.URL.Host, req.URL.Path, delay)
			if err := sleep(req, delay); err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			// Transport-level failure. Likely transient; try again.
			lastErr = err
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if attempt == rc.maxRetries {
			return resp, nil
		}

		// Drain so the underlying connection can be reused.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// rewindBody restores the request body before a re-send. Requests built
// from a bytes.Reader or similar carry GetBody; a request without one
// and without a body retries as-is.
func (rc *RetryClient) rewindBody(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpretry: rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

// sleep waits out the backoff delay, aborting early when the request's
// context ends.
func sleep(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

// calculateDelay picks the wait before the given attempt: full jitter
// over an exponential curve, capped at maxDelay, with a 100ms floor so
// near-zero draws cannot busy-loop.
func (rc *RetryClient) calculateDelay(attempt int) time.Duration {
	ceiling := float64(rc.baseDelay) * math.Pow(2, float64(attempt-1))
	if ceiling > float64(rc.maxDelay) {
		ceiling = float64(rc.maxDelay)
	}
	d := time.Duration(rand.Float64() * ceiling)
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}
