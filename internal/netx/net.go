// Package netx wraps outbound HTTP calls made by signers: bounded
// exponential retries on transport errors and 5xx responses.
package netx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a call failing with this status may be retried.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// RetryPolicy bounds the retries of Do.
type RetryPolicy struct {
	Retries         int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries twice, starting at 200ms.
var DefaultRetryPolicy = RetryPolicy{Retries: 2, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do sends the request built by newRequest and returns the body of a 2xx
// response. newRequest is called once per attempt so bodies can be replayed.
// 4xx responses are returned at once as *StatusError.
func Do(ctx context.Context, client *http.Client, policy RetryPolicy, newRequest func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var body []byte
	op := func() error {
		req, err := newRequest(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			se := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(b), 256)}
			if se.Retryable() {
				return se
			}
			return backoff.Permanent(se)
		}
		body = b
		return nil
	}

	if err := backoff.Retry(op, policy.backOff(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// Get fetches url with retries.
func Get(ctx context.Context, client *http.Client, policy RetryPolicy, url string) ([]byte, error) {
	return Do(ctx, client, policy, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
