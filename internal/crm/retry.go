package crm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	retryBase     = 500 * time.Millisecond
	maxRetryAfter = 30 * time.Second
)

// statusError is an HTTP response the CRM may accept on a later attempt.
type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("crm HTTP %d: %s", e.code, e.body)
}

func transient(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// retryAfter parses a Retry-After header given in seconds. Anything else,
// including HTTP dates, yields 0.
func retryAfter(h string) time.Duration {
	n, err := strconv.Atoi(h)
	if err != nil || n <= 0 {
		return 0
	}
	return min(time.Duration(n)*time.Second, maxRetryAfter)
}

// backoff is attempt² × retryBase plus up to half of that as jitter.
func backoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * retryBase
	return base + time.Duration(rand.Int64N(int64(base/2)+1))
}

// doWithRetry sends the request built by newReq, retrying network errors,
// 429 and 5xx up to maxRetries times. A Retry-After hint replaces the
// computed backoff.
func doWithRetry(ctx context.Context, client *http.Client, maxRetries int, newReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = backoff(attempt)
			}
			logger.Debug("retrying crm request", "attempt", attempt+1, "wait", wait, "err", lastErr)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
			wait = 0
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if !transient(resp.StatusCode) {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		se := &statusError{code: resp.StatusCode, body: string(body), retryAfter: retryAfter(resp.Header.Get("Retry-After"))}
		lastErr, wait = se, se.retryAfter
	}
	return nil, fmt.Errorf("crm request failed after %d attempts: %w", maxRetries+1, lastErr)
}
