package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrUsageLimit is returned without retries when the account is out of quota.
var ErrUsageLimit = errors.New("API usage limit reached")

// APIError is a non-2xx provider response.
type APIError struct {
	Provider string
	Status   int
	Type     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s %d: %s (type: %s)", e.Provider, e.Status, e.Message, e.Type)
	}
	return fmt.Sprintf("%s %d: %s", e.Provider, e.Status, e.Message)
}

// Retryable reports whether the status is worth another attempt: rate
// limiting and server errors.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
}

func newRetryPolicy(s Settings) retryPolicy {
	return retryPolicy{maxRetries: s.MaxRetries, baseDelay: s.RetryBaseDelay}
}

// run calls op with exponential backoff. op marks terminal failures with
// backoff.Permanent; everything else is retried up to maxRetries times.
func (r retryPolicy) run(ctx context.Context, logger zerolog.Logger, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = r.baseDelay << r.maxRetries
	b.MaxElapsedTime = 0

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxRetries)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, delay time.Duration) {
		attempt++
		logger.Info().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("retrying model call")
	})
	if err != nil && ctx.Err() == nil && attempt >= r.maxRetries && r.maxRetries > 0 {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Retryable() {
			return fmt.Errorf("max retries exceeded: %w", err)
		}
	}
	return err
}

// postJSON sends body and returns the status and full response payload.
// Transport failures are returned as retryable errors.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, backoff.Permanent(ctx.Err())
		}
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// classify wraps apiErr for the retry loop.
func classify(apiErr *APIError) error {
	if apiErr.Retryable() {
		return apiErr
	}
	return backoff.Permanent(apiErr)
}

func rawMessage(data []byte) string {
	return truncateString(string(data), 500)
}
