package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
)

// RetryConfig controls the retry wrapper.
type RetryConfig struct {
	MaxAttempts int
	// MaxBackoff caps the wait between attempts, in seconds.
	MaxBackoff  float64
	JitterRatio float64
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 5,
		MaxBackoff:  10.0,
		JitterRatio: 0.1,
	}
}

type retryProvider struct {
	Provider
	config *RetryConfig
}

// CreateWithRetry wraps p so transient failures (rate limits, 5xx, network
// errors) are retried with exponential backoff.
func CreateWithRetry(p Provider, cfg *RetryConfig) Provider {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &retryProvider{Provider: p, config: cfg}
}

func (r *retryProvider) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = time.Duration(r.config.MaxBackoff * float64(time.Second))
	if eb.InitialInterval > eb.MaxInterval {
		eb.InitialInterval = eb.MaxInterval
	}
	eb.RandomizationFactor = r.config.JitterRatio
	eb.MaxElapsedTime = 0

	attempts := r.config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

func (r *retryProvider) AskNonStreaming(ctx context.Context, prompt string) (string, error) {
	var (
		reply    string
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		reply, err = r.Provider.AskNonStreaming(ctx, prompt)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		log.Warnf("%s request failed (attempt %d/%d): %v", r.Provider.Name(), attempts, r.config.MaxAttempts, err)
		return err
	}

	err := backoff.Retry(op, r.newBackOff(ctx))
	if err == nil {
		return reply, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if isRetryableError(err) {
		return "", fmt.Errorf("max retries exceeded after %d attempts: %w", attempts, err)
	}
	return "", err
}

// isRetryableError reports whether err looks transient.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "500", "502", "503", "504", "timeout", "connection refused", "connection reset", "too many requests"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
