package relay

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for best-effort relay calls.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig retries result submission briefly so it never holds up
// the heartbeat loop for long.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialDelay:    250 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	}
}

// NoRetry sends each request exactly once.
func NoRetry() RetryConfig { return RetryConfig{} }

// doWithRetry executes a request built from body, retrying transport errors
// and retryable status codes. The final response (or error) is returned.
func doWithRetry(ctx context.Context, client HTTPClient, cfg RetryConfig, build func(io.Reader) (*http.Request, error), body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		req, err := build(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < cfg.MaxRetries && ctx.Err() == nil {
				delay := cfg.delay(attempt)
				log.Debug().
					Err(err).
					Int("attempt", attempt+1).
					Dur("delay", delay).
					Str("url", req.URL.String()).
					Msg("Relay request failed, retrying")
				if !sleepCtx(ctx, delay) {
					return nil, lastErr
				}
				continue
			}
			return nil, lastErr
		}

		if cfg.shouldRetry(resp.StatusCode) && attempt < cfg.MaxRetries {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			delay := cfg.delay(attempt)
			log.Debug().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Str("url", req.URL.String()).
				Msg("Relay returned retryable status, retrying")
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c RetryConfig) shouldRetry(statusCode int) bool {
	for _, code := range c.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// delay is exponential backoff with +-25% jitter, capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
