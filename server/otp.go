package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// CodeSender delivers a one-time code to a user out of band.
type CodeSender interface {
	Send(ctx context.Context, userID, code string) error
}

// HTTPCodeSender delivers codes through the external 2FA web service.
// Delivery is retried until the service accepts it, paced by a rate
// limiter so an outage does not turn into a request flood.
type HTTPCodeSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPCodeSender creates a sender for the given delivery endpoint.
func NewHTTPCodeSender(cfg OTPConfig, apiKey string) *HTTPCodeSender {
	perSecond := cfg.RetryPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	return &HTTPCodeSender{
		endpoint: cfg.Endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Send delivers a code, retrying until the service returns 200 or the
// context is cancelled.
func (s *HTTPCodeSender) Send(ctx context.Context, userID, code string) error {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return fmt.Errorf("failed to parse delivery endpoint: %w", err)
	}
	q := u.Query()
	q.Set("e", userID)
	q.Set("c", code)
	q.Set("a", s.apiKey)
	u.RawQuery = q.Encode()

	for attempt := 1; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("code delivery cancelled: %w", err)
		}

		status, body, err := s.deliver(ctx, u.String())
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("code delivery cancelled: %w", ctx.Err())
			}
			log.Warn().
				Err(err).
				Str("user_id", userID).
				Int("attempt", attempt).
				Msg("Code delivery attempt failed")
			continue
		}
		if status == http.StatusOK {
			// The service's body is logged, never parsed.
			log.Info().
				Str("user_id", userID).
				Int("attempt", attempt).
				Str("body", body).
				Msg("One-time code delivered")
			return nil
		}
		log.Warn().
			Str("user_id", userID).
			Int("status", status).
			Int("attempt", attempt).
			Str("body", body).
			Msg("Code delivery rejected, retrying")
	}
}

func (s *HTTPCodeSender) deliver(ctx context.Context, rawURL string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build delivery request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return 0, "", fmt.Errorf("read delivery response: %w", err)
	}
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}
