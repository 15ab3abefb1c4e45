package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/enterprise/fraud-investigator/configs"
)

// ErrSinkUnavailable marks a verdict POST that failed after all retries.
// The sink is idempotent on caseId, so the caller still advances the stream.
var ErrSinkUnavailable = errors.New("sink_unavailable")

// Publisher POSTs verdicts to the case-management sink with bounded retries
// and a circuit breaker.
type Publisher struct {
	cfg     configs.SinkConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewPublisher(cfg configs.SinkConfig) *Publisher {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "verdict-sink",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Publisher{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

// Publish POSTs the payload, retrying transient failures with exponential
// backoff. Returns ErrSinkUnavailable once attempts are exhausted.
func (p *Publisher) Publish(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode verdict payload: %w", err)
	}

	backoff := p.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrSinkUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		_, lastErr = p.breaker.Execute(func() (interface{}, error) {
			return nil, p.post(ctx, body)
		})
		if lastErr == nil {
			log.Info().Str("caseId", payload.CaseID).Str("status", payload.Status).
				Float64("confidence", payload.ConfidenceScore).Msg("Verdict published")
			return nil
		}

		log.Warn().Err(lastErr).Str("caseId", payload.CaseID).Int("attempt", attempt+1).
			Msg("Verdict publish attempt failed")
	}

	return fmt.Errorf("%w: %v", ErrSinkUnavailable, lastErr)
}

func (p *Publisher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sink returned status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
