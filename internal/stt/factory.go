package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-gateway/internal/config"
	"github.com/lexiqai/transcription-gateway/internal/observability"
	"github.com/lexiqai/transcription-gateway/internal/resilience"
)

// NewBreaker creates the circuit breaker shared by every session of the
// configured provider, reporting its transitions to metrics
func NewBreaker(cfg *config.Config, logger zerolog.Logger) *resilience.CircuitBreaker {
	breaker := resilience.NewCircuitBreaker(
		cfg.Provider,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		if to == resilience.StateOpen {
			observability.IncrementCircuitBreakerFailures(name)
		}
		logger.Warn().
			Str("service", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	return breaker
}

// BreakerCheck reports the provider as not ready while its breaker is open
func BreakerCheck(breaker *resilience.CircuitBreaker) observability.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		if breaker.GetState() != resilience.StateOpen {
			return true, nil
		}
		_, requests, failures, rate := breaker.GetStats()
		return false, fmt.Errorf("%s circuit open: %d of %d handshakes failed (%.1f%%)", breaker.Name(), failures, requests, rate)
	}
}

// NewFactory returns a Factory for the configured provider.
// All providers built by one factory share breaker.
func NewFactory(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (Factory, error) {
	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	switch cfg.Provider {
	case config.ProviderFireworks:
		opts := FireworksOptions{
			APIKey:  cfg.FireworksAPIKey,
			URL:     cfg.FireworksURL,
			Breaker: breaker,
			Retry:   retry,
			Logger:  logger,
		}
		if _, err := NewFireworksClient(opts); err != nil {
			return nil, err
		}
		return func() Provider {
			client, _ := NewFireworksClient(opts)
			return client
		}, nil

	case config.ProviderDeepgram:
		opts := DeepgramOptions{
			APIKey:  cfg.DeepgramAPIKey,
			Model:   cfg.DeepgramModel,
			Breaker: breaker,
			Logger:  logger,
		}
		if _, err := NewDeepgramClient(opts); err != nil {
			return nil, err
		}
		return func() Provider {
			client, _ := NewDeepgramClient(opts)
			return client
		}, nil

	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}
