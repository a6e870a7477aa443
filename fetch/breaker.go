package fetch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker around a fetcher.
type BreakerConfig struct {
	// Name shown in logs.
	Name string
	// Requests let through while half-open.
	MaxRequests uint32
	// Window after which failure counts reset while closed. Zero means never.
	Interval time.Duration
	// How long the breaker stays open before going half-open.
	Timeout time.Duration
	// Consecutive failures that open the breaker.
	Failures uint32
}

// DefaultBreakerConfig returns the settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:        "origin",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		Failures:    5,
	}
}

// Breaker stops calling a failing fetcher for a while.
// While open, Fetch fails fast with gobreaker.ErrOpenState.
type Breaker struct {
	next Fetcher
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next in a circuit breaker.
// A nil logger means the global zerolog logger.
func NewBreaker(next Fetcher, config BreakerConfig, logger *zerolog.Logger) *Breaker {
	if logger == nil {
		logger = &log.Logger
	}
	l := logger.With().Str("component", "breaker").Logger()
	failures := config.Failures
	if failures == 0 {
		failures = 1
	}
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// a cancelled caller says nothing about the origin
		IsSuccessful: func(err error) bool {
			return err == nil || err == context.Canceled
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	}
	return &Breaker{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *Breaker) Fetch(ctx context.Context, key string) ([]byte, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Fetch(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

var _ Fetcher = (*Breaker)(nil)
