package retryx

import (
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/phuhao00/pandarpc/config"
	"github.com/phuhao00/pandarpc/infra/breaker"
	"github.com/phuhao00/pandarpc/infra/pool"
)

// ErrRequestTimeout and ErrTransport are shared transport error kinds the
// retry classifier recognizes; the client surfaces them.
var (
	ErrRequestTimeout = errors.New("request timeout")
	ErrTransport      = errors.New("transport error")
)

// retriableSubstrings are the well-known transport failure messages that
// classify an otherwise opaque error as retriable.
var retriableSubstrings = []string{
	"Connection refused",
	"Connection reset",
	"No route to host",
	"connection refused",
	"connection reset",
	"no route to host",
}

// Policy decides whether and when to retry a failed attempt. The caller
// sleeps Delay between attempts and re-enters the whole admission, encode,
// write and await pipeline each time.
type Policy interface {
	// ShouldRetry reports whether attempt (0-based count of failures so
	// far) should be retried given err.
	ShouldRetry(attempt int, err error) bool
	// Delay returns how long to sleep before the given attempt.
	Delay(attempt int) time.Duration
	MaxRetries() int
}

// IsRetriable classifies an error: connect failures, timeouts and transport
// errors retry; business errors never do.
func IsRetriable(err error, retryOnCircuitOpen bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pool.ErrConnectTimeout) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrTransport) {
		return true
	}
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return retryOnCircuitOpen
	}
	msg := err.Error()
	for _, s := range retriableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// FixedPolicy sleeps a constant delay between attempts.
type FixedPolicy struct {
	Retries            int
	DelayPerAttempt    time.Duration
	RetryOnCircuitOpen bool
}

func (p *FixedPolicy) ShouldRetry(attempt int, err error) bool {
	return attempt < p.Retries && IsRetriable(err, p.RetryOnCircuitOpen)
}

func (p *FixedPolicy) Delay(int) time.Duration { return p.DelayPerAttempt }
func (p *FixedPolicy) MaxRetries() int         { return p.Retries }

// ExponentialPolicy sleeps base × multiplier^attempt, capped at MaxDelay.
// The schedule comes from a backoff generator with randomization zeroed, so
// Delay stays a deterministic function of the attempt number as the Policy
// contract requires.
type ExponentialPolicy struct {
	Retries            int
	Base               time.Duration
	Multiplier         float64
	MaxDelay           time.Duration
	RetryOnCircuitOpen bool
}

func (p *ExponentialPolicy) ShouldRetry(attempt int, err error) bool {
	return attempt < p.Retries && IsRetriable(err, p.RetryOnCircuitOpen)
}

func (p *ExponentialPolicy) Delay(attempt int) time.Duration {
	opts := []backoff.ExponentialBackOffOpts{
		backoff.WithInitialInterval(p.Base),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	}
	if p.MaxDelay > 0 {
		opts = append(opts, backoff.WithMaxInterval(p.MaxDelay))
	}
	// The generator is stateful where the Policy contract is a pure function
	// of attempt, so a fresh one is stepped to the requested position.
	b := backoff.NewExponentialBackOff(opts...)
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *ExponentialPolicy) MaxRetries() int { return p.Retries }

// NoRetry never retries.
type NoRetry struct{}

func (NoRetry) ShouldRetry(int, error) bool { return false }
func (NoRetry) Delay(int) time.Duration     { return 0 }
func (NoRetry) MaxRetries() int             { return 0 }

// FromConfig builds the policy named by cfg.Mode.
func FromConfig(cfg config.RetryConfig) Policy {
	if cfg.MaxRetries <= 0 {
		return NoRetry{}
	}
	switch cfg.Mode {
	case "fixed":
		return &FixedPolicy{
			Retries:            cfg.MaxRetries,
			DelayPerAttempt:    cfg.BaseDelay,
			RetryOnCircuitOpen: cfg.RetryOnCircuitOpen,
		}
	default:
		return &ExponentialPolicy{
			Retries:            cfg.MaxRetries,
			Base:               cfg.BaseDelay,
			Multiplier:         cfg.Multiplier,
			MaxDelay:           cfg.MaxDelay,
			RetryOnCircuitOpen: cfg.RetryOnCircuitOpen,
		}
	}
}
