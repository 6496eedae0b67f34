// internal/pipeline/reconnect.go
package pipeline

import (
	"math/rand/v2"
	"time"

	"sensor-reader/internal/config"
)

// ReconnectStrategy decides whether and when to start another session after
// a failed one. attempt counts consecutive failures, starting at 1.
type ReconnectStrategy interface {
	Next(attempt int, err error) (time.Duration, bool)
}

// Backoff retries with exponentially growing delays. MaxAttempts of zero
// retries forever.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool
}

// Next returns the delay before the next session
func (b Backoff) Next(attempt int, err error) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}

	initial := b.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := b.MaxDelay
	if maxDelay < initial {
		maxDelay = initial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(initial)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if delay >= float64(maxDelay) {
			delay = float64(maxDelay)
			break
		}
	}

	d := time.Duration(delay)
	if b.Jitter && d >= 4 {
		// up to 25% extra
		d += time.Duration(rand.Int64N(int64(d / 4)))
	}
	return d, true
}

// Once never reconnects; the caller is expected to restart the process
type Once struct{}

// Next always declines
func (Once) Next(int, error) (time.Duration, bool) {
	return 0, false
}

// StrategyFromConfig builds the strategy selected by stream.reconnect.mode
func StrategyFromConfig(cfg config.ReconnectConfig) ReconnectStrategy {
	if cfg.Mode == config.ReconnectOnce {
		return Once{}
	}
	return Backoff{
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
		MaxAttempts:  cfg.MaxAttempts,
		Jitter:       cfg.Jitter,
	}
}
