//file: internal/relay/backoff.go

package relay

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"mqtt-kafka-bridge/config"
)

// Backoff yields exponentially growing delays capped at a maximum. It is not
// safe for concurrent use; each connect loop owns its own.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	next       time.Duration
}

func NewBackoff(cfg config.RetryConfig) *Backoff {
	b := &Backoff{
		initial:    cfg.InitialDelay,
		max:        cfg.MaxDelay,
		multiplier: cfg.Multiplier,
	}
	if b.initial <= 0 {
		b.initial = time.Second
	}
	if b.max < b.initial {
		b.max = b.initial
	}
	if b.multiplier < 1 {
		b.multiplier = 1
	}
	b.next = b.initial
	return b
}

// Next returns the delay to wait before the coming attempt and advances the
// schedule. Successive values never decrease and never exceed the cap.
func (b *Backoff) Next() time.Duration {
	d := b.next
	grown := float64(b.next) * b.multiplier
	if grown >= float64(b.max) {
		b.next = b.max
	} else {
		b.next = time.Duration(grown)
	}
	return d
}

// Reset returns the schedule to the initial delay.
func (b *Backoff) Reset() {
	b.next = b.initial
}

// sleep waits for d on clk, returning early with ctx's error on cancellation.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
