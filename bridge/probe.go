package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sarchlab/usb4bridge/tlp"
)

// ErrProbeExhausted is returned when every probe attempt failed.
var ErrProbeExhausted = errors.New("bridge: probe attempts exhausted")

// ProbePolicy bounds how Probe re-issues a failed configuration read.
type ProbePolicy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
}

// DefaultProbePolicy retries four times starting at 1ms.
var DefaultProbePolicy = ProbePolicy{
	Attempts: 4,
	Min:      time.Millisecond,
	Max:      50 * time.Millisecond,
	Factor:   2,
}

// Probe reads the identity dword of a function, re-issuing the read with an
// increasing back-off while it fails. The transaction engine itself never
// retries.
func (b *Bridge) Probe(ctx context.Context, cfg tlp.ConfigAddress) ([4]byte, error) {
	p := b.probe
	bo := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor}

	attempts := max(p.Attempts, 1)

	var lastErr error

	for attempt := 1; ; attempt++ {
		data, _, err := b.ReadConfig(ctx, tlp.Type0, cfg, tlp.AllBytes)
		if err == nil {
			return data, nil
		}

		if ctx.Err() != nil {
			return data, err
		}

		lastErr = err
		if attempt == attempts {
			break
		}

		wait := bo.Duration()

		b.logger.Info("probe failed, retrying",
			"function", cfg.String(), "attempt", attempt, "wait", wait, "err", err)

		if err := b.delayer.Delay(ctx, wait); err != nil {
			return data, err
		}
	}

	return [4]byte{}, fmt.Errorf("%w: %s: %w", ErrProbeExhausted, cfg, lastErr)
}
