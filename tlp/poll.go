package tlp

import (
	"context"
	"fmt"
)

// DefaultMaxSpins bounds every status poll unless configured otherwise.
const DefaultMaxSpins = 1 << 16

// Poller spins on a condition. A MaxSpins of zero or less spins until the
// condition holds or the context ends.
type Poller struct {
	MaxSpins int
}

// Until evaluates cond until it returns true. It returns the number of
// evaluations and ErrPollBound if the bound or the context ran out first.
func (p Poller) Until(ctx context.Context, cond func() bool) (int, error) {
	spins := 0

	for p.MaxSpins <= 0 || spins < p.MaxSpins {
		spins++

		if cond() {
			return spins, nil
		}

		if err := ctx.Err(); err != nil {
			return spins, fmt.Errorf("%w: %w", ErrPollBound, err)
		}
	}

	return spins, fmt.Errorf("%w: %d spins", ErrPollBound, spins)
}
