package controller

import (
	"errors"

	"github.com/sony/gobreaker"

	"github.com/kokistudios/evolve/internal/metrics"
	"github.com/kokistudios/evolve/internal/ui"
	"github.com/kokistudios/evolve/internal/verify"
)

var errVerifyErrored = errors.New("verification errored")

// erroredBreaker trips after threshold consecutive Errored verifications.
// Passed and Failed outcomes count as successes and reset the streak.
type erroredBreaker struct {
	cb     *gobreaker.CircuitBreaker
	streak uint32
}

func newErroredBreaker(threshold int) *erroredBreaker {
	if threshold < 1 {
		threshold = 1
	}
	limit := uint32(threshold)
	return &erroredBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "verification",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= limit
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if to == gobreaker.StateOpen {
					metrics.Get().BreakerTrips.Inc()
					ui.Logger.Error("circuit breaker opened", "breaker", name, "threshold", limit)
				}
			},
		}),
	}
}

// record feeds one verification outcome into the breaker.
func (b *erroredBreaker) record(outcome verify.Outcome) {
	if outcome == verify.Errored {
		b.streak++
	} else {
		b.streak = 0
	}
	_, _ = b.cb.Execute(func() (interface{}, error) {
		if outcome == verify.Errored {
			return nil, errVerifyErrored
		}
		return nil, nil
	})
	metrics.Get().ConsecutiveErrored.Set(float64(b.streak))
}

func (b *erroredBreaker) open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// consecutive is the current run of Errored outcomes. gobreaker clears its
// own counts when it changes state, so the streak is tracked here.
func (b *erroredBreaker) consecutive() uint32 {
	return b.streak
}
