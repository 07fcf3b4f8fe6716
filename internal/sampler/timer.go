// Package sampler paces sample collection. Sleeps between samples are
// drawn from an exponential distribution so the profiler never locks
// onto a periodic rhythm in the target (aliasing makes hot code
// invisible when the target runs on a schedule resembling the
// profiler's).
package sampler

import (
	"math/rand"
	"time"
)

// Timer yields the sleep before each sample, tracking a cumulative
// desired wakeup against real elapsed time so that time spent taking
// samples is paid back by shorter sleeps.
type Timer struct {
	start   time.Time
	desired time.Duration
	rate    float64
	rng     *rand.Rand
}

// NewTimer creates a timer firing rate times per second on average.
func NewTimer(rate float64) *Timer {
	platformTimerSetup()
	return &Timer{
		start: time.Now(),
		rate:  rate,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Stop releases any platform timer configuration.
func (t *Timer) Stop() {
	platformTimerTeardown()
}

// Tick sleeps until the next sample is due. sleptFor reports how long it
// slept; when sampling has fallen behind schedule, sleptFor is zero and
// behind reports by how much.
func (t *Timer) Tick() (sleptFor, behind time.Duration) {
	elapsed := time.Since(t.start)

	// Draw the gap to the next sample and advance the schedule against
	// which we measure lateness.
	gap := time.Duration(float64(time.Second) * t.rng.ExpFloat64() / t.rate)
	t.desired += gap

	if t.desired > elapsed {
		sleptFor = t.desired - elapsed
		time.Sleep(sleptFor)
		return sleptFor, 0
	}
	return 0, elapsed - t.desired
}
