package reencryption

import (
	"time"

	"github.com/ledgerwatch/log/v3"
)

// throttle implements the three-axis back-pressure evaluated by the
// Coordinator at the point a Batch is submitted. Axes 1 and 2 are simple
// threshold checks against live pool/handler state; axis 3 needs the
// wall/locked stopwatch pair because the read-lock share is measured,
// not thresholded.
type throttle struct {
	cfg    *Config
	clock  Clock
	logger log.Logger

	wall   Stopwatch
	locked time.Duration // accumulated since the last reset

	cores int
}

func newThrottle(cfg *Config, clock Clock, logger log.Logger, cores int) *throttle {
	if cores <= 0 {
		cores = 1
	}
	return &throttle{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		wall:   clock.NewStopwatch(),
		cores:  cores,
	}
}

// recordLockHold adds d to the accumulated locked time for the current
// window. Called by the Coordinator immediately after releasing the
// namespace read lock, with the duration it was held.
func (t *throttle) recordLockHold(d time.Duration) {
	t.locked += d
}

// poolSaturationSleep returns the sleep slice for axis 1: if the pool's
// queued task count is at or above the core count, sleep 100ms.
func (t *throttle) poolSaturationSleep(queuedTasks int) time.Duration {
	if queuedTasks >= t.cores {
		return 100 * time.Millisecond
	}
	return 0
}

// updaterBacklogSleep returns the sleep slice for axis 2: if total tasks
// across all ZSTs reach 2x the core count, sleep 500ms.
func (t *throttle) updaterBacklogSleep(totalPendingTasks int) time.Duration {
	if totalPendingTasks >= 2*t.cores {
		return 500 * time.Millisecond
	}
	return 0
}

// readLockShareSleep returns the sleep needed for axis 3 so that the
// share of wall time spent holding the read lock does not exceed
// ThrottleRatio, or 0 if currently within budget.
func (t *throttle) readLockShareSleep() time.Duration {
	wallElapsed := t.wall.Elapsed()
	if wallElapsed <= 0 {
		return 0
	}
	share := float64(t.locked) / float64(wallElapsed)
	if share <= t.cfg.ThrottleRatio {
		return 0
	}
	// Solve for the wall time needed so locked/wall == ThrottleRatio:
	// neededWall = locked / ratio; sleep = neededWall - wallElapsed.
	neededWall := time.Duration(float64(t.locked) / t.cfg.ThrottleRatio)
	sleep := neededWall - wallElapsed
	if sleep < 0 {
		return 0
	}
	return sleep
}

// reset zeroes both stopwatches, done after each throttle cycle.
func (t *throttle) reset() {
	t.wall.Reset()
	t.locked = 0
}

// run evaluates the three axes in order, sleeping in fixed slices for
// axes 1 and 2 (re-querying the live counts via
// queuedTasksFn/totalPendingFn so a long stall elsewhere doesn't strand a
// stale reading) and the full computed excess for axis 3. Returns the
// total time slept, for the ThrottleSleep metric.
func (t *throttle) run(sleeper func(time.Duration), queuedTasksFn func() int, totalPendingFn func() int) time.Duration {
	var slept time.Duration

	for d := t.poolSaturationSleep(queuedTasksFn()); d > 0; d = t.poolSaturationSleep(queuedTasksFn()) {
		sleeper(d)
		slept += d
		ThrottleSleep.WithLabelValues("pool_saturation").Add(d.Seconds())
	}

	for d := t.updaterBacklogSleep(totalPendingFn()); d > 0; d = t.updaterBacklogSleep(totalPendingFn()) {
		sleeper(d)
		slept += d
		ThrottleSleep.WithLabelValues("updater_backlog").Add(d.Seconds())
	}

	if d := t.readLockShareSleep(); d > 0 {
		sleeper(d)
		slept += d
		ThrottleSleep.WithLabelValues("read_lock_share").Add(d.Seconds())
	}

	t.reset()
	return slept
}
