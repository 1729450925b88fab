package reencryption

import "time"

// Clock supplies monotonic stopwatches to the throttle. The default
// implementation wraps time.Now/time.Since; tests substitute a fake to
// make the read-lock-share axis deterministic.
type Clock interface {
	NewStopwatch() Stopwatch
}

// Stopwatch tracks elapsed time since the last Reset.
type Stopwatch interface {
	Elapsed() time.Duration
	Reset()
}

type systemClock struct{}

// SystemClock is the production Clock, backed by time.Now.
var SystemClock Clock = systemClock{}

func (systemClock) NewStopwatch() Stopwatch {
	return &wallStopwatch{start: time.Now()}
}

type wallStopwatch struct {
	start time.Time
}

func (w *wallStopwatch) Elapsed() time.Duration { return time.Since(w.start) }
func (w *wallStopwatch) Reset()                 { w.start = time.Now() }
