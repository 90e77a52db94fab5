package metrics

import (
	"time"
)

// Timer is a one-time-use tool for recording time between a start and end point
type Timer struct {
	before int64
	after  int64
}

// StartNewTimer creates a new Timer
func StartNewTimer() *Timer {
	return &Timer{time.Now().UnixNano(), 0}
}

// StopAndRecordExecTime uses milliseconds.
// It ends a timer and records its delta in the gateway exec time summary.
func (timer *Timer) StopAndRecordExecTime(operation string, hadError bool) {
	timer.stop()
	execTime.With(getErrorLabels(operation, hadError)).Observe(timer.timeElapsed())
}

// Elapsed returns the time since the timer started, or the measured span once stopped.
func (timer *Timer) Elapsed() time.Duration {
	if timer.after == 0 {
		return time.Duration(time.Now().UnixNano() - timer.before)
	}
	return time.Duration(timer.after - timer.before)
}

func (timer *Timer) stop() {
	timer.after = time.Now().UnixNano()
}

// timeElapsed returns milliseconds
func (timer *Timer) timeElapsed() float64 {
	if timer.after == 0 {
		timer.stop()
	}
	millisecondDifference := float64(timer.after-timer.before) / 1000000.0
	return millisecondDifference
}
