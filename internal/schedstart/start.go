// Package schedstart implements the scheduled-start worker of
// spec.md §4.G: arm a one-shot fire against a clock/minute-second
// target, cancellable via a monotonically increasing epoch token.
package schedstart

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"
)

// Scheduler is the subset of the playback scheduler a Starter fires
// into once its target instant arrives.
type Scheduler interface {
	Play()
}

// Starter arms at most one in-flight scheduled start at a time; a new
// Arm (or a Cancel) invalidates any prior one via the epoch token.
type Starter struct {
	now    func() time.Time
	sched  Scheduler
	logger *slog.Logger

	epoch         atomic.Uint64
	latencyCompUs atomic.Int64
}

// New returns a Starter that reads the current instant from now
// (typically an ntpclock.Client's GetNow) and fires sched.Play() on
// arrival.
func New(now func() time.Time, sched Scheduler, logger *slog.Logger) *Starter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Starter{now: now, sched: sched, logger: logger}
}

// SetLatencyCompensation sets the signed microsecond adjustment
// applied to the fire instant (positive fires later, negative
// earlier). It is re-read every worker iteration, so it takes effect
// on any in-flight arm immediately.
func (st *Starter) SetLatencyCompensation(us int64) {
	st.latencyCompUs.Store(us)
}

// Arm computes the next wall instant whose minute/second match (mm,
// ss) against the current reading of now, rolling forward an hour if
// that instant has already passed, and starts a worker that fires
// when it arrives.
func (st *Starter) Arm(mm, ss int) {
	token := st.epoch.Add(1)
	target := nextMatchingInstant(st.now(), mm, ss)
	go st.run(token, target)
}

// Cancel invalidates any in-flight arm. The worker notices the token
// change on its next iteration and exits without firing.
func (st *Starter) Cancel() {
	st.epoch.Add(1)
}

func nextMatchingInstant(from time.Time, mm, ss int) time.Time {
	candidate := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), mm, ss, 0, from.Location())
	if !candidate.After(from) {
		candidate = candidate.Add(time.Hour)
	}
	return candidate
}

func (st *Starter) run(token uint64, target time.Time) {
	for {
		if st.epoch.Load() != token {
			return
		}

		effective := target.Add(time.Duration(st.latencyCompUs.Load()) * time.Microsecond)
		remaining := effective.Sub(st.now())

		if remaining <= 0 {
			st.fire(token)
			return
		}

		if remaining <= 2*time.Millisecond {
			st.fineWait(token, effective)
			return
		}

		sleep := remaining - 500*time.Microsecond
		if sleep > 50*time.Millisecond {
			sleep = 50 * time.Millisecond
		}
		if sleep < 200*time.Microsecond {
			sleep = 200 * time.Microsecond
		}
		time.Sleep(sleep)
	}
}

func (st *Starter) fineWait(token uint64, effective time.Time) {
	for {
		if st.epoch.Load() != token {
			return
		}
		remaining := effective.Sub(st.now())
		if remaining <= 0 {
			st.fire(token)
			return
		}
		if remaining > 200*time.Microsecond {
			time.Sleep(100 * time.Microsecond)
		} else {
			runtime.Gosched()
		}
	}
}

func (st *Starter) fire(token uint64) {
	if st.epoch.Load() != token {
		return
	}
	st.sched.Play()
}
