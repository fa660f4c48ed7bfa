package engine

import "github.com/chase3718/midiplay/internal/keysink"

// EventKind distinguishes a key press from a key release.
type EventKind int

const (
	Down EventKind = iota
	Up
)

func (k EventKind) String() string {
	if k == Down {
		return "down"
	}
	return "up"
}

// TimedEvent is one scheduled press or release, output of the Event
// Builder and consumed by the Playback Scheduler's worker loop.
type TimedEvent struct {
	TimeS  float64
	Kind   EventKind
	Key    uint32
	Mod    keysink.Modifier
	Window keysink.WindowHandle
}

// EventStream is a time-ordered sequence of TimedEvent: sorted by
// (TimeS, Up before Down at equal time).
type EventStream []TimedEvent
