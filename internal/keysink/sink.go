// Package keysink defines the contract external key-dispatch backends
// implement, plus a couple of reference implementations (see sink.go,
// uinput_linux.go). The production dispatcher that actually drives a
// game or application window is an external collaborator; this package
// only pins down the interface the playback engine depends on.
package keysink

import "log/slog"

// Modifier is pressed (and transiently released) around a key.
type Modifier int

const (
	ModNone Modifier = iota
	ModShift
	ModCtrl
)

func (m Modifier) String() string {
	switch m {
	case ModShift:
		return "shift"
	case ModCtrl:
		return "ctrl"
	default:
		return "none"
	}
}

// WindowHandle is an opaque target window. Zero means "the currently
// focused window" — the Go analogue of the source's nullable HWND/void*.
type WindowHandle uintptr

// Sink dispatches synthetic key events to the host OS. Implementations
// must not block the caller for more than a few microseconds: the
// playback scheduler's timing loop calls Press/Release inline on its
// hot path (spec.md §5, "sink dispatch must not block").
type Sink interface {
	Press(key uint32, mod Modifier, window WindowHandle)
	Release(key uint32, mod Modifier, window WindowHandle)
}

// ModifierReleaser is an optional capability a Sink may implement: a
// single batch release of common platform modifier keys (Shift, Ctrl,
// Alt, Super), used as a safety belt against stuck modifiers. Per
// spec.md §9's open question, the scheduler defaults to not calling
// this — it only does so when a sink opts in by implementing it.
type ModifierReleaser interface {
	ReleaseAllModifiers()
}

// LogSink logs every press/release instead of dispatching it anywhere.
// Useful for dry runs, tests, and as a stand-in while no platform sink
// is wired up — the Go equivalent of the teacher's sendToMCU logging
// stub.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a LogSink; a nil logger falls back to slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Press(key uint32, mod Modifier, window WindowHandle) {
	s.Logger.Info("key press", "key", key, "mod", mod.String(), "window", window)
}

func (s *LogSink) Release(key uint32, mod Modifier, window WindowHandle) {
	s.Logger.Info("key release", "key", key, "mod", mod.String(), "window", window)
}

// RecordingSink records every call it receives, in order. Intended for
// tests that need to assert on dispatch order/content without a real
// backend.
type RecordingSink struct {
	Calls []SinkCall
}

// SinkCall is one recorded Press or Release invocation.
type SinkCall struct {
	Down   bool
	Key    uint32
	Mod    Modifier
	Window WindowHandle
}

func (s *RecordingSink) Press(key uint32, mod Modifier, window WindowHandle) {
	s.Calls = append(s.Calls, SinkCall{Down: true, Key: key, Mod: mod, Window: window})
}

func (s *RecordingSink) Release(key uint32, mod Modifier, window WindowHandle) {
	s.Calls = append(s.Calls, SinkCall{Down: false, Key: key, Mod: mod, Window: window})
}
