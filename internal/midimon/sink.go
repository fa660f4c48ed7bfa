// Package midimon provides an optional keysink.Sink decorator that
// mirrors every dispatched press/release to a live MIDI output port,
// for external monitoring (e.g. watching played notes light up on a
// connected controller or DAW).
package midimon

import (
	"fmt"
	"log/slog"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/chase3718/midiplay/internal/keysink"
)

// Monitor wraps a keysink.Sink, forwarding every call to it unchanged
// and additionally emitting a MIDI note on/off to a dedicated output
// port. Mirroring is best-effort: a send failure is logged, never
// propagated, since a broken monitor port must not stop playback.
type Monitor struct {
	inner  keysink.Sink
	logger *slog.Logger

	drv     *rtmididrv.Driver
	outPort drivers.Out
	send    func(midi.Message) error
	channel uint8
}

// Open finds the first MIDI output port whose name contains pattern
// (case-insensitive; empty pattern matches the first port available)
// and returns a Monitor wrapping inner that mirrors events to it on
// MIDI channel ch. Call Close when done.
func Open(inner keysink.Sink, pattern string, ch uint8, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("midimon: rtmididrv: %w", err)
	}

	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("midimon: list outputs: %w", err)
	}

	var chosen drivers.Out
	for _, o := range outs {
		if pattern == "" || containsCI(o.String(), pattern) {
			chosen = o
			break
		}
	}
	if chosen == nil {
		drv.Close()
		return nil, fmt.Errorf("midimon: no output port matching %q", pattern)
	}
	if err := chosen.Open(); err != nil {
		drv.Close()
		return nil, fmt.Errorf("midimon: open %q: %w", chosen.String(), err)
	}

	send, err := midi.SendTo(chosen)
	if err != nil {
		_ = chosen.Close()
		drv.Close()
		return nil, fmt.Errorf("midimon: send setup: %w", err)
	}

	logger.Info("midimon: monitoring to port", "port", chosen.String())
	return &Monitor{
		inner:   inner,
		logger:  logger,
		drv:     drv,
		outPort: chosen,
		send:    send,
		channel: ch,
	}, nil
}

// Close releases the monitor's output port and driver. It does not
// touch the wrapped sink.
func (m *Monitor) Close() {
	if m.outPort != nil {
		_ = m.outPort.Close()
	}
	if m.drv != nil {
		m.drv.Close()
	}
}

// Press forwards to the wrapped sink, then mirrors a note-on.
func (m *Monitor) Press(key uint32, mod keysink.Modifier, window keysink.WindowHandle) {
	m.inner.Press(key, mod, window)
	m.mirror(key, true)
}

// Release forwards to the wrapped sink, then mirrors a note-off.
func (m *Monitor) Release(key uint32, mod keysink.Modifier, window keysink.WindowHandle) {
	m.inner.Release(key, mod, window)
	m.mirror(key, false)
}

// ReleaseAllModifiers forwards to the wrapped sink when it implements
// keysink.ModifierReleaser, so wrapping a Monitor never silently drops
// the capability.
func (m *Monitor) ReleaseAllModifiers() {
	if mr, ok := m.inner.(keysink.ModifierReleaser); ok {
		mr.ReleaseAllModifiers()
	}
}

func (m *Monitor) mirror(key uint32, down bool) {
	pitch := uint8(key & 0x7F)
	var msg midi.Message
	if down {
		msg = midi.NoteOn(m.channel, pitch, 100)
	} else {
		msg = midi.NoteOff(m.channel, pitch)
	}
	if err := m.send(msg); err != nil {
		m.logger.Debug("midimon: send failed", "err", err)
	}
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
