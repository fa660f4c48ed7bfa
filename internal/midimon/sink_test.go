package midimon

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/gomidi/midi/v2"

	"github.com/chase3718/midiplay/internal/keysink"
)

type modReleaseSink struct {
	keysink.RecordingSink
	released int
}

func (s *modReleaseSink) ReleaseAllModifiers() { s.released++ }

func TestMonitor_MirrorsPressAndRelease(t *testing.T) {
	inner := &keysink.RecordingSink{}
	var sent []midi.Message
	m := &Monitor{
		inner:  inner,
		logger: slog.Default(),
		send: func(msg midi.Message) error {
			sent = append(sent, msg)
			return nil
		},
		channel: 0,
	}

	m.Press(60, keysink.ModNone, 0)
	m.Release(60, keysink.ModNone, 0)

	require.Len(t, inner.Calls, 2)
	assert.True(t, inner.Calls[0].Down)
	assert.False(t, inner.Calls[1].Down)

	require.Len(t, sent, 2)
	assert.Equal(t, midi.NoteOn(0, 60, 100), sent[0])
	assert.Equal(t, midi.NoteOff(0, 60), sent[1])
}

func TestMonitor_MirrorsHighKeyMaskedToPitchRange(t *testing.T) {
	inner := &keysink.RecordingSink{}
	var sent []midi.Message
	m := &Monitor{
		inner:  inner,
		logger: slog.Default(),
		send: func(msg midi.Message) error {
			sent = append(sent, msg)
			return nil
		},
	}

	m.Press(200, keysink.ModNone, 0)
	require.Len(t, sent, 1)
	assert.Equal(t, midi.NoteOn(0, uint8(200&0x7F), 100), sent[0])
}

func TestMonitor_SendFailureDoesNotPropagate(t *testing.T) {
	inner := &keysink.RecordingSink{}
	m := &Monitor{
		inner:  inner,
		logger: slog.Default(),
		send:   func(midi.Message) error { return assert.AnError },
	}

	assert.NotPanics(t, func() {
		m.Press(60, keysink.ModNone, 0)
		m.Release(60, keysink.ModNone, 0)
	})
	assert.Len(t, inner.Calls, 2)
}

func TestMonitor_ReleaseAllModifiersForwardsWhenSupported(t *testing.T) {
	inner := &modReleaseSink{}
	m := &Monitor{inner: inner, logger: slog.Default(), send: func(midi.Message) error { return nil }}

	m.ReleaseAllModifiers()
	assert.Equal(t, 1, inner.released)
}

func TestMonitor_ReleaseAllModifiersNoopWhenUnsupported(t *testing.T) {
	inner := &keysink.RecordingSink{}
	m := &Monitor{inner: inner, logger: slog.Default(), send: func(midi.Message) error { return nil }}

	assert.NotPanics(t, m.ReleaseAllModifiers)
}

func TestContainsCI(t *testing.T) {
	assert.True(t, containsCI("Launchkey Mini MK3", "launch"))
	assert.True(t, containsCI("Launchkey Mini MK3", "LAUNCHKEY"))
	assert.False(t, containsCI("Launchkey Mini MK3", "novation"))
}
