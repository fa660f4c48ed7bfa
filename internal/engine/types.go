// Package engine implements the Event Builder (builder.go) and the
// Playback Scheduler (scheduler.go): parsed MIDI notes plus live
// configuration become a time-ordered stream of key press/release
// events, dispatched in real time through a keysink.Sink.
package engine

import "github.com/chase3718/midiplay/internal/keysink"

// NumChannels is the fixed number of logical playback channels.
const NumChannels = 16

// ChannelConfig is one of the 16 logical channels a user can route a
// MIDI track through to a target window.
type ChannelConfig struct {
	Enabled            bool
	TransposeSemitones int // 0 means smart transpose
	Window             keysink.WindowHandle
	TrackFilter        int // -1 = all tracks
}

// GlobalConfig holds the settings shared by every channel.
type GlobalConfig struct {
	MinPitch  int
	MaxPitch  int
	Speed     float64
	Decompose bool
}

// DefaultGlobalConfig allows the full MIDI pitch range (0..127) at
// normal speed.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{MinPitch: 0, MaxPitch: 127, Speed: 1.0, Decompose: false}
}
