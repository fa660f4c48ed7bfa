package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/midiplay/internal/keymap"
	"github.com/chase3718/midiplay/internal/keysink"
	"github.com/chase3718/midiplay/internal/midi"
)

func singleNoteFile(pitch int, startS, durS float32, channel, trackIndex int) *midi.ParsedFile {
	notes := make([][]midi.RawNote, trackIndex+1)
	notes[trackIndex] = []midi.RawNote{{StartS: startS, DurationS: durS, Pitch: pitch, TrackIndex: trackIndex, Channel: channel}}
	tracks := make([]midi.Track, trackIndex+1)
	return &midi.ParsedFile{Tracks: tracks, NotesByTrack: notes, LengthS: startS + durS}
}

func oneChannelEnabled(window keysink.WindowHandle, transpose, trackFilter int) [NumChannels]ChannelConfig {
	var cs [NumChannels]ChannelConfig
	cs[0] = ChannelConfig{Enabled: true, TransposeSemitones: transpose, Window: window, TrackFilter: trackFilter}
	return cs
}

func TestBuild_IdentityScenario(t *testing.T) {
	pf := singleNoteFile(60, 0.0, 0.5, 1, 0)
	channels := oneChannelEnabled(7, 0, -1)
	global := GlobalConfig{MinPitch: 48, MaxPitch: 84, Speed: 1, Decompose: false}

	m := &keymap.Map{}
	m.Set(60, keymap.Mapping{Key: 'Q', Mod: keysink.ModNone})

	result := Build(pf, global, channels, m)
	require.Len(t, result.Events, 2)
	assert.Equal(t, TimedEvent{TimeS: 0.0, Kind: Down, Key: 'Q', Mod: keysink.ModNone, Window: 7}, result.Events[0])
	assert.Equal(t, TimedEvent{TimeS: 0.5, Kind: Up, Key: 'Q', Mod: keysink.ModNone, Window: 7}, result.Events[1])
	assert.Zero(t, result.UnmappedCount)
}

func TestBuild_SmartTransposeContainment(t *testing.T) {
	pf := singleNoteFile(36, 0.0, 0.5, 1, 0) // below [48,84]
	channels := oneChannelEnabled(1, 0, -1)
	global := GlobalConfig{MinPitch: 48, MaxPitch: 84, Speed: 1}

	m := keymap.New() // default map covers 48..84
	result := Build(pf, global, channels, m)

	require.Len(t, result.Events, 2)
	// 36 + 12 = 48, in range: must land in [48,84].
	mapping, ok := m.Get(48)
	require.True(t, ok)
	assert.Equal(t, mapping.Key, result.Events[0].Key)
}

func TestBuild_SmartTransposeNarrowRangeClips(t *testing.T) {
	pf := singleNoteFile(10, 0.0, 0.5, 1, 0)
	channels := oneChannelEnabled(1, 0, -1)
	global := GlobalConfig{MinPitch: 60, MaxPitch: 60}

	m := &keymap.Map{}
	m.Set(60, keymap.Mapping{Key: 'Z'})

	result := Build(pf, global, channels, m)
	require.Len(t, result.Events, 2)
	assert.Equal(t, uint32('Z'), result.Events[0].Key)
}

func TestResolveOverlaps_SamePitchOverlap(t *testing.T) {
	notes := []provisionalNote{
		{start: 0.0, end: 1.0, pitch: 60, window: 1},
		{start: 0.5, end: 0.8, pitch: 60, window: 1},
	}
	resolved := resolveOverlaps(notes)
	require.Len(t, resolved, 2)
	assert.InDelta(t, 0.0, resolved[0].start, 1e-9)
	assert.InDelta(t, 0.5, resolved[0].end, 1e-9)
	assert.InDelta(t, 0.5, resolved[1].start, 1e-9)
	assert.InDelta(t, 0.8, resolved[1].end, 1e-9)
}

func TestResolveOverlaps_ExactDuplicateDropped(t *testing.T) {
	notes := []provisionalNote{
		{start: 0.0, end: 0.5, pitch: 60, window: 1},
		{start: 0.0, end: 0.5, pitch: 60, window: 1},
	}
	resolved := resolveOverlaps(notes)
	require.Len(t, resolved, 1)
}

func TestDecomposeChords_Scenario(t *testing.T) {
	notes := []provisionalNote{
		{start: 0.00, end: 0.50, pitch: 60, window: 1},
		{start: 0.01, end: 0.50, pitch: 64, window: 1},
		{start: 0.02, end: 0.50, pitch: 67, window: 1},
	}
	out := decomposeChords(notes)
	require.Len(t, out, 3)

	assert.InDelta(t, 0.000, out[0].start, 1e-9)
	assert.InDelta(t, 0.015, out[1].start, 1e-9)
	assert.InDelta(t, 0.030, out[2].start, 1e-9)

	assert.InDelta(t, 0.015, out[0].end, 1e-9)
	assert.InDelta(t, 0.030, out[1].end, 1e-9)
	assert.InDelta(t, 0.500, out[2].end, 1e-9)
}

func TestBuild_Determinism(t *testing.T) {
	pf := singleNoteFile(60, 0.0, 0.5, 1, 0)
	channels := oneChannelEnabled(7, 0, -1)
	global := GlobalConfig{MinPitch: 48, MaxPitch: 84, Speed: 1}
	m := keymap.New()

	a := Build(pf, global, channels, m)
	b := Build(pf, global, channels, m)
	assert.Equal(t, a.Events, b.Events)
}

func TestBuild_StartupGraceWithNoEnabledChannels(t *testing.T) {
	pf := singleNoteFile(60, 0.0, 0.5, 1, 0)
	var channels [NumChannels]ChannelConfig
	global := GlobalConfig{MinPitch: 0, MaxPitch: 127}
	m := keymap.New()

	result := Build(pf, global, channels, m)
	require.Len(t, result.Events, 2)
}

func TestBuild_UnmappedPitchDropped(t *testing.T) {
	pf := singleNoteFile(60, 0.0, 0.5, 1, 0)
	channels := oneChannelEnabled(1, 0, -1)
	global := GlobalConfig{MinPitch: 48, MaxPitch: 84}
	m := &keymap.Map{} // nothing mapped

	result := Build(pf, global, channels, m)
	assert.Empty(t, result.Events)
	assert.Equal(t, 1, result.UnmappedCount)
}

func TestSortEvents_UpBeforeDownAtEqualTime(t *testing.T) {
	events := EventStream{
		{TimeS: 0.5, Kind: Down, Key: 'A'},
		{TimeS: 0.5, Kind: Up, Key: 'B'},
	}
	sortEvents(events)
	assert.Equal(t, Up, events[0].Kind)
	assert.Equal(t, Down, events[1].Kind)
}
