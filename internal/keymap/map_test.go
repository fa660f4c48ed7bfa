package keymap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/midiplay/internal/keysink"
)

func TestReset_CoversDefaultRange(t *testing.T) {
	m := New()
	for pitch := 48; pitch <= 84; pitch++ {
		_, ok := m.Get(pitch)
		assert.True(t, ok, "pitch %d should be mapped by default", pitch)
	}
	_, ok := m.Get(20)
	assert.False(t, ok, "pitch outside default range should be unmapped")
}

func TestLoad_BasicGrammarAndSeparators(t *testing.T) {
	text := strings.Join([]string{
		"# a comment line",
		"- also a comment",
		"",
		"60:Q",
		"61=W+",
		"62-E-",
		"63 R",
		"C4 SPACE",
	}, "\n")

	m := &Map{}
	parsed, skipped, err := m.Load(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, 5, parsed)
	assert.Equal(t, 0, skipped)

	mapping, ok := m.Get(60) // "60:Q" is parsed, then replaced by the later "C4 SPACE" line
	require.True(t, ok)
	assert.EqualValues(t, 0x20, mapping.Key)
	assert.Equal(t, keysink.ModNone, mapping.Mod)

	mapping, ok = m.Get(61)
	require.True(t, ok)
	assert.Equal(t, keysink.ModShift, mapping.Mod)

	mapping, ok = m.Get(62)
	require.True(t, ok)
	assert.Equal(t, keysink.ModCtrl, mapping.Mod)

	mapping, ok = m.Get(60) // C4 == 60, overwritten by the SPACE line
	require.True(t, ok)
	assert.EqualValues(t, 0x20, mapping.Key)
}

func TestLoad_NoValidEntriesLeavesMapUnchanged(t *testing.T) {
	m := New()
	before := *m
	_, _, err := m.Load(strings.NewReader("# nothing here\n- still nothing\n"))
	assert.ErrorIs(t, err, ErrNoValidEntries)
	assert.Equal(t, before, *m)
}

func TestFullWidthSeparatorsAndPunctuationNormalize(t *testing.T) {
	m := &Map{}
	parsed, _, err := m.Load(strings.NewReader("60：Q\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, parsed)
}

func TestRoundTrip(t *testing.T) {
	m := New()
	var buf strings.Builder
	require.NoError(t, m.Save(&buf))

	loaded := &Map{}
	parsed, skipped, err := loaded.Load(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Equal(t, 37, parsed)
	assert.True(t, m.Equal(loaded))
}

func TestParsePitch(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"60", 60, true},
		{"C4", 60, true},
		{"C#4", 61, true},
		{"Eb4", 63, true},
		{"c4", 60, true},
		{"128", 0, false},
		{"bogus", 0, false},
	}
	for _, c := range cases {
		got, ok := ParsePitch(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if ok {
			assert.Equal(t, c.want, got, c.in)
		}
	}
}
