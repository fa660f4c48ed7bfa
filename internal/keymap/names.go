package keymap

import (
	"fmt"
	"strconv"
	"strings"
)

var sharpNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

var flatIndex = map[byte]int{
	'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11,
}

// PitchName renders a MIDI pitch (0-127) in scientific pitch notation,
// e.g. 60 -> "C4". Matches the teacher's pitchName helper.
func PitchName(pitch int) string {
	if pitch < 0 || pitch > 127 {
		return fmt.Sprintf("?%d", pitch)
	}
	return fmt.Sprintf("%s%d", sharpNames[pitch%12], pitch/12-1)
}

// ParsePitch accepts either a bare MIDI number ("60") or a scientific
// pitch name ("C4", "C#4", "Eb4", case-insensitive). Returns false if
// the token is neither.
func ParsePitch(token string) (int, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(token); err == nil {
		if n < 0 || n > 127 {
			return 0, false
		}
		return n, true
	}
	return parseNoteName(token)
}

func parseNoteName(token string) (int, bool) {
	up := strings.ToUpper(token)
	letter := up[0]
	base, ok := flatIndex[letter]
	if !ok {
		return 0, false
	}
	rest := up[1:]

	semis := 0
	if len(rest) > 0 && (rest[0] == '#' || rest[0] == 'B') {
		if rest[0] == '#' {
			semis = 1
		} else {
			semis = -1
		}
		rest = rest[1:]
	}

	if rest == "" {
		return 0, false
	}
	octave, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}

	pitch := (octave+1)*12 + base + semis
	if pitch < 0 || pitch > 127 {
		return 0, false
	}
	return pitch, true
}
