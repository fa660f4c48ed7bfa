// Package keymap implements the note-key map: a stateful mapping from
// MIDI pitch (0-127) to a (key_code, modifier) pair, with a text
// load/save format, per spec.md §4.A.
package keymap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/chase3718/midiplay/internal/keysink"
)

// ErrNoValidEntries is returned by Load when no line in the input could
// be parsed as a mapping (spec.md §7 MapLoadError.NoValidEntries). The
// map is left unchanged.
var ErrNoValidEntries = errors.New("keymap: no valid entries parsed")

// Mapping is one pitch's target.
type Mapping struct {
	Key uint32
	Mod keysink.Modifier
}

// Map is a dense, O(1)-lookup pitch->Mapping table. The zero value is
// ready to use (all pitches unmapped); Reset installs the built-in
// default.
type Map struct {
	slots [128]Mapping
	valid [128]bool
}

// New returns a Map seeded with the built-in default (pitches 48..84).
func New() *Map {
	m := &Map{}
	m.Reset()
	return m
}

// Get looks up pitch. ok is false if pitch is out of range or unmapped.
func (m *Map) Get(pitch int) (Mapping, bool) {
	if pitch < 0 || pitch > 127 {
		return Mapping{}, false
	}
	return m.slots[pitch], m.valid[pitch]
}

// Set assigns pitch -> mapping directly, bypassing text parsing. Used
// by callers building a map programmatically (tests, UI editors).
func (m *Map) Set(pitch int, mapping Mapping) {
	if pitch < 0 || pitch > 127 {
		return
	}
	m.slots[pitch] = mapping
	m.valid[pitch] = true
}

// Unset clears pitch's mapping.
func (m *Map) Unset(pitch int) {
	if pitch < 0 || pitch > 127 {
		return
	}
	m.valid[pitch] = false
	m.slots[pitch] = Mapping{}
}

// Equal reports whether two maps hold identical mappings; used by the
// note-map round-trip property test (spec.md §8).
func (m *Map) Equal(other *Map) bool {
	if other == nil {
		return false
	}
	return m.slots == other.slots && m.valid == other.valid
}

// defaultRow lists the built-in mapping's keys for pitches 48..84 in
// ascending order, walking the bottom, home, top and number rows of a
// computer keyboard (37 keys, one per pitch). Grounded on
// KeyManager.cpp::init_default_map's layout of two piano-style rows.
var defaultRow = []string{
	"Z", "X", "C", "V", "B", "N", "M", ",", ".", "/",
	"A", "S", "D", "F", "G", "H", "J", "K", "L", ";", "'",
	"Q", "W", "E", "R", "T", "Y", "U", "I", "O", "P",
	"1", "2", "3", "4", "5", "6",
}

// Reset restores the built-in default mapping (pitches 48..84).
func (m *Map) Reset() {
	*m = Map{}
	for i, key := range defaultRow {
		pitch := 48 + i
		if pitch > 84 {
			break
		}
		code, _ := keyCodeFromString(key)
		m.Set(pitch, Mapping{Key: code, Mod: keysink.ModNone})
	}
}

// separators accepted between pitch and key, per spec.md §4.A: ASCII
// ':' '=' '-' ' ' plus their full-width equivalents, case-insensitive
// (case doesn't matter for punctuation, but callers may mix with
// full-width letters so we normalize before splitting).
var separatorReplacer = strings.NewReplacer(
	"：", ":", // full-width colon
	"＝", "=", // full-width equals
	"－", "-", // full-width hyphen-minus
	"　", " ", // full-width space
)

// Load parses text (UTF-8, BOM tolerated) and replaces m's contents.
// Lines starting with '#' or '-' are comments; blank lines are
// skipped. A line matches "<pitch><sep><key>[+|-]" where pitch is a
// MIDI number or note name and sep is one of ':' '=' '-' ' '. A
// trailing '+' marks Shift, a trailing '-' marks Ctrl. Unknown lines
// are skipped and counted; Load succeeds (replacing m) iff at least
// one mapping was parsed — otherwise m is left unchanged and
// ErrNoValidEntries is returned.
func (m *Map) Load(r io.Reader) (parsed, skipped int, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, 0, fmt.Errorf("keymap: read: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF}) // UTF-8 BOM
	if !utf8.Valid(data) {
		// Heuristic fallback: strip invalid bytes rather than guess a
		// system codepage (see DESIGN.md — no pack library offers byte-
		// frequency encoding detection, and hand-rolling GBK/Big5/SJIS
		// sniffing isn't worth it for a plain-text config format).
		data = bytes.ToValidUTF8(data, []byte{})
	}

	next := Map{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		pitch, mapping, ok := parseLine(line)
		if !ok {
			skipped++
			continue
		}
		next.Set(pitch, mapping)
		parsed++
	}
	if err := scanner.Err(); err != nil {
		return parsed, skipped, fmt.Errorf("keymap: scan: %w", err)
	}
	if parsed == 0 {
		return 0, skipped, ErrNoValidEntries
	}
	*m = next
	return parsed, skipped, nil
}

func parseLine(line string) (int, Mapping, bool) {
	line = separatorReplacer.Replace(line)

	sepIdx, sep := -1, byte(0)
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ':', '=', '-', ' ':
			sepIdx, sep = i, line[i]
		}
		if sepIdx >= 0 {
			break
		}
	}
	if sepIdx < 0 {
		return 0, Mapping{}, false
	}
	_ = sep

	pitchTok := strings.TrimSpace(line[:sepIdx])
	keyTok := strings.TrimSpace(line[sepIdx+1:])
	if pitchTok == "" || keyTok == "" {
		return 0, Mapping{}, false
	}

	pitch, ok := ParsePitch(pitchTok)
	if !ok {
		return 0, Mapping{}, false
	}

	mod := keysink.ModNone
	if strings.HasSuffix(keyTok, "+") {
		mod = keysink.ModShift
		keyTok = strings.TrimSuffix(keyTok, "+")
	} else if strings.HasSuffix(keyTok, "-") {
		mod = keysink.ModCtrl
		keyTok = strings.TrimSuffix(keyTok, "-")
	}
	keyTok = strings.TrimSpace(keyTok)

	code, ok := keyCodeFromString(keyTok)
	if !ok {
		return 0, Mapping{}, false
	}
	return pitch, Mapping{Key: code, Mod: mod}, true
}

// Save serializes m as "<pitch>: <key>[+|-]" lines, one per mapped
// pitch, in ascending pitch order.
func (m *Map) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for pitch := 0; pitch < 128; pitch++ {
		if !m.valid[pitch] {
			continue
		}
		mapping := m.slots[pitch]
		suffix := ""
		switch mapping.Mod {
		case keysink.ModShift:
			suffix = "+"
		case keysink.ModCtrl:
			suffix = "-"
		}
		if _, err := fmt.Fprintf(bw, "%d: %s%s\n", pitch, keyCodeToString(mapping.Key), suffix); err != nil {
			return fmt.Errorf("keymap: write: %w", err)
		}
	}
	return bw.Flush()
}
