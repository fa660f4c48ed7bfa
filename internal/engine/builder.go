package engine

import (
	"sort"

	"github.com/chase3718/midiplay/internal/keymap"
	"github.com/chase3718/midiplay/internal/keysink"
	"github.com/chase3718/midiplay/internal/midi"
)

const (
	chordThreshold = 0.030 // seconds
	staggerStep    = 0.015 // seconds
	timeTolerance  = 1e-6  // seconds, sort tie tolerance
)

// BuildResult is the output of Build: the event stream plus a count of
// notes dropped because their pitch had no entry in the note map.
type BuildResult struct {
	Events        EventStream
	UnmappedCount int
}

// Build runs the seven-stage Event Builder (channel selection, smart
// transpose, fan-out, overlap resolution, chord decomposition, key
// mapping, event expansion+sort) over a parsed file and the live
// configuration. It allocates fresh scratch slices each call; the
// scheduler is responsible for deciding when a rebuild is warranted.
func Build(pf *midi.ParsedFile, global GlobalConfig, channels [NumChannels]ChannelConfig, noteMap *keymap.Map) BuildResult {
	actives := selectActiveConfigs(channels)

	shifts := computeBestShifts(pf, global.MinPitch, global.MaxPitch)

	allNotes := flattenNotesByStart(pf.NotesByTrack)

	provisional := fanOut(allNotes, actives, shifts, global)

	provisional = resolveOverlaps(provisional)

	if global.Decompose {
		provisional = decomposeChords(provisional)
	}

	events, unmapped := mapAndExpand(provisional, noteMap)

	sortEvents(events)

	return BuildResult{Events: events, UnmappedCount: unmapped}
}

type activeConfig struct {
	cfg ChannelConfig
}

// selectActiveConfigs implements stage 1: channel selection, with
// startup-grace fallback and the unrouted-duplication guard.
func selectActiveConfigs(channels [NumChannels]ChannelConfig) []activeConfig {
	var active []activeConfig
	for _, c := range channels {
		if c.Enabled {
			active = append(active, activeConfig{cfg: c})
		}
	}
	if len(active) == 0 {
		return []activeConfig{{cfg: ChannelConfig{Enabled: true, TransposeSemitones: 0, TrackFilter: -1}}}
	}
	if len(active) > 1 {
		filtered := active[:0]
		for _, a := range active {
			if a.cfg.Window != 0 || a.cfg.TrackFilter != -1 {
				filtered = append(filtered, a)
			}
		}
		active = filtered
	}
	return active
}

// computeBestShifts implements stage 2: per-track histograms and the
// octave shift that maximizes in-range coverage, via a prefix-sum
// score array so each of the nine candidate shifts is an O(1) lookup.
func computeBestShifts(pf *midi.ParsedFile, minPitch, maxPitch int) []int {
	shifts := make([]int, len(pf.Tracks))
	for t, notes := range pf.NotesByTrack {
		var hist [128]int
		for _, n := range notes {
			hist[n.Pitch]++
		}
		shifts[t] = bestShiftForHistogram(hist, minPitch, maxPitch)
	}
	return shifts
}

func bestShiftForHistogram(hist [128]int, minPitch, maxPitch int) int {
	var prefix [129]int
	for p := 0; p < 128; p++ {
		prefix[p+1] = prefix[p] + hist[p]
	}
	rangeSum := func(lo, hi int) int {
		if lo < 0 {
			lo = 0
		}
		if hi > 127 {
			hi = 127
		}
		if lo > hi {
			return 0
		}
		return prefix[hi+1] - prefix[lo]
	}

	best := 0
	bestCount := -1
	for shift := -48; shift <= 48; shift += 12 {
		count := rangeSum(minPitch-shift, maxPitch-shift)
		if count > bestCount || (count == bestCount && absInt(shift) < absInt(best)) {
			bestCount = count
			best = shift
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// flattenNotesByStart merges every track's note list into one
// start_s-ordered sequence, matching the spec's "iterated in start_s
// order for cache locality" and giving the overlap resolution stage a
// well-defined arrival order.
func flattenNotesByStart(notesByTrack [][]midi.RawNote) []midi.RawNote {
	var total int
	for _, notes := range notesByTrack {
		total += len(notes)
	}
	all := make([]midi.RawNote, 0, total)
	for _, notes := range notesByTrack {
		all = append(all, notes...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].StartS < all[j].StartS })
	return all
}

// provisionalNote is a note after fan-out, before key mapping.
type provisionalNote struct {
	start, end float64
	pitch      int
	window     keysink.WindowHandle
	key        uint32
	mod        keysink.Modifier
}

// fanOut implements stage 3: per-config duplication, track filtering,
// percussion skip, transpose application and range clamping.
func fanOut(notes []midi.RawNote, actives []activeConfig, shifts []int, global GlobalConfig) []provisionalNote {
	out := make([]provisionalNote, 0, len(notes)*len(actives))
	for _, n := range notes {
		for _, a := range actives {
			c := a.cfg
			if c.TrackFilter >= 0 {
				if c.TrackFilter != n.TrackIndex {
					continue
				}
			} else if n.Channel == 10 {
				continue
			}

			var pitch int
			if c.TransposeSemitones == 0 {
				shift := 0
				if n.TrackIndex >= 0 && n.TrackIndex < len(shifts) {
					shift = shifts[n.TrackIndex]
				}
				pitch = n.Pitch + shift
				for pitch < global.MinPitch {
					pitch += 12
				}
				for pitch > global.MaxPitch {
					pitch -= 12
				}
				if pitch < global.MinPitch {
					pitch = global.MinPitch
				} else if pitch > global.MaxPitch {
					pitch = global.MaxPitch
				}
			} else {
				pitch = n.Pitch + c.TransposeSemitones
				if pitch < 0 || pitch > 127 {
					continue
				}
			}

			out = append(out, provisionalNote{
				start:  float64(n.StartS),
				end:    float64(n.StartS) + float64(n.DurationS),
				pitch:  pitch,
				window: c.Window,
			})
		}
	}
	return out
}

type pairKey struct {
	window keysink.WindowHandle
	pitch  int
}

// resolveOverlaps implements stage 4, in the order the spec states it:
// exact-duplicate drop, then truncate the previous note to avoid
// overlap, then (using the now-truncated end) extend the current note
// if the previous one still reaches past it.
func resolveOverlaps(notes []provisionalNote) []provisionalNote {
	active := make(map[pairKey]*provisionalNote)
	kept := make([]*provisionalNote, 0, len(notes))

	for i := range notes {
		curr := &notes[i]
		k := pairKey{window: curr.window, pitch: curr.pitch}
		if prev, ok := active[k]; ok {
			if prev.start == curr.start && prev.end == curr.end {
				continue
			}
			if prev.end > curr.start {
				prev.end = curr.start
			}
			if prev.end > curr.end {
				curr.end = prev.end
			}
		}
		kept = append(kept, curr)
		if curr.end > curr.start {
			active[k] = curr
		}
	}

	out := make([]provisionalNote, len(kept))
	for i, n := range kept {
		out[i] = *n
	}
	return out
}

// decomposeChords implements stage 5: per-window chord detection and
// pitch-ascending stagger, followed by a monophonic-per-window
// truncation pass.
func decomposeChords(notes []provisionalNote) []provisionalNote {
	byWindow := make(map[keysink.WindowHandle][]provisionalNote)
	var order []keysink.WindowHandle
	for _, n := range notes {
		if _, ok := byWindow[n.window]; !ok {
			order = append(order, n.window)
		}
		byWindow[n.window] = append(byWindow[n.window], n)
	}

	out := make([]provisionalNote, 0, len(notes))
	for _, w := range order {
		group := byWindow[w]
		sort.SliceStable(group, func(i, j int) bool { return group[i].start < group[j].start })

		for i := 0; i < len(group); {
			j := i + 1
			for j < len(group) && group[j].start-group[i].start < chordThreshold {
				j++
			}
			if j-i >= 2 {
				chord := group[i:j]
				anchor := chord[0].start
				sort.SliceStable(chord, func(a, b int) bool { return chord[a].pitch < chord[b].pitch })
				for k := range chord {
					chord[k].start = anchor + float64(k)*staggerStep
				}
			}
			i = j
		}

		sort.SliceStable(group, func(i, j int) bool { return group[i].start < group[j].start })
		for i := 0; i < len(group)-1; i++ {
			if group[i].end > group[i+1].start {
				group[i].end = group[i+1].start
			}
		}

		out = append(out, group...)
	}
	return out
}

// mapAndExpand implements stages 6 and 7's note-level part: key
// lookup and Down/Up expansion. Sorting is done separately by
// sortEvents so Build can keep the stages visually distinct.
func mapAndExpand(notes []provisionalNote, noteMap *keymap.Map) (EventStream, int) {
	events := make(EventStream, 0, len(notes)*2)
	unmapped := 0
	for _, n := range notes {
		mapping, ok := noteMap.Get(n.pitch)
		if !ok {
			unmapped++
			continue
		}
		events = append(events,
			TimedEvent{TimeS: n.start, Kind: Down, Key: mapping.Key, Mod: mapping.Mod, Window: n.window},
			TimedEvent{TimeS: n.end, Kind: Up, Key: mapping.Key, Mod: mapping.Mod, Window: n.window},
		)
	}
	return events, unmapped
}

// sortEvents implements stage 7's ordering: by time, Up before Down at
// equal time within the 1µs tie tolerance.
func sortEvents(events EventStream) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if diff := a.TimeS - b.TimeS; diff < -timeTolerance || diff > timeTolerance {
			return a.TimeS < b.TimeS
		}
		if a.Kind != b.Kind {
			return a.Kind == Up
		}
		return false
	})
}
