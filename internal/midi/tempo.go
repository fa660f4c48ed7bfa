package midi

// tempoMap holds the merged, sorted tempo-change list for a file,
// plus the cached previous-index for O(1) amortized sequential
// lookups (spec.md §4.B "tick_to_seconds"). Flat parallel slices, no
// pointer-linked structure needed (spec.md §9 "Cyclic structures").
type tempoMap struct {
	ticks       []int     // tick of each tempo change, ascending
	microsPerQN []int     // microseconds per quarter note, starting at that tick
	seconds     []float64 // wall-seconds at that tick, precomputed

	smpte          bool
	smpteTicksPerS float64 // fps * ticksPerFrame, for SMPTE division

	lastIdx int // cache for sequential access
}

// defaultTempoMicros is 120 BPM, used when no tempo event exists at
// tick 0 (spec.md §4.B).
const defaultTempoMicros = 500000

func newTempoMap(events []tempoEvent, ticksPerQuarter int) *tempoMap {
	tm := &tempoMap{}

	if len(events) == 0 || events[0].tick != 0 {
		events = append([]tempoEvent{{tick: 0, microsPerQN: defaultTempoMicros}}, events...)
	}

	tm.ticks = make([]int, len(events))
	tm.microsPerQN = make([]int, len(events))
	tm.seconds = make([]float64, len(events))

	var accSeconds float64
	for i, ev := range events {
		tm.ticks[i] = ev.tick
		tm.microsPerQN[i] = ev.microsPerQN
		if i > 0 {
			deltaTicks := ev.tick - tm.ticks[i-1]
			secPerTick := float64(tm.microsPerQN[i-1]) / 1e6 / float64(ticksPerQuarter)
			accSeconds += float64(deltaTicks) * secPerTick
		}
		tm.seconds[i] = accSeconds
	}
	return tm
}

func newSMPTETempoMap(fps, ticksPerFrame float64) *tempoMap {
	return &tempoMap{smpte: true, smpteTicksPerS: fps * ticksPerFrame}
}

// tickToSeconds converts an absolute tick to wall-clock seconds from
// the start of the file, per spec.md §4.B. For non-SMPTE files this
// finds the latest tempo event with tick <= t and interpolates
// linearly; a cached previous index makes forward sequential scans
// (the common case while parsing a track in tick order) O(1)
// amortized.
func (tm *tempoMap) tickToSeconds(t int, ticksPerQuarter int) float64 {
	if tm.smpte {
		if tm.smpteTicksPerS == 0 {
			return 0
		}
		return float64(t) / tm.smpteTicksPerS
	}

	idx := tm.lastIdx
	if idx >= len(tm.ticks) || tm.ticks[idx] > t {
		idx = 0
	}
	for idx+1 < len(tm.ticks) && tm.ticks[idx+1] <= t {
		idx++
	}
	tm.lastIdx = idx

	deltaTicks := t - tm.ticks[idx]
	secPerTick := float64(tm.microsPerQN[idx]) / 1e6 / float64(ticksPerQuarter)
	return tm.seconds[idx] + float64(deltaTicks)*secPerTick
}

type tempoEvent struct {
	tick        int
	microsPerQN int
}

// smpteFPS rounds the SMF division high byte's absolute value to the
// nearest real frame rate, rounding 29 to the NTSC-drop-frame 29.97
// per spec.md §9's signed-byte interpretation.
func smpteFPS(rawFPS int) float64 {
	if rawFPS == 29 {
		return 29.97
	}
	return float64(rawFPS)
}
