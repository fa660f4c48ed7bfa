package engine

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/chase3718/midiplay/internal/keymap"
	"github.com/chase3718/midiplay/internal/keysink"
	"github.com/chase3718/midiplay/internal/midi"
)

// uiTick bounds how long the worker ever sleeps between checking for
// command wakeups, even with no event due for a while.
const uiTick = 15 * time.Millisecond

// spinMargin is how far ahead of an event's due time the worker stops
// bulk-sleeping and starts spin-yielding, to absorb host-timer
// granularity (spec.md §4.F step 5).
const spinMargin = 1500 * time.Microsecond

// PlaybackState is an immutable snapshot of the scheduler's state,
// safe to read without the scheduler's lock.
type PlaybackState struct {
	Running       bool
	Playing       bool
	Paused        bool
	CurrentTimeS  float64
	LengthS       float64
	ConfigVersion uint32
	BuiltVersion  uint32
	SeekPending   bool
}

type activeKey struct {
	key    uint32
	window keysink.WindowHandle
}

// Scheduler owns a dedicated worker goroutine that advances a virtual
// playback clock and dispatches due events through a keysink.Sink. The
// public methods post commands by mutating shared state behind mu and
// waking the worker via cond; the worker itself never blocks except
// when idle or between events (spec.md §4.F, §5).
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	sink   keysink.Sink
	logger *slog.Logger

	parsed   *midi.ParsedFile
	channels [NumChannels]ChannelConfig
	global   GlobalConfig
	noteMap  *keymap.Map

	releaseModifiersOnStop bool

	state PlaybackState

	events  EventStream
	nextIdx int

	activeKeys []activeKey

	shutdown bool
	wg       sync.WaitGroup
}

// NewScheduler starts the worker goroutine and returns a ready
// Scheduler in the idle state. sink must be non-nil; noteMap may be
// nil (equivalent to an empty map, every note dropped as unmapped).
func NewScheduler(sink keysink.Sink, noteMap *keymap.Map, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if noteMap == nil {
		noteMap = &keymap.Map{}
	}
	s := &Scheduler{
		sink:    sink,
		logger:  logger,
		noteMap: noteMap,
		global:  DefaultGlobalConfig(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.state.Running = true
	s.wg.Add(1)
	go s.run()
	return s
}

// Snapshot returns a copy of the scheduler's current state.
func (s *Scheduler) Snapshot() PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Load replaces the current file: resets the clock to zero, clears
// held keys and bumps config_version so the worker rebuilds.
func (s *Scheduler) Load(parsed *midi.ParsedFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsed = parsed
	s.state.Playing = false
	s.state.Paused = false
	s.state.CurrentTimeS = 0
	if parsed != nil {
		s.state.LengthS = float64(parsed.LengthS)
	} else {
		s.state.LengthS = 0
	}
	s.releaseAllLocked()
	s.bumpConfigLocked()
}

// Play resumes (or starts) playback.
func (s *Scheduler) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Playing = true
	s.state.Paused = false
	s.cond.Broadcast()
}

// Pause suspends playback and releases every held key.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Paused = true
	s.releaseAllLocked()
	s.cond.Broadcast()
}

// Stop halts playback, resets the clock to zero and releases every
// held key. Two consecutive Stop calls leave identical state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Playing = false
	s.state.Paused = false
	s.state.CurrentTimeS = 0
	s.releaseAllLocked()
	s.reseekLocked(0)
	s.cond.Broadcast()
}

// Seek clamps t to [0, length_s], repositions the clock and releases
// every held key. seek(t); seek(t) is idempotent.
func (s *Scheduler) Seek(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t < 0 {
		t = 0
	}
	if t > s.state.LengthS {
		t = s.state.LengthS
	}
	s.state.SeekPending = true
	s.releaseAllLocked()
	s.state.CurrentTimeS = t
	s.reseekLocked(t)
	s.state.SeekPending = false
	s.cond.Broadcast()
}

// SetSpeed sets the playback rate multiplier; x <= 0 is rejected
// synchronously (ConfigInvalid.BadSpeed) and the previous value kept.
func (s *Scheduler) SetSpeed(x float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if x <= 0 {
		s.logger.Warn("ignoring invalid speed", "speed", x)
		return
	}
	s.global.Speed = x
	s.bumpConfigLocked()
}

// SetPitchRange sets the inclusive pitch range notes must land in
// after transpose. Invalid ranges are rejected synchronously
// (ConfigInvalid.BadPitchRange).
func (s *Scheduler) SetPitchRange(min, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if min < 0 || max > 127 || min > max {
		s.logger.Warn("ignoring invalid pitch range", "min", min, "max", max)
		return
	}
	s.global.MinPitch = min
	s.global.MaxPitch = max
	s.bumpConfigLocked()
}

// SetDecompose toggles chord decomposition.
func (s *Scheduler) SetDecompose(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.Decompose = on
	s.bumpConfigLocked()
}

// SetNoteMap swaps the note map used for key lookup.
func (s *Scheduler) SetNoteMap(m *keymap.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m == nil {
		m = &keymap.Map{}
	}
	s.noteMap = m
	s.bumpConfigLocked()
}

// SetChannel replaces channel index's configuration. Invalid indices
// are rejected synchronously (ConfigInvalid.BadChannel).
func (s *Scheduler) SetChannel(index int, cfg ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= NumChannels {
		s.logger.Warn("ignoring invalid channel index", "index", index)
		return
	}
	s.channels[index] = cfg
	s.bumpConfigLocked()
}

// EnableModifierSafetyRelease controls whether stop/pause/seek also
// issues a batch platform-modifier release, per spec.md §9's open
// question. Off by default; only takes effect when the sink
// implements keysink.ModifierReleaser.
func (s *Scheduler) EnableModifierSafetyRelease(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseModifiersOnStop = enable
}

// Shutdown stops the worker, releasing every held key first, and
// blocks until it has exited.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) bumpConfigLocked() {
	s.state.ConfigVersion++
	s.cond.Broadcast()
}

func (s *Scheduler) reseekLocked(t float64) {
	s.nextIdx = sort.Search(len(s.events), func(i int) bool {
		return s.events[i].TimeS >= t
	})
}

func (s *Scheduler) rebuildLocked() {
	if s.parsed == nil {
		s.events = nil
		s.nextIdx = 0
		s.state.BuiltVersion = s.state.ConfigVersion
		return
	}
	result := Build(s.parsed, s.global, s.channels, s.noteMap)
	s.events = result.Events
	if result.UnmappedCount > 0 {
		s.logger.Warn("dropped notes with no note-map entry", "count", result.UnmappedCount)
	}
	s.state.BuiltVersion = s.state.ConfigVersion
	s.reseekLocked(s.state.CurrentTimeS)
}

func (s *Scheduler) dispatchLocked(ev TimedEvent) {
	switch ev.Kind {
	case Down:
		s.sink.Press(ev.Key, ev.Mod, ev.Window)
		s.activeKeys = append(s.activeKeys, activeKey{key: ev.Key, window: ev.Window})
	case Up:
		s.sink.Release(ev.Key, ev.Mod, ev.Window)
		s.removeActiveKeyLocked(ev.Key, ev.Window)
	}
}

func (s *Scheduler) removeActiveKeyLocked(key uint32, window keysink.WindowHandle) {
	for i := len(s.activeKeys) - 1; i >= 0; i-- {
		if s.activeKeys[i].key == key && s.activeKeys[i].window == window {
			last := len(s.activeKeys) - 1
			s.activeKeys[i] = s.activeKeys[last]
			s.activeKeys = s.activeKeys[:last]
			return
		}
	}
}

func (s *Scheduler) releaseAllLocked() {
	for _, ak := range s.activeKeys {
		s.sink.Release(ak.key, keysink.ModNone, ak.window)
	}
	s.activeKeys = s.activeKeys[:0]
	if s.releaseModifiersOnStop {
		if mr, ok := s.sink.(keysink.ModifierReleaser); ok {
			mr.ReleaseAllModifiers()
		}
	}
}

func (s *Scheduler) computeSleepLocked() time.Duration {
	if s.nextIdx >= len(s.events) {
		return uiTick
	}
	remaining := (s.events[s.nextIdx].TimeS - s.state.CurrentTimeS) / s.global.Speed
	if remaining < 0 {
		remaining = 0
	}
	d := time.Duration(remaining * float64(time.Second))
	if d > uiTick {
		d = uiTick
	}
	return d
}

// run is the dedicated worker loop (spec.md §4.F). It is pinned
// best-effort to its OS thread; correctness never depends on the
// pinning succeeding.
func (s *Scheduler) run() {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	last := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.shutdown {
			s.releaseAllLocked()
			s.state.Running = false
			return
		}

		if s.state.ConfigVersion != s.state.BuiltVersion {
			s.rebuildLocked()
		}

		if !s.state.Playing || s.state.Paused {
			s.cond.Wait()
			last = time.Now()
			continue
		}

		now := time.Now()
		dt := now.Sub(last).Seconds()
		if dt < 0 {
			dt = 0
		}
		last = now
		s.state.CurrentTimeS += dt * s.global.Speed

		for s.nextIdx < len(s.events) && s.events[s.nextIdx].TimeS <= s.state.CurrentTimeS {
			s.dispatchLocked(s.events[s.nextIdx])
			s.nextIdx++
		}

		sleepFor := s.computeSleepLocked()

		s.mu.Unlock()
		hybridSleep(sleepFor)
		s.mu.Lock()
	}
}

// hybridSleep bulk-sleeps most of target, then spin-yields the final
// stretch to absorb 1-2ms host-timer granularity (spec.md §4.F step 5).
func hybridSleep(target time.Duration) {
	if target >= 2*time.Millisecond {
		time.Sleep(target - spinMargin)
		target = spinMargin
	}
	if target > 0 {
		deadline := time.Now().Add(target)
		for time.Now().Before(deadline) {
			runtime.Gosched()
		}
		return
	}
	runtime.Gosched()
}
