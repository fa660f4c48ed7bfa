package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chase3718/midiplay/internal/engine"
	"github.com/chase3718/midiplay/internal/keymap"
	"github.com/chase3718/midiplay/internal/keysink"
	"github.com/chase3718/midiplay/internal/midi"
	"github.com/chase3718/midiplay/internal/midimon"
	"github.com/chase3718/midiplay/internal/ntpclock"
	"github.com/chase3718/midiplay/internal/schedstart"
)

// logger is the package-wide structured logger. Safe to use before
// initLogger is called; defaults to slog.Default().
var logger = slog.Default()

// initLogger configures the shared slog logger and calls
// slog.SetDefault so the stdlib log package also routes through it.
func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug,
	})
	logger = slog.New(h)
	slog.SetDefault(logger)
}

// channelFlags holds one channel's command-line flag destinations,
// addressed by index per spec.md §6.
type channelFlags struct {
	enabled     *bool
	window      *uint
	transpose   *int
	trackFilter *int
}

func main() {
	file := flag.String("file", "", "path to a Standard MIDI File to load")
	minPitch := flag.Int("min-pitch", 0, "minimum post-transpose pitch (inclusive)")
	maxPitch := flag.Int("max-pitch", 127, "maximum post-transpose pitch (inclusive)")
	speed := flag.Float64("speed", 1.0, "playback speed multiplier")
	decompose := flag.Bool("decompose", false, "decompose simultaneous notes into a staggered chord")
	latencyUs := flag.Int64("latency-us", 0, "signed scheduled-start latency compensation, in microseconds")
	keymapPath := flag.String("keymap", "", "path to a note-key map text file (defaults to the built-in map)")
	startAt := flag.String("start-at", "", "mm:ss wall-clock target for a scheduled start; empty starts immediately")
	sinkKind := flag.String("sink", "log", "key dispatch backend: \"log\" or \"uinput\"")
	midiMonitorOut := flag.String("midi-monitor-out", "", "name pattern of a MIDI output port to mirror dispatched events to")
	debug := flag.Bool("debug", false, "enable debug logging (adds source location)")

	var channels [engine.NumChannels]channelFlags
	for i := range channels {
		prefix := fmt.Sprintf("channel%d.", i)
		channels[i] = channelFlags{
			enabled:     flag.Bool(prefix+"enabled", false, "enable this channel"),
			window:      flag.Uint(prefix+"window", 0, "target window handle (0 = currently focused window)"),
			transpose:   flag.Int(prefix+"transpose", 0, "fixed transpose in semitones (0 = smart transpose)"),
			trackFilter: flag.Int(prefix+"trackfilter", -1, "restrict this channel to one source track index (-1 = all tracks)"),
		}
	}
	flag.Parse()

	initLogger(*debug)
	logger.Info("midiplay starting", "file", *file, "sink", *sinkKind, "speed", *speed, "debug", *debug)

	if *file == "" {
		logger.Error("missing required -file flag")
		os.Exit(1)
	}

	noteMap := keymap.New()
	if *keymapPath != "" {
		f, err := os.Open(*keymapPath)
		if err != nil {
			logger.Error("opening keymap file failed", "path", *keymapPath, "err", err)
			os.Exit(1)
		}
		parsed, skipped, err := noteMap.Load(f)
		f.Close()
		if err != nil {
			logger.Error("loading keymap failed", "path", *keymapPath, "err", err)
			os.Exit(1)
		}
		logger.Info("keymap loaded", "path", *keymapPath, "parsed", parsed, "skipped", skipped)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		logger.Error("reading midi file failed", "path", *file, "err", err)
		os.Exit(1)
	}
	parsed, err := midi.Parse(data)
	if err != nil {
		logger.Error("parsing midi file failed", "path", *file, "err", err)
		os.Exit(1)
	}
	logger.Info("midi file parsed", "tracks", len(parsed.Tracks), "length_s", parsed.LengthS, "bpm", parsed.InitialBPM)

	sink, closeSink, err := buildSink(*sinkKind, noteMap)
	if err != nil {
		logger.Error("building key sink failed", "sink", *sinkKind, "err", err)
		os.Exit(1)
	}
	defer closeSink()

	if *midiMonitorOut != "" {
		mon, err := midimon.Open(sink, *midiMonitorOut, 0, logger)
		if err != nil {
			logger.Warn("midi monitor unavailable, continuing without it", "pattern", *midiMonitorOut, "err", err)
		} else {
			defer mon.Close()
			sink = mon
		}
	}

	sched := engine.NewScheduler(sink, noteMap, logger)
	defer sched.Shutdown()

	sched.Load(parsed)
	sched.SetSpeed(*speed)
	sched.SetPitchRange(*minPitch, *maxPitch)
	sched.SetDecompose(*decompose)
	for i, cf := range channels {
		sched.SetChannel(i, engine.ChannelConfig{
			Enabled:            *cf.enabled,
			TransposeSemitones: *cf.transpose,
			Window:             keysink.WindowHandle(*cf.window),
			TrackFilter:        *cf.trackFilter,
		})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("signal received, stopping playback")
		sched.Stop()
		os.Exit(0)
	}()

	clock := ntpclock.New()
	if ok, err := clock.Sync(); !ok {
		logger.Warn("initial ntp sync failed, scheduled start uses host wall clock", "err", err)
	}
	clock.StartAutoSync()
	defer clock.StopAutoSync()

	if *startAt != "" {
		mm, ss, err := parseMMSS(*startAt)
		if err != nil {
			logger.Error("invalid -start-at value", "value", *startAt, "err", err)
			os.Exit(1)
		}
		starter := schedstart.New(clock.GetNow, sched, logger)
		starter.SetLatencyCompensation(*latencyUs)
		logger.Info("scheduled start armed", "target", fmt.Sprintf("%02d:%02d", mm, ss))
		starter.Arm(mm, ss)
	} else {
		sched.Play()
	}

	for {
		time.Sleep(time.Second)
		st := sched.Snapshot()
		logger.Debug("status", "playing", st.Playing, "current_s", st.CurrentTimeS, "length_s", st.LengthS)
		if !st.Playing && st.CurrentTimeS >= st.LengthS && st.LengthS > 0 {
			logger.Info("playback finished")
			return
		}
	}
}

func buildSink(kind string, noteMap *keymap.Map) (keysink.Sink, func(), error) {
	switch kind {
	case "log":
		return keysink.NewLogSink(logger), func() {}, nil
	case "uinput":
		keys := mappedKeyCodes(noteMap)
		s, err := keysink.NewUinputSink("midiplay virtual keyboard", keys, logger)
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown sink kind %q", kind)
	}
}

func mappedKeyCodes(m *keymap.Map) []uint32 {
	seen := make(map[uint32]bool)
	var keys []uint32
	for pitch := 0; pitch < 128; pitch++ {
		mapping, ok := m.Get(pitch)
		if !ok || seen[mapping.Key] {
			continue
		}
		seen[mapping.Key] = true
		keys = append(keys, mapping.Key)
	}
	return keys
}

func parseMMSS(s string) (mm, ss int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected mm:ss, got %q", s)
	}
	mm, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minutes in %q: %w", s, err)
	}
	ss, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid seconds in %q: %w", s, err)
	}
	if mm < 0 || ss < 0 || ss > 59 {
		return 0, 0, fmt.Errorf("out of range mm:ss %q", s)
	}
	return mm, ss, nil
}
