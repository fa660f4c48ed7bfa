package midi

import (
	"encoding/binary"
)

var (
	headerChunkID = [4]byte{'M', 'T', 'h', 'd'}
	trackChunkID  = [4]byte{'M', 'T', 'r', 'k'}
)

// Parse decodes data as a Type-0/1/2 Standard MIDI File and returns a
// ParsedFile, per spec.md §4.B. It never retains data.
func Parse(data []byte) (*ParsedFile, error) {
	p := &parser{data: data}
	return p.parse()
}

type parser struct {
	data []byte
	pos  int
}

func (p *parser) remaining() int { return len(p.data) - p.pos }

func (p *parser) readByte() (byte, error) {
	if p.remaining() < 1 {
		return 0, newParseError(kindTruncated, "unexpected EOF at offset %d", p.pos)
	}
	b := p.data[p.pos]
	p.pos++
	return b, nil
}

func (p *parser) peekByte() (byte, error) {
	if p.remaining() < 1 {
		return 0, newParseError(kindTruncated, "unexpected EOF at offset %d", p.pos)
	}
	return p.data[p.pos], nil
}

func (p *parser) readBytes(n int) ([]byte, error) {
	if p.remaining() < n {
		return nil, newParseError(kindTruncated, "need %d bytes at offset %d, have %d", n, p.pos, p.remaining())
	}
	b := p.data[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

func (p *parser) readU16() (uint16, error) {
	b, err := p.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (p *parser) readU32() (uint32, error) {
	b, err := p.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// readVarlen decodes a MIDI variable-length quantity: up to 4 bytes,
// 7 bits each, big-endian, continuation bit 0x80. If the 4th byte still
// has its continuation bit set, it returns a VarlenOverflow error.
func (p *parser) readVarlen() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := p.readByte()
		if err != nil {
			return 0, err
		}
		v = (v << 7) | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, newParseError(kindVarlenOverflow, "varlen exceeds 4 bytes at offset %d", p.pos)
}

func (p *parser) parse() (*ParsedFile, error) {
	hdr, err := p.readBytes(4)
	if err != nil {
		return nil, err
	}
	if [4]byte(hdr) != headerChunkID {
		return nil, newParseError(kindInvalidHeader, "bad chunk ID %q", hdr)
	}
	headerLen, err := p.readU32()
	if err != nil {
		return nil, err
	}
	if headerLen != 6 {
		return nil, newParseError(kindInvalidHeader, "expected header length 6, got %d", headerLen)
	}
	format, err := p.readU16()
	if err != nil {
		return nil, err
	}
	numTracks, err := p.readU16()
	if err != nil {
		return nil, err
	}
	division, err := p.readU16()
	if err != nil {
		return nil, err
	}

	pf := &ParsedFile{Format: int(format)}

	var ticksPerQuarter int
	var tm *tempoMap
	if division&0x8000 != 0 {
		// SMPTE time code division: high byte is -fps (signed), low
		// byte is ticks per frame (spec.md §9, signed-byte reading).
		rawFPS := int(int8(byte(division >> 8)))
		ticksPerFrame := int(division & 0xFF)
		fps := smpteFPS(-rawFPS)
		pf.IsSMPTE = true
		tm = newSMPTETempoMap(fps, float64(ticksPerFrame))
		ticksPerQuarter = ticksPerFrame // unused for SMPTE conversion, kept for completeness
	} else {
		ticksPerQuarter = int(division & 0x7FFF)
		pf.TicksPerQuarter = ticksPerQuarter
	}

	var allTempoEvents []tempoEvent
	var firstTimeSig *[2]int
	trackResults := make([]trackResult, 0, numTracks)

	for i := 0; i < int(numTracks); i++ {
		if p.remaining() == 0 {
			break
		}
		tr, err := p.parseTrackChunk(i)
		if err != nil {
			return nil, err
		}
		trackResults = append(trackResults, tr)
		allTempoEvents = append(allTempoEvents, tr.tempoEvents...)
		if firstTimeSig == nil && len(tr.timeSigEvents) > 0 {
			for _, ts := range tr.timeSigEvents {
				if ts.tick == 0 {
					v := [2]int{ts.num, ts.den}
					firstTimeSig = &v
					break
				}
			}
		}
	}

	sortTempoEvents(allTempoEvents)

	if !pf.IsSMPTE {
		tm = newTempoMap(allTempoEvents, ticksPerQuarter)
	}

	if len(allTempoEvents) > 0 {
		pf.InitialBPM = 60_000_000.0 / float64(firstTempoMicros(allTempoEvents))
	} else {
		pf.InitialBPM = 60_000_000.0 / float64(defaultTempoMicros)
	}
	if firstTimeSig != nil {
		pf.InitialTimeSigN, pf.InitialTimeSigD = firstTimeSig[0], firstTimeSig[1]
	} else {
		pf.InitialTimeSigN, pf.InitialTimeSigD = 4, 4
	}

	pf.Tracks = make([]Track, len(trackResults))
	pf.NotesByTrack = make([][]RawNote, len(trackResults))

	var maxEnd float32
	for i, tr := range trackResults {
		pf.Tracks[i] = Track{Name: tr.name, NoteCount: len(tr.notes)}
		notes := make([]RawNote, 0, len(tr.notes))
		for _, n := range tr.notes {
			start := tm.tickToSeconds(n.startTick, ticksPerQuarter)
			end := tm.tickToSeconds(n.endTick, ticksPerQuarter)
			dur := end - start
			if dur < 0 {
				dur = 0
			}
			note := RawNote{
				StartS:     float32(start),
				DurationS:  float32(dur),
				Pitch:      n.pitch,
				TrackIndex: i,
				Channel:    n.channel + 1,
			}
			notes = append(notes, note)
			if e := note.StartS + note.DurationS; e > maxEnd {
				maxEnd = e
			}
		}
		pf.NotesByTrack[i] = notes
	}

	pf.LengthS = maxEnd
	if pf.LengthS == 0 {
		var lastTick int
		for _, tr := range trackResults {
			if tr.lastTick > lastTick {
				lastTick = tr.lastTick
			}
		}
		pf.LengthS = float32(tm.tickToSeconds(lastTick, ticksPerQuarter))
	}

	return pf, nil
}

func firstTempoMicros(events []tempoEvent) int {
	for _, e := range events {
		if e.tick == 0 {
			return e.microsPerQN
		}
	}
	return defaultTempoMicros
}

func sortTempoEvents(events []tempoEvent) {
	// Small N in practice; insertion sort keeps this dependency-free
	// and avoids pulling in sort.Slice for what's typically under a
	// few dozen tempo changes per file.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j-1].tick > events[j].tick; j-- {
			events[j-1], events[j] = events[j], events[j-1]
		}
	}
}

type timeSigEvent struct {
	tick int
	num  int
	den  int
}

type noteSpan struct {
	startTick int
	endTick   int
	pitch     int
	channel   int // 0-origin internally
}

type trackResult struct {
	name          string
	notes         []noteSpan
	tempoEvents   []tempoEvent
	timeSigEvents []timeSigEvent
	lastTick      int
}

// openNoteTable tracks open (unmatched) Note-On ticks per (channel,
// pitch). channel*128+pitch spans exactly 0..2047, so a fixed array of
// stacks never collides — unlike the source's hashed lookup, no
// overflow side-table is needed here.
type openNoteTable [2048][]int

func noteKey(channel, pitch int) int { return channel*128 + pitch }

func (t *openNoteTable) push(channel, pitch, tick int) {
	k := noteKey(channel, pitch)
	t[k] = append(t[k], tick)
}

func (t *openNoteTable) pop(channel, pitch int) (int, bool) {
	k := noteKey(channel, pitch)
	stack := t[k]
	if len(stack) == 0 {
		return 0, false
	}
	start := stack[len(stack)-1]
	t[k] = stack[:len(stack)-1]
	return start, true
}

func (p *parser) parseTrackChunk(index int) (trackResult, error) {
	id, err := p.readBytes(4)
	if err != nil {
		return trackResult{}, err
	}
	if [4]byte(id) != trackChunkID {
		return trackResult{}, newParseError(kindInvalidHeader, "track %d: expected MTrk, got %q", index, id)
	}
	length, err := p.readU32()
	if err != nil {
		return trackResult{}, err
	}
	if p.remaining() < int(length) {
		return trackResult{}, newParseError(kindTruncated, "track %d: chunk length %d exceeds remaining data", index, length)
	}

	end := p.pos + int(length)
	tp := &trackParser{parser: p, end: end}
	return tp.run(index)
}

type trackParser struct {
	*parser
	end          int
	tick         int
	runningState byte
	haveRunning  bool
	open         openNoteTable
}

func (tp *trackParser) run(index int) (trackResult, error) {
	var tr trackResult

	for tp.pos < tp.end {
		delta, err := tp.readVarlen()
		if err != nil {
			return trackResult{}, err
		}
		tp.tick += int(delta)

		status, err := tp.peekByte()
		if err != nil {
			return trackResult{}, err
		}

		if status&0x80 != 0 {
			tp.pos++
			if status != 0xF0 && status != 0xF7 && status != 0xFF {
				tp.runningState = status
				tp.haveRunning = true
			}
		} else {
			if !tp.haveRunning {
				return trackResult{}, newParseError(kindTruncated, "track %d: data byte with no running status at offset %d", index, tp.pos)
			}
			status = tp.runningState
		}

		switch {
		case status == 0xFF:
			done, err := tp.handleMeta(&tr)
			if err != nil {
				return trackResult{}, err
			}
			if done {
				goto closeTrack
			}
		case status == 0xF0 || status == 0xF7:
			n, err := tp.readVarlen()
			if err != nil {
				return trackResult{}, err
			}
			if _, err := tp.readBytes(int(n)); err != nil {
				return trackResult{}, err
			}
			tp.haveRunning = false
		default:
			if err := tp.handleChannelEvent(status, &tr); err != nil {
				return trackResult{}, err
			}
		}
	}

closeTrack:
	tr.lastTick = tp.tick
	for k := 0; k < 2048; k++ {
		channel := k / 128
		pitch := k % 128
		for _, start := range tp.open[k] {
			tr.notes = append(tr.notes, noteSpan{startTick: start, endTick: tp.tick, pitch: pitch, channel: channel})
		}
	}
	// Keep note order close to emission (Note-On) order: stable sort by
	// start tick, ties broken by original stack order already
	// preserved above.
	sortNotesByStart(tr.notes)

	tp.pos = tp.end // ensure caller's cursor lands exactly at chunk end
	return tr, nil
}

func sortNotesByStart(notes []noteSpan) {
	for i := 1; i < len(notes); i++ {
		for j := i; j > 0 && notes[j-1].startTick > notes[j].startTick; j-- {
			notes[j-1], notes[j] = notes[j], notes[j-1]
		}
	}
}

// handleMeta parses a meta event (status already consumed). Returns
// done=true on end-of-track (0x2F).
func (tp *trackParser) handleMeta(tr *trackResult) (bool, error) {
	metaType, err := tp.readByte()
	if err != nil {
		return false, err
	}
	length, err := tp.readVarlen()
	if err != nil {
		return false, err
	}
	payload, err := tp.readBytes(int(length))
	if err != nil {
		return false, err
	}

	switch metaType {
	case 0x03: // track name
		tr.name = string(payload)
	case 0x51: // tempo
		if len(payload) >= 3 {
			micros := int(payload[0])<<16 | int(payload[1])<<8 | int(payload[2])
			tr.tempoEvents = append(tr.tempoEvents, tempoEvent{tick: tp.tick, microsPerQN: micros})
		}
	case 0x58: // time signature
		if len(payload) >= 2 {
			num := int(payload[0])
			den := 1 << payload[1]
			tr.timeSigEvents = append(tr.timeSigEvents, timeSigEvent{tick: tp.tick, num: num, den: den})
		}
	case 0x2F: // end of track
		return true, nil
	}
	return false, nil
}

func (tp *trackParser) handleChannelEvent(status byte, tr *trackResult) error {
	msgType := status & 0xF0
	channel := int(status & 0x0F)

	switch msgType {
	case 0x90: // note on
		pitch, err := tp.readByte()
		if err != nil {
			return err
		}
		vel, err := tp.readByte()
		if err != nil {
			return err
		}
		if vel == 0 {
			tp.closeNote(channel, int(pitch), tr)
		} else {
			tp.open.push(channel, int(pitch), tp.tick)
		}
	case 0x80: // note off
		pitch, err := tp.readByte()
		if err != nil {
			return err
		}
		if _, err := tp.readByte(); err != nil { // velocity, unused
			return err
		}
		tp.closeNote(channel, int(pitch), tr)
	case 0xA0, 0xB0, 0xE0: // aftertouch, control change, pitch bend: 2 data bytes
		if _, err := tp.readBytes(2); err != nil {
			return err
		}
	case 0xC0, 0xD0: // program change, channel aftertouch: 1 data byte
		if _, err := tp.readBytes(1); err != nil {
			return err
		}
	}
	return nil
}

func (tp *trackParser) closeNote(channel, pitch int, tr *trackResult) {
	if start, ok := tp.open.pop(channel, pitch); ok {
		tr.notes = append(tr.notes, noteSpan{startTick: start, endTick: tp.tick, pitch: pitch, channel: channel})
	}
}
