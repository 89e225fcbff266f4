// Package translator rewrites MIDI messages coming from the trigger module
package translator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Status nibbles and defaults
const (
	statusNoteOff       = 0x80
	statusNoteOn        = 0x90
	statusProgramChange = 0xC0

	// DrumNoteOn is a Note-On on channel 10
	DrumNoteOn = 0x99

	// DefaultVelocity replaces a zero velocity
	DefaultVelocity = 64
)

// DefaultPadMap maps pad indices to General MIDI drum notes
var DefaultPadMap = map[uint8]uint8{
	0: 38, // snare
	1: 36, // kick
	2: 42, // closed hi-hat
	3: 46, // open hi-hat
	4: 41, // low floor tom
	5: 43, // high floor tom
	6: 45, // low tom
	7: 49, // crash
	8: 51, // ride
}

// DefaultBlocklist holds the notes the filter drops when none are configured
var DefaultBlocklist = []uint8{36}

// Stage transforms one message into zero or more messages
type Stage interface {
	Process(msg []byte) [][]byte
}

// Flusher is implemented by stages that hold messages back
type Flusher interface {
	Flush() [][]byte
}

// StageFunc adapts a function to a Stage
type StageFunc func(msg []byte) [][]byte

// Process calls f
func (f StageFunc) Process(msg []byte) [][]byte { return f(msg) }

func isNoteOn(msg []byte) bool  { return len(msg) >= 3 && msg[0]&0xF0 == statusNoteOn }
func isNoteOff(msg []byte) bool { return len(msg) >= 3 && msg[0]&0xF0 == statusNoteOff }

func one(msg []byte) [][]byte { return [][]byte{msg} }

// Filter drops Note-Ons for blocked notes
type Filter struct {
	blocked map[uint8]struct{}
}

// NewFilter creates a filter blocking the given notes
func NewFilter(notes ...uint8) *Filter {
	f := &Filter{blocked: make(map[uint8]struct{}, len(notes))}
	for _, n := range notes {
		f.blocked[n] = struct{}{}
	}
	return f
}

// Blocked reports whether note is dropped
func (f *Filter) Blocked(note uint8) bool {
	_, ok := f.blocked[note]
	return ok
}

// Process drops blocked Note-Ons and passes everything else
func (f *Filter) Process(msg []byte) [][]byte {
	if isNoteOn(msg) && f.Blocked(msg[1]) {
		return nil
	}
	return one(msg)
}

// Remap rewrites note numbers and lifts Note-On velocities
type Remap struct {
	notes map[uint8]uint8
}

// NewRemap creates a remap stage. Notes missing from m keep their number.
func NewRemap(m map[uint8]uint8) *Remap {
	notes := make(map[uint8]uint8, len(m))
	for k, v := range m {
		notes[k] = v
	}
	return &Remap{notes: notes}
}

// Note returns the mapped note number
func (r *Remap) Note(n uint8) uint8 {
	if m, ok := r.notes[n]; ok {
		return m
	}
	return n
}

// Process remaps Note-On and Note-Off. A Note-On keeps a nonzero velocity and a
// zero velocity becomes DefaultVelocity.
func (r *Remap) Process(msg []byte) [][]byte {
	switch {
	case isNoteOn(msg):
		vel := msg[2]
		if vel == 0 {
			vel = DefaultVelocity
		}
		return one([]byte{msg[0], r.Note(msg[1]), vel})
	case isNoteOff(msg):
		return one([]byte{msg[0], r.Note(msg[1]), msg[2]})
	}
	return one(msg)
}

// ProgramChange rebuilds hits the module sends as a Program-Change followed by two
// single data bytes. The triple becomes a channel 10 Note-On for the pad's note.
// Messages that cannot start or continue the pattern leave the window oldest first.
type ProgramChange struct {
	pads map[uint8]uint8
	buf  [][]byte
}

// NewProgramChange creates the stage with a pad index to note table
func NewProgramChange(pads map[uint8]uint8) *ProgramChange {
	if pads == nil {
		pads = DefaultPadMap
	}
	return &ProgramChange{pads: pads}
}

// Process buffers msg and emits whatever can no longer be part of a hit
func (p *ProgramChange) Process(msg []byte) [][]byte {
	p.buf = append(p.buf, append([]byte(nil), msg...))
	var out [][]byte
	for len(p.buf) > 0 {
		if !p.prefixMatches() {
			out = append(out, p.buf[0])
			p.buf = p.buf[1:]
			continue
		}
		if len(p.buf) < 3 {
			break
		}
		out = append(out, p.note())
		p.buf = p.buf[:0]
	}
	return out
}

func (p *ProgramChange) prefixMatches() bool {
	first := p.buf[0]
	if len(first) == 0 || len(first) > 2 || first[0]&0xF0 != statusProgramChange {
		return false
	}
	for _, m := range p.buf[1:] {
		if len(m) != 1 || m[0] > 0x7F {
			return false
		}
	}
	return true
}

func (p *ProgramChange) note() []byte {
	note := p.buf[1][0]
	if mapped, ok := p.pads[note]; ok {
		note = mapped
	}
	vel := p.buf[2][0]
	if vel == 0 {
		vel = DefaultVelocity
	}
	return []byte{DrumNoteOn, note, vel}
}

// Pending returns the number of buffered messages
func (p *ProgramChange) Pending() int { return len(p.buf) }

// Flush releases buffered messages unchanged
func (p *ProgramChange) Flush() [][]byte {
	out := p.buf
	p.buf = nil
	return out
}

// Pipeline feeds each stage's output into the next
type Pipeline []Stage

// Process runs msg through every stage
func (pl Pipeline) Process(msg []byte) [][]byte {
	msgs := one(msg)
	for _, s := range pl {
		var next [][]byte
		for _, m := range msgs {
			next = append(next, s.Process(m)...)
		}
		if len(next) == 0 {
			return nil
		}
		msgs = next
	}
	return msgs
}

// Flush drains buffering stages in order, passing their output through later stages
func (pl Pipeline) Flush() [][]byte {
	var out [][]byte
	for i, s := range pl {
		f, ok := s.(Flusher)
		if !ok {
			continue
		}
		for _, m := range f.Flush() {
			out = append(out, pl[i+1:].Process(m)...)
		}
	}
	return out
}

// Stage names accepted by Build
const (
	StageFilter        = "filter"
	StageRemap         = "remap"
	StageProgramChange = "program-change"
)

// Options configures the stages Build creates
type Options struct {
	Stages    []string    `yaml:"stages"`
	Blocklist []int       `yaml:"blocklist"`
	NoteMap   map[int]int `yaml:"note_map"`
}

// DefaultOptions enables no stage and carries the default tables
func DefaultOptions() Options {
	o := Options{NoteMap: map[int]int{}}
	for _, n := range DefaultBlocklist {
		o.Blocklist = append(o.Blocklist, int(n))
	}
	for k, v := range DefaultPadMap {
		o.NoteMap[int(k)] = int(v)
	}
	return o
}

// Build creates a pipeline from stage names
func Build(o Options) (Pipeline, error) {
	blocked := make([]uint8, 0, len(o.Blocklist))
	for _, n := range o.Blocklist {
		if n < 0 || n > 127 {
			return nil, fmt.Errorf("invalid blocked note %d", n)
		}
		blocked = append(blocked, uint8(n))
	}
	notes := make(map[uint8]uint8, len(o.NoteMap))
	for k, v := range o.NoteMap {
		if k < 0 || k > 127 || v < 0 || v > 127 {
			return nil, fmt.Errorf("invalid note mapping %d:%d", k, v)
		}
		notes[uint8(k)] = uint8(v)
	}

	var pl Pipeline
	for _, name := range o.Stages {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case StageFilter:
			pl = append(pl, NewFilter(blocked...))
		case StageRemap:
			pl = append(pl, NewRemap(notes))
		case StageProgramChange, "pc":
			pl = append(pl, NewProgramChange(nil))
		default:
			return nil, fmt.Errorf("unknown translator stage %q", name)
		}
	}
	return pl, nil
}

// ParseNoteMap parses "0:38,1:36" into a note map
func ParseNoteMap(s string) (map[int]int, error) {
	m := map[int]int{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		from, to, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid note mapping %q", pair)
		}
		f, err := parseNote(from)
		if err != nil {
			return nil, err
		}
		t, err := parseNote(to)
		if err != nil {
			return nil, err
		}
		m[f] = t
	}
	return m, nil
}

// FormatNoteMap renders a note map in ParseNoteMap form, sorted by source note
func FormatNoteMap(m map[int]int) string {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%d:%d", k, m[k])
	}
	return strings.Join(parts, ",")
}

func parseNote(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 127 {
		return 0, fmt.Errorf("invalid note %q", s)
	}
	return n, nil
}
