package midisink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"
)

// Recorder captures every message it is sent into a Standard MIDI File take
type Recorder struct {
	mu              sync.Mutex
	ticksPerQuarter uint16
	tempo           float64
	last            time.Time
	track           smf.Track
	events          int
	now             func() time.Time
}

// NewRecorder creates a recorder at 120 BPM with 480 ticks per quarter note
func NewRecorder() *Recorder {
	return &Recorder{
		ticksPerQuarter: 480,
		tempo:           120.0,
		now:             time.Now,
	}
}

// Send appends msg at the elapsed time since the first message
func (r *Recorder) Send(msg []byte) error {
	if len(msg) == 0 || msg[0] < 0x80 || msg[0] >= 0xF0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.events == 0 {
		r.last = now
		r.addHeader()
	}
	delta := r.ticks(now.Sub(r.last))
	r.last = r.last.Add(r.duration(delta))
	r.track.Add(delta, append([]byte(nil), msg...))
	r.events++
	return nil
}

func (r *Recorder) addHeader() {
	microsecondsPerBeat := uint32(60000000.0 / r.tempo)
	r.track.Add(0, smf.Message([]byte{
		0xFF, 0x51, 0x03,
		byte(microsecondsPerBeat >> 16),
		byte(microsecondsPerBeat >> 8),
		byte(microsecondsPerBeat),
	}))
}

// ticks converts a duration to ticks at the recorder tempo
func (r *Recorder) ticks(d time.Duration) uint32 {
	perTick := r.duration(1)
	return uint32(d / perTick)
}

func (r *Recorder) duration(ticks uint32) time.Duration {
	quarter := time.Duration(60.0 / r.tempo * float64(time.Second))
	return quarter * time.Duration(ticks) / time.Duration(r.ticksPerQuarter)
}

// Events returns the number of recorded messages
func (r *Recorder) Events() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// WriteTo writes the take as a single-track SMF
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == 0 {
		return 0, errors.New("nothing recorded")
	}

	track := make(smf.Track, len(r.track))
	copy(track, r.track)
	track.Close(0)

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(r.ticksPerQuarter)
	if err := s.Add(track); err != nil {
		return 0, fmt.Errorf("failed to add track: %w", err)
	}
	return s.WriteTo(w)
}

// Save writes the take to a .mid file
func (r *Recorder) Save(path string) error {
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write MIDI file: %w", err)
	}
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Name() string { return "recorder" }
