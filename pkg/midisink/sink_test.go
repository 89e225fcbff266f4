package midisink

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"
)

type captureSink struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

func (c *captureSink) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// fakeEnumerator implements Enumerator for testing
type fakeEnumerator struct {
	names   []string
	opened  []int
	openErr error
}

func (f *fakeEnumerator) Destinations() ([]string, error) { return f.names, nil }

func (f *fakeEnumerator) Open(index int) (Sink, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened = append(f.opened, index)
	return &captureSink{}, nil
}

func TestFind(t *testing.T) {
	names := []string{"Midi Through:0", "IAC Driver Bus 1", "loopMIDI Port"}
	tests := []struct {
		name     string
		query    string
		expected int
		wantErr  bool
	}{
		{"empty selects first", "", 0, false},
		{"exact", "loopMIDI Port", 2, false},
		{"substring", "iac", 1, false},
		{"missing", "Roland", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Find(names, tt.query)
			if (err != nil) != tt.wantErr || got != tt.expected {
				t.Errorf("Find(%q) = %d, %v, want %d (err %v)", tt.query, got, err, tt.expected, tt.wantErr)
			}
		})
	}

	if _, err := Find(nil, ""); !errors.Is(err, ErrNoDestination) {
		t.Errorf("Find(nil) error = %v, want ErrNoDestination", err)
	}
}

func TestConnect(t *testing.T) {
	enum := &fakeEnumerator{names: []string{"A", "IAC Driver"}}
	sink, err := Connect(enum, "IAC", nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if sink.Name() != "capture" {
		t.Errorf("Connect() sink = %s, want capture", sink.Name())
	}
	if len(enum.opened) != 1 || enum.opened[0] != 1 {
		t.Errorf("opened = %v, want [1]", enum.opened)
	}
}

func TestConnectFallsBackToNull(t *testing.T) {
	sink, err := Connect(&fakeEnumerator{}, "", nil)
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("Connect() error = %v, want ErrNoDestination", err)
	}
	null, ok := sink.(*NullSink)
	if !ok {
		t.Fatalf("Connect() sink = %T, want *NullSink", sink)
	}
	if err := null.Send([]byte{0x99, 36, 100}); err != nil {
		t.Errorf("NullSink.Send() error = %v", err)
	}
	if null.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", null.Dropped())
	}
}

func TestConnectOpenFailure(t *testing.T) {
	sink, err := Connect(&fakeEnumerator{names: []string{"A"}, openErr: errors.New("busy")}, "A", nil)
	if err == nil {
		t.Fatal("Connect() error = nil, want open failure")
	}
	if _, ok := sink.(*NullSink); !ok {
		t.Errorf("Connect() sink = %T, want *NullSink", sink)
	}
}

func TestNoteOffSink(t *testing.T) {
	inner := &captureSink{}
	s := WithNoteOff(inner, 10*time.Millisecond)

	_ = s.Send([]byte{0x99, 38, 100})
	_ = s.Send([]byte{0xB9, 4, 127})
	_ = s.Send([]byte{0x99, 36, 0})

	deadline := time.Now().Add(time.Second)
	for inner.count() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.msgs) != 4 {
		t.Fatalf("sent %d messages, want 4", len(inner.msgs))
	}
	if !bytes.Equal(inner.msgs[3], []byte{0x89, 38, 0}) {
		t.Errorf("release = %X, want 89 26 00", inner.msgs[3])
	}
}

func TestNoteOffSinkCloseCancels(t *testing.T) {
	inner := &captureSink{}
	s := WithNoteOff(inner, 50*time.Millisecond)
	_ = s.Send([]byte{0x90, 40, 90})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if n := inner.count(); n != 1 {
		t.Errorf("sent %d messages after Close, want 1", n)
	}
	if !inner.closed {
		t.Error("Close() did not close the wrapped sink")
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	m := MultiSink{a, b}
	_ = m.Send([]byte{0x90, 1, 2})
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("counts = %d, %d, want 1, 1", a.count(), b.count())
	}
	if m.Name() != "capture+capture" {
		t.Errorf("Name() = %q", m.Name())
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	base := time.Unix(0, 0)
	clock := base
	r.now = func() time.Time { return clock }

	_ = r.Send([]byte{0x99, 36, 100})
	clock = base.Add(500 * time.Millisecond)
	_ = r.Send([]byte{0x99, 38, 90})
	_ = r.Send([]byte{0xF0, 0x77, 0x01})

	if r.Events() != 2 {
		t.Fatalf("Events() = %d, want 2", r.Events())
	}

	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	s, err := smf.ReadFrom(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("smf.ReadFrom() error = %v", err)
	}
	if len(s.Tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(s.Tracks))
	}

	var notes []uint32
	var tick uint32
	for _, ev := range s.Tracks[0] {
		tick += ev.Delta
		if len(ev.Message) == 3 && ev.Message[0] == 0x99 {
			notes = append(notes, tick)
		}
	}
	if len(notes) != 2 || notes[0] != 0 || notes[1] != 480 {
		t.Errorf("note ticks = %v, want [0 480]", notes)
	}
}

func TestRecorderEmpty(t *testing.T) {
	if _, err := NewRecorder().WriteTo(&bytes.Buffer{}); err == nil {
		t.Error("WriteTo() on empty recorder error = nil")
	}
}
