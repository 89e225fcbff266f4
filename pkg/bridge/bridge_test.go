package bridge

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/james-see/microdrum2midi/pkg/logging"
	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"github.com/james-see/microdrum2midi/pkg/translator"
	"github.com/james-see/microdrum2midi/pkg/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakePort behaves like a serial port with a 1 ms read timeout
type fakePort struct {
	mu     sync.Mutex
	in     []byte
	errs   []error
	writes [][]byte
	times  []time.Time
	closed bool
}

func (p *fakePort) push(b ...byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in = append(p.in, b...)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("bad file descriptor")
	}
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		p.mu.Unlock()
		return 0, err
	}
	if len(p.in) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	p.times = append(p.times, time.Now())
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type captureSink struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *captureSink) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

func (c *captureSink) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func (c *captureSink) Close() error { return nil }
func (c *captureSink) Name() string { return "capture" }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestLoop(port *fakePort, sink *captureSink, opts ...LoopOption) (*Loop, *pins.Store) {
	store := pins.NewStore()
	sess := transport.NewSession(port, transport.Config{Port: "fake"}, nil)
	engine := protocol.NewEngine(store, sess)
	framer := protocol.NewFramer(sess)
	return NewLoop(framer, engine, sink, opts...), store
}

func TestLoopForwardsNotes(t *testing.T) {
	port := &fakePort{}
	sink := &captureSink{}
	events := NewNotifier(8)
	lp, _ := newTestLoop(port, sink, WithNotifier(events))

	if err := lp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer lp.Stop(time.Second)

	port.push(0x99, 38, 100, 0xB9, 4, 127)
	waitFor(t, "two notes", func() bool { return len(sink.sent()) == 2 })

	got := sink.sent()
	if !bytes.Equal(got[0], []byte{0x99, 38, 100}) || !bytes.Equal(got[1], []byte{0xB9, 4, 127}) {
		t.Errorf("sent %X", got)
	}

	ev := <-events.Events()
	if ev.Kind != EventNote || ev.Note != (protocol.NoteEvent{Command: 0x99, Note: 38, Velocity: 100}) {
		t.Errorf("first event = %+v", ev)
	}
	if lp.Notes() != 2 {
		t.Errorf("Notes() = %d, want 2", lp.Notes())
	}
}

func TestLoopStageStillNotifies(t *testing.T) {
	port := &fakePort{}
	sink := &captureSink{}
	events := NewNotifier(8)
	lp, _ := newTestLoop(port, sink, WithNotifier(events), WithStage(translator.NewFilter(36)))
	_ = lp.Start()
	defer lp.Stop(time.Second)

	port.push(0x99, 36, 100, 0x99, 38, 90)
	waitFor(t, "two notifications", func() bool { return len(events.Events()) == 2 })

	if got := sink.sent(); len(got) != 1 || got[0][1] != 38 {
		t.Errorf("sent %X, want only note 38", got)
	}
}

func TestLoopAnswersLicense(t *testing.T) {
	port := &fakePort{}
	lp, _ := newTestLoop(port, &captureSink{})
	_ = lp.Start()
	defer lp.Stop(time.Second)

	port.push(0xF0, 0x77, 0x60, 0x02, 0x03, 0x00, 0xF7)
	waitFor(t, "license response", func() bool { return len(port.written()) == 1 })

	expected := []byte{0xF0, 0x77, 0x60, 0x02, 0x03, 0x1E, 0xF7}
	if got := port.written()[0]; !bytes.Equal(got, expected) {
		t.Errorf("response = %X, want %X", got, expected)
	}
}

func TestLoopAppliesReplies(t *testing.T) {
	port := &fakePort{}
	lp, store := newTestLoop(port, &captureSink{})
	_ = lp.Start()
	defer lp.Stop(time.Second)

	port.push(
		0xF0, 0x77, 0x02, 0x05, 0x01, 0x30, 0xF7,
		0xF0, 0x77, 0x02, 0x40, 0x01, 0x30, 0xF7, // pin out of range
		0xF0, 0x77, 0x02, 0x05, 0x00, 0x26, 0xF6, // bad terminator
		0xF0, 0x77, 0x02, 0x05, 0x00, 0x2A, 0xF7,
	)
	waitFor(t, "note reply", func() bool {
		v, _ := store.Value(5, pins.ParamNote)
		return v == 0x2A
	})
	if v, _ := store.Value(5, pins.ParamThreshold); v != 0x30 {
		t.Errorf("threshold = %d, want 48", v)
	}
	if lp.DiscardedFrames() != 1 {
		t.Errorf("DiscardedFrames() = %d, want 1", lp.DiscardedFrames())
	}
}

func TestLoopRetriesReadErrors(t *testing.T) {
	port := &fakePort{errs: []error{errors.New("device reports readiness but returned no data")}}
	sink := &captureSink{}
	lp, _ := newTestLoop(port, sink, WithTiming(100*time.Microsecond, time.Millisecond))
	_ = lp.Start()
	defer lp.Stop(time.Second)

	port.push(0x99, 42, 80)
	waitFor(t, "note after error", func() bool { return len(sink.sent()) == 1 })
	if lp.IOErrors() != 1 {
		t.Errorf("IOErrors() = %d, want 1", lp.IOErrors())
	}
	if lp.State() != StateRunning {
		t.Errorf("State() = %v, want running", lp.State())
	}
}

func TestLoopStop(t *testing.T) {
	port := &fakePort{}
	lp, _ := newTestLoop(port, &captureSink{})
	if err := lp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := lp.Start(); !errors.Is(err, ErrLoopRunning) {
		t.Errorf("second Start() error = %v, want ErrLoopRunning", err)
	}

	begin := time.Now()
	if !lp.Stop(time.Second) {
		t.Fatal("Stop() = false, want true")
	}
	if elapsed := time.Since(begin); elapsed > 50*time.Millisecond {
		t.Errorf("Stop() took %v", elapsed)
	}
	if lp.State() != StateIdle {
		t.Errorf("State() = %v, want idle", lp.State())
	}
	if port.isClosed() {
		t.Error("loop closed the transport")
	}
	if !lp.Stop(time.Second) {
		t.Error("Stop() on idle loop = false")
	}

	if err := lp.Start(); err != nil {
		t.Errorf("restart error = %v", err)
	}
	lp.Stop(time.Second)
}

func TestNotifier(t *testing.T) {
	n := NewNotifier(2)
	if !n.Note(protocol.NoteEvent{Command: 0x99}) || !n.Note(protocol.NoteEvent{Command: 0x99}) {
		t.Fatal("Note() dropped below capacity")
	}
	if n.Note(protocol.NoteEvent{Command: 0x99}) {
		t.Error("Note() on full queue = true")
	}
	if n.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", n.Dropped())
	}

	logs := NewNotifier(4)
	if _, err := logs.Write([]byte("first\nsecond\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if ev := <-logs.Events(); ev.Kind != EventLog || ev.Message != "first" {
		t.Errorf("event = %+v", ev)
	}
	if ev := <-logs.Events(); ev.Message != "second" || ev.Time.IsZero() {
		t.Errorf("event = %+v", ev)
	}
}

func TestNotifierWarnsOncePerOverflow(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	n := NewNotifier(1)
	n.SetLogger(zap.New(core))

	n.Note(protocol.NoteEvent{Command: 0x99})
	n.Note(protocol.NoteEvent{Command: 0x99})
	n.Note(protocol.NoteEvent{Command: 0x99})
	if logs.Len() != 1 {
		t.Fatalf("warnings = %d, want 1", logs.Len())
	}
	if msg := logs.All()[0].Message; !strings.Contains(msg, "queue full") {
		t.Errorf("warning = %q", msg)
	}

	<-n.Events()
	n.Note(protocol.NoteEvent{Command: 0x99})
	n.Note(protocol.NoteEvent{Command: 0x99})
	if logs.Len() != 2 {
		t.Errorf("warnings after a new overflow = %d, want 2", logs.Len())
	}
}

func TestNotifierLoggingIntoItself(t *testing.T) {
	n := NewNotifier(1)
	n.SetLogger(logging.Pane(n, zap.DebugLevel))

	n.Note(protocol.NoteEvent{Command: 0x99})
	if n.Note(protocol.NoteEvent{Command: 0x99}) {
		t.Error("Note() on full queue = true")
	}
	if n.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want the note and its warning", n.Dropped())
	}
}

func newTestController(t *testing.T, port *fakePort, opts ...ControllerOption) *Controller {
	t.Helper()
	opener := func(cfg transport.Config) (transport.Port, error) { return port, nil }
	opts = append([]ControllerOption{WithOpener(opener)}, opts...)
	return NewController(pins.NewStore(), &captureSink{}, opts...)
}

func TestControllerOpenClose(t *testing.T) {
	port := &fakePort{}
	file := filepath.Join(t.TempDir(), "pins.ini")
	c := newTestController(t, port, WithPinsFile(file), WithLoadedThreshold(1))

	if _, err := c.Engine(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Engine() before open error = %v, want ErrNotOpen", err)
	}
	if err := c.Open(transport.Config{Port: "/dev/ttyFAKE"}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := c.Open(transport.Config{Port: "/dev/ttyFAKE"}); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Open() error = %v, want ErrAlreadyOpen", err)
	}

	st := c.Status()
	if !st.Connected || !st.Running || st.BaudRate != transport.DefaultBaudRate || st.ID == "" {
		t.Errorf("Status() = %+v", st)
	}

	port.push(0xF0, 0x77, 0x02, 0x00, 0x01, 0x55, 0xF7)
	waitFor(t, "configs loaded", func() bool { return c.Status().ConfigsLoaded })

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !port.isClosed() {
		t.Error("Close() left the port open")
	}
	if c.Status().Connected {
		t.Error("Status().Connected after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	loaded := pins.NewStore()
	if err := loaded.LoadFile(file); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if v, _ := loaded.Value(0, pins.ParamThreshold); v != 0x55 {
		t.Errorf("persisted threshold = %d, want 85", v)
	}

	var kinds []string
	for len(c.Events().Events()) > 0 {
		ev := <-c.Events().Events()
		kinds = append(kinds, ev.Kind.String()+":"+ev.Message)
	}
	joined := strings.Join(kinds, ",")
	if !strings.HasPrefix(joined, "status:connected") || !strings.HasSuffix(joined, "status:disconnected") {
		t.Errorf("events = %s", joined)
	}
	if !strings.Contains(joined, "param:") {
		t.Errorf("events = %s, want a param event", joined)
	}
}

func TestControllerOpenFailure(t *testing.T) {
	opener := func(cfg transport.Config) (transport.Port, error) {
		return nil, errors.New("resource busy")
	}
	c := NewController(pins.NewStore(), nil, WithOpener(opener))

	err := c.Open(transport.Config{Port: "/dev/ttyACM0"})
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("Open() error = %v, want ErrUnavailable", err)
	}
	if st := c.Status(); st.Connected || st.Sink != "null" {
		t.Errorf("Status() = %+v", st)
	}
	if _, err := c.Engine(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Engine() error = %v, want ErrNotOpen", err)
	}
}

func TestControllerGetAll(t *testing.T) {
	if testing.Short() {
		t.Skip("paced requests take over a second")
	}
	port := &fakePort{}
	c := newTestController(t, port)
	if err := c.Open(transport.Config{Port: "/dev/ttyFAKE"}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	engine, err := c.Engine()
	if err != nil {
		t.Fatalf("Engine() error = %v", err)
	}
	if err := engine.Send(context.Background(), protocol.GetRequest(0, pins.ParamAll)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	writes := port.written()
	if len(writes) != 12 {
		t.Fatalf("wrote %d frames, want 12", len(writes))
	}
	seen := map[byte]bool{}
	for i, w := range writes {
		f, err := protocol.ParseFrame(w)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Opcode != protocol.OpGet || f.Pin != 0 {
			t.Errorf("frame %d = %v", i, f)
		}
		seen[f.Param] = true
		if i > 0 {
			if gap := port.times[i].Sub(port.times[i-1]); gap < protocol.DefaultRequestDelay {
				t.Errorf("gap before frame %d = %v", i, gap)
			}
		}
	}
	if len(seen) != 12 {
		t.Errorf("distinct params = %d, want 12", len(seen))
	}
}

func TestControllerAttach(t *testing.T) {
	port := &fakePort{}
	sink := &captureSink{}
	c := NewController(pins.NewStore(), sink)

	sess := transport.NewSession(port, transport.Config{Port: "loopback", BaudRate: transport.MIDIBaudRate}, nil)
	if err := c.Attach(sess); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := c.Attach(sess); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Attach() error = %v, want ErrAlreadyOpen", err)
	}

	port.push(0x99, 42, 64)
	waitFor(t, "forwarded note", func() bool { return len(sink.sent()) == 1 })

	st := c.Status()
	if !st.Connected || st.Port != "loopback" || st.BaudRate != 31250 || st.Notes != 1 || st.BytesIn != 3 {
		t.Errorf("Status() = %+v", st)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !port.isClosed() {
		t.Error("Close() left the transport open")
	}
}
