package bridge

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/james-see/microdrum2midi/pkg/midisink"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"github.com/james-see/microdrum2midi/pkg/translator"
	"github.com/james-see/microdrum2midi/pkg/transport"
	"go.uber.org/zap"
)

// Loop timing
const (
	DefaultPollInterval = 500 * time.Microsecond
	DefaultBackoff      = 100 * time.Millisecond
	DefaultStopTimeout  = time.Second
)

var ErrLoopRunning = errors.New("bridge loop already running")

// State is the loop lifecycle state
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Loop is the single reader of the transport. It hands command frames to the
// engine and note events to the sink.
type Loop struct {
	framer *protocol.Framer
	engine *protocol.Engine
	sink   midisink.Sink
	stage  translator.Stage
	notify *Notifier
	log    *zap.Logger

	poll    time.Duration
	backoff time.Duration

	run   atomic.Bool
	state atomic.Int32
	done  chan struct{}

	notes     atomic.Uint64
	ioErrors  atomic.Uint64
	sendFails atomic.Uint64
	discarded atomic.Uint64
}

// LoopOption configures a Loop
type LoopOption func(*Loop)

// WithLoopLogger sets the loop logger
func WithLoopLogger(l *zap.Logger) LoopOption {
	return func(lp *Loop) {
		lp.log = l
	}
}

// WithStage runs note events through a translator stage before the sink
func WithStage(s translator.Stage) LoopOption {
	return func(lp *Loop) {
		lp.stage = s
	}
}

// WithNotifier sets the queue note events are raised on
func WithNotifier(n *Notifier) LoopOption {
	return func(lp *Loop) {
		lp.notify = n
	}
}

// WithTiming overrides the idle poll interval and the read error backoff
func WithTiming(poll, backoff time.Duration) LoopOption {
	return func(lp *Loop) {
		lp.poll = poll
		lp.backoff = backoff
	}
}

// NewLoop creates an idle loop
func NewLoop(framer *protocol.Framer, engine *protocol.Engine, sink midisink.Sink, opts ...LoopOption) *Loop {
	lp := &Loop{
		framer:  framer,
		engine:  engine,
		sink:    sink,
		log:     zap.NewNop(),
		poll:    DefaultPollInterval,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(lp)
	}
	if lp.sink == nil {
		lp.sink = midisink.NewNullSink(lp.log)
	}
	return lp
}

// Start launches the read goroutine
func (lp *Loop) Start() error {
	if !lp.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrLoopRunning
	}
	lp.done = make(chan struct{})
	lp.run.Store(true)
	go lp.loop(lp.done)
	return nil
}

// Stop clears the run flag and waits up to timeout for the goroutine to exit.
// It reports whether the loop exited in time.
func (lp *Loop) Stop(timeout time.Duration) bool {
	if State(lp.state.Load()) == StateIdle {
		return true
	}
	lp.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	lp.run.Store(false)

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-lp.done:
		return true
	case <-t.C:
		lp.log.Warn("bridge loop did not stop in time", zap.Duration("timeout", timeout))
		return false
	}
}

// State returns the lifecycle state
func (lp *Loop) State() State {
	return State(lp.state.Load())
}

// Done is closed when the current run exits
func (lp *Loop) Done() <-chan struct{} {
	return lp.done
}

// Notes returns how many note events were dispatched
func (lp *Loop) Notes() uint64 {
	return lp.notes.Load()
}

// SendFailures returns how many sink sends failed
func (lp *Loop) SendFailures() uint64 {
	return lp.sendFails.Load()
}

// DiscardedFrames returns how many well-framed messages the engine rejected
func (lp *Loop) DiscardedFrames() uint64 {
	return lp.discarded.Load()
}

// IOErrors returns how many read errors were retried
func (lp *Loop) IOErrors() uint64 {
	return lp.ioErrors.Load()
}

func (lp *Loop) loop(done chan struct{}) {
	defer func() {
		lp.flush()
		lp.state.Store(int32(StateIdle))
		close(done)
	}()
	lp.log.Debug("bridge loop started")

	for lp.run.Load() {
		msg, err := lp.framer.Next()
		if err != nil {
			if !lp.run.Load() {
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				lp.log.Warn("transport closed under the bridge loop")
				return
			}
			lp.ioErrors.Add(1)
			lp.log.Warn("serial read failed, retrying", zap.Error(err), zap.Duration("backoff", lp.backoff))
			time.Sleep(lp.backoff)
			continue
		}
		if msg == nil {
			time.Sleep(lp.poll)
			continue
		}
		lp.dispatch(msg)
	}
	lp.log.Debug("bridge loop stopped")
}

func (lp *Loop) send(msgs [][]byte) {
	for _, b := range msgs {
		if err := lp.sink.Send(b); err != nil {
			lp.sendFails.Add(1)
			lp.log.Warn("MIDI send failed", zap.Error(err))
		}
	}
}

// flush releases messages a buffering stage still holds
func (lp *Loop) flush() {
	if f, ok := lp.stage.(translator.Flusher); ok {
		lp.send(f.Flush())
	}
}

func (lp *Loop) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Frame:
		if err := lp.engine.Handle(m); err != nil {
			if errors.Is(err, protocol.ErrFrameDecode) {
				lp.discarded.Add(1)
				lp.log.Debug("frame discarded", zap.Error(err))
				return
			}
			lp.log.Warn("failed to handle frame", zap.Stringer("frame", m), zap.Error(err))
		}
	case protocol.NoteEvent:
		lp.notes.Add(1)
		out := [][]byte{m.Bytes()}
		if lp.stage != nil {
			out = lp.stage.Process(m.Bytes())
		}
		lp.send(out)
		if lp.notify != nil {
			lp.notify.Note(m)
		}
	}
}
