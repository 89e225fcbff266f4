package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/james-see/microdrum2midi/pkg/midisink"
	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"github.com/james-see/microdrum2midi/pkg/translator"
	"github.com/james-see/microdrum2midi/pkg/transport"
	"go.uber.org/zap"
)

var (
	ErrNotOpen     = errors.New("no device session open")
	ErrAlreadyOpen = errors.New("device session already open")
)

// Status is a snapshot of the run state
type Status struct {
	ID            string `json:"id,omitempty"`
	Port          string `json:"port,omitempty"`
	BaudRate      int    `json:"baud_rate,omitempty"`
	Connected     bool   `json:"connected"`
	Running       bool   `json:"running"`
	ConfigsLoaded bool   `json:"configs_loaded"`
	Mode          string `json:"mode"`
	Received      int    `json:"received"`
	Notes         uint64 `json:"notes"`
	DecodeErrors  uint64 `json:"decode_errors"`
	IOErrors      uint64 `json:"io_errors"`
	SendFailures  uint64 `json:"send_failures"`
	BytesIn       uint64 `json:"bytes_in"`
	BytesOut      uint64 `json:"bytes_out"`
	Dropped       uint64 `json:"dropped_events"`
	Sink          string `json:"sink"`
}

// Controller serializes opening and closing of the device session and owns
// the transport, engine and loop while it is open
type Controller struct {
	store  *pins.Store
	sink   midisink.Sink
	notify *Notifier
	log    *zap.Logger

	stage       translator.Stage
	pinsFile    string
	threshold   int
	stopTimeout time.Duration
	opener      transport.Opener
	engineOpts  []protocol.Option
	loopOpts    []LoopOption

	mu     sync.Mutex
	sess   *transport.Session
	framer *protocol.Framer
	engine *protocol.Engine
	loop   *Loop
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithLogger sets the controller logger
func WithLogger(l *zap.Logger) ControllerOption {
	return func(c *Controller) {
		c.log = l
	}
}

// WithEvents sets the notification queue
func WithEvents(n *Notifier) ControllerOption {
	return func(c *Controller) {
		c.notify = n
	}
}

// WithTranslator routes note events through a translator stage
func WithTranslator(s translator.Stage) ControllerOption {
	return func(c *Controller) {
		c.stage = s
	}
}

// WithPinsFile sets where the pin table is persisted
func WithPinsFile(path string) ControllerOption {
	return func(c *Controller) {
		c.pinsFile = path
	}
}

// WithLoadedThreshold sets how many replies mark the table as loaded
func WithLoadedThreshold(n int) ControllerOption {
	return func(c *Controller) {
		c.threshold = n
	}
}

// WithStopTimeout bounds the wait for the loop on Close
func WithStopTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.stopTimeout = d
	}
}

// WithOpener replaces the serial port opener
func WithOpener(fn transport.Opener) ControllerOption {
	return func(c *Controller) {
		c.opener = fn
	}
}

// WithEngineOptions passes extra options to every engine created
func WithEngineOptions(opts ...protocol.Option) ControllerOption {
	return func(c *Controller) {
		c.engineOpts = append(c.engineOpts, opts...)
	}
}

// WithLoopOptions passes extra options to every loop created
func WithLoopOptions(opts ...LoopOption) ControllerOption {
	return func(c *Controller) {
		c.loopOpts = append(c.loopOpts, opts...)
	}
}

// NewController creates a closed controller
func NewController(store *pins.Store, sink midisink.Sink, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:       store,
		sink:        sink,
		log:         zap.NewNop(),
		threshold:   protocol.DefaultLoadedThreshold,
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notify == nil {
		c.notify = NewNotifier(DefaultQueueSize)
		c.notify.SetLogger(c.log)
	}
	if c.sink == nil {
		c.sink = midisink.NewNullSink(c.log)
	}
	return c
}

// Open opens the transport and starts the loop. On failure the controller stays closed.
func (c *Controller) Open(cfg transport.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return ErrAlreadyOpen
	}

	topts := []transport.Option{transport.WithLogger(c.log)}
	if c.opener != nil {
		topts = append(topts, transport.WithOpener(c.opener))
	}
	sess, err := transport.Open(cfg, topts...)
	if err != nil {
		c.log.Error("failed to open device", zap.Error(err))
		return err
	}
	c.attach(sess)
	return nil
}

// Attach starts a session on an already open transport
func (c *Controller) Attach(sess *transport.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return ErrAlreadyOpen
	}
	c.attach(sess)
	return nil
}

func (c *Controller) attach(sess *transport.Session) {
	log := c.log.With(zap.String("session", sess.ID().String()))
	eopts := append([]protocol.Option{
		protocol.WithLogger(log),
		protocol.WithPersist(c.Persist),
		protocol.WithParamObserver(c.notify.Param),
		protocol.WithLoadedThreshold(c.threshold),
	}, c.engineOpts...)
	engine := protocol.NewEngine(c.store, sess, eopts...)
	framer := protocol.NewFramer(sess, protocol.WithFramerLogger(log))

	lopts := append([]LoopOption{
		WithLoopLogger(log),
		WithNotifier(c.notify),
		WithStage(c.stage),
	}, c.loopOpts...)
	loop := NewLoop(framer, engine, c.sink, lopts...)

	c.sess, c.engine, c.framer, c.loop = sess, engine, framer, loop
	_ = loop.Start()
	log.Info("device session started", zap.String("port", sess.Name()), zap.String("sink", c.sink.Name()))
	c.notify.Notify(Event{Kind: EventStatus, Message: "connected", Status: c.status()})
}

// Close stops the loop, waits up to the stop timeout, then releases the transport
// and persists the pin table
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}

	if !c.loop.Stop(c.stopTimeout) {
		c.log.Warn("closing transport with bridge loop still running")
	}
	closeErr := c.sess.Close()
	if err := c.Persist(); err != nil {
		c.log.Error("failed to persist pin table", zap.Error(err))
	}
	c.log.Info("device session closed", zap.String("port", c.sess.Name()))

	c.sess, c.engine, c.framer, c.loop = nil, nil, nil, nil
	c.notify.Notify(Event{Kind: EventStatus, Message: "disconnected", Status: c.status()})
	return closeErr
}

// Engine returns the engine of the open session
func (c *Controller) Engine() (*protocol.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil, ErrNotOpen
	}
	return c.engine, nil
}

// Loop returns the loop of the open session
func (c *Controller) Loop() (*Loop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop == nil {
		return nil, ErrNotOpen
	}
	return c.loop, nil
}

// Store returns the pin table
func (c *Controller) Store() *pins.Store {
	return c.store
}

// Events returns the notification queue
func (c *Controller) Events() *Notifier {
	return c.notify
}

// Sink returns the MIDI destination
func (c *Controller) Sink() midisink.Sink {
	return c.sink
}

// Persist writes the pin table to the pins file, if one is set
func (c *Controller) Persist() error {
	if c.pinsFile == "" {
		return nil
	}
	if err := c.store.SaveFile(c.pinsFile); err != nil {
		return err
	}
	c.log.Debug("pin table saved", zap.String("file", c.pinsFile))
	return nil
}

// Status returns a snapshot of the run state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

func (c *Controller) status() Status {
	st := Status{
		Mode:    protocol.ModeSetup.String(),
		Dropped: c.notify.Dropped(),
		Sink:    c.sink.Name(),
	}
	if c.sess == nil {
		return st
	}
	st.ID = c.sess.ID().String()
	st.Port = c.sess.Name()
	st.BaudRate = c.sess.Config().BaudRate
	st.Connected = true
	st.Running = c.loop.State() == StateRunning
	st.ConfigsLoaded = c.engine.ConfigsLoaded()
	st.Mode = c.engine.Mode().String()
	st.Received = c.engine.Received()
	st.Notes = c.loop.Notes()
	st.DecodeErrors = c.framer.DecodeErrors() + c.loop.DiscardedFrames()
	st.IOErrors = c.loop.IOErrors()
	st.SendFailures = c.loop.SendFailures()
	st.BytesIn, st.BytesOut = c.sess.Stats()
	return st
}

// String renders the status for the CLI
func (s Status) String() string {
	if !s.Connected {
		return "disconnected"
	}
	return fmt.Sprintf("%s @ %d baud, mode %s, %d params received, loaded=%v, %d notes",
		s.Port, s.BaudRate, s.Mode, s.Received, s.ConfigsLoaded, s.Notes)
}
