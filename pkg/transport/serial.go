// Package transport owns the serial link to the trigger module
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Serial defaults
const (
	DefaultBaudRate     = 115200
	MIDIBaudRate        = 31250
	DefaultReadTimeout  = time.Millisecond
	DefaultWriteTimeout = 100 * time.Millisecond
)

var (
	ErrUnavailable = errors.New("transport unavailable")
	ErrIO          = errors.New("transport i/o error")
	ErrClosed      = errors.New("transport closed")
	// ErrWritePending is returned while a timed-out write is still blocked in the port
	ErrWritePending = errors.New("previous write still pending")
)

// Config describes how to open the link
type Config struct {
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baud_rate"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Patterns matched against USB product names when Port is empty or "auto"
	Detect []string `yaml:"detect"`
}

// DefaultConfig returns 115200 8N1 with a 1 ms read timeout
func DefaultConfig() Config {
	return Config{
		Port:         "auto",
		BaudRate:     DefaultBaudRate,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		Detect:       DefaultDetectPatterns,
	}
}

// Port is the byte channel a Session wraps. Read must return (0, nil) on timeout.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the underlying port for a config
type Opener func(cfg Config) (Port, error)

// Session is an open link. Reads are owned by the bridge loop; writes are serialized.
type Session struct {
	cfg  Config
	port Port
	log  *zap.Logger
	id   uuid.UUID

	wmu      sync.Mutex
	stalled  chan struct{} // closed when a timed-out write returns; guarded by wmu
	closed   atomic.Bool
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// Option configures Open
type Option func(*options)

type options struct {
	log    *zap.Logger
	opener Opener
}

// WithLogger sets the session logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithOpener replaces the serial port opener
func WithOpener(fn Opener) Option {
	return func(o *options) {
		o.opener = fn
	}
}

// Open resolves the port name, opens it and applies the low-latency settings
func Open(cfg Config, opts ...Option) (*Session, error) {
	o := options{log: zap.NewNop(), opener: openSerial}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Port == "" || cfg.Port == "auto" {
		name, err := Detect(cfg.Detect)
		if err != nil {
			return nil, err
		}
		cfg.Port = name
	}

	port, err := o.opener(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, cfg.Port, err)
	}
	s := newSession(port, cfg, o.log)
	s.log.Info("serial port opened", zap.String("port", cfg.Port), zap.Int("baud", cfg.BaudRate))
	return s, nil
}

// NewSession wraps an already open port
func NewSession(port Port, cfg Config, l *zap.Logger) *Session {
	if l == nil {
		l = zap.NewNop()
	}
	return newSession(port, cfg, l)
}

func newSession(port Port, cfg Config, l *zap.Logger) *Session {
	id := uuid.New()
	return &Session{
		cfg:  cfg,
		port: port,
		id:   id,
		log:  l.With(zap.String("session", id.String())),
	}
}

func openSerial(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	// go.bug.st/serial opens unix ports with TIOCEXCL, giving exclusive access
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to reset input buffer: %w", err)
	}
	return port, nil
}

// ID identifies this open session
func (s *Session) ID() uuid.UUID { return s.id }

// Name returns the resolved port name
func (s *Session) Name() string { return s.cfg.Port }

// Config returns the effective configuration
func (s *Session) Config() Config { return s.cfg }

// Read reads whatever arrived within the read timeout; (0, nil) means nothing did
func (s *Session) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := s.port.Read(p)
	s.bytesIn.Add(uint64(n))
	if err != nil {
		if s.closed.Load() {
			return n, ErrClosed
		}
		return n, fmt.Errorf("%w: read: %v", ErrIO, err)
	}
	return n, nil
}

// Write sends p, giving up after the write timeout. A timed-out frame may
// still reach the device once the port unblocks; until then further writes
// fail with ErrWritePending instead of racing it.
func (s *Session) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.stalled != nil {
		select {
		case <-s.stalled:
			s.stalled = nil
		default:
			return 0, fmt.Errorf("%w: %w", ErrIO, ErrWritePending)
		}
	}

	if s.cfg.WriteTimeout <= 0 {
		return s.finishWrite(s.port.Write(p))
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		n, err := s.port.Write(p)
		done <- result{n, err}
	}()

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return s.finishWrite(r.n, r.err)
	case <-timer.C:
		s.stalled = finished
		s.log.Warn("serial write timed out", zap.Duration("timeout", s.cfg.WriteTimeout), zap.Int("bytes", len(p)))
		return 0, fmt.Errorf("%w: write timed out after %v", ErrIO, s.cfg.WriteTimeout)
	}
}

func (s *Session) finishWrite(n int, err error) (int, error) {
	s.bytesOut.Add(uint64(n))
	if err != nil {
		return n, fmt.Errorf("%w: write: %v", ErrIO, err)
	}
	return n, nil
}

// Stats returns byte counters
func (s *Session) Stats() (in, out uint64) {
	return s.bytesIn.Load(), s.bytesOut.Load()
}

// Close releases the port. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", s.cfg.Port, err)
	}
	s.log.Info("serial port closed", zap.String("port", s.cfg.Port))
	return nil
}
