package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/james-see/microdrum2midi/pkg/pins"
	"go.uber.org/zap"
)

// Pacing between consecutive commands. The device cannot buffer faster than it replies.
const (
	DefaultRequestDelay  = 100 * time.Millisecond
	DefaultDownloadDelay = 200 * time.Millisecond
	DefaultDisableDelay  = 50 * time.Millisecond

	// DefaultLoadedThreshold is the number of parameter replies after which the
	// table counts as loaded from the device
	DefaultLoadedThreshold = 10
)

// ParamObserver is told about every parameter applied from a device reply
type ParamObserver func(pin int, p pins.Param, value uint8)

// Engine interprets command frames against a pin table and builds outgoing commands
type Engine struct {
	store *pins.Store
	w     io.Writer
	wmu   sync.Mutex
	log   *zap.Logger

	persist   func() error
	observer  ParamObserver
	threshold int64

	requestDelay  time.Duration
	downloadDelay time.Duration
	disableDelay  time.Duration

	received atomic.Int64
	loaded   atomic.Bool
	mode     atomic.Uint32
	licenses atomic.Uint64
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithPersist sets the function that commits the pin table to disk
func WithPersist(fn func() error) Option {
	return func(e *Engine) {
		e.persist = fn
	}
}

// WithParamObserver registers a callback for applied device replies
func WithParamObserver(fn ParamObserver) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

// WithLoadedThreshold sets how many replies mark the table as loaded
func WithLoadedThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.threshold = int64(n)
		}
	}
}

// WithPacing overrides the delays between request, download and disable commands
func WithPacing(request, download, disable time.Duration) Option {
	return func(e *Engine) {
		e.requestDelay = request
		e.downloadDelay = download
		e.disableDelay = disable
	}
}

// NewEngine creates an Engine writing commands to w
func NewEngine(store *pins.Store, w io.Writer, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		w:             w,
		log:           zap.NewNop(),
		persist:       func() error { return nil },
		threshold:     DefaultLoadedThreshold,
		requestDelay:  DefaultRequestDelay,
		downloadDelay: DefaultDownloadDelay,
		disableDelay:  DefaultDisableDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.mode.Store(uint32(ModeSetup))
	return e
}

// Handle applies a frame received from the device. Errors are informational;
// the frame has been discarded without side effects when one is returned.
func (e *Engine) Handle(f Frame) error {
	switch f.Opcode {
	case OpGet:
		return e.applyReply(f)
	case OpLicense:
		resp := LicenseResponse(f.Pin, f.Param)
		if err := e.write(resp); err != nil {
			return fmt.Errorf("license response: %w", err)
		}
		e.licenses.Add(1)
		e.log.Info("license challenge answered",
			zap.Uint8("a", f.Pin), zap.Uint8("b", f.Param), zap.Uint8("hash", resp.Value))
		return nil
	case OpMode:
		e.mode.Store(uint32(f.Pin))
		e.log.Debug("device reported mode", zap.Stringer("mode", Mode(f.Pin)))
		return nil
	case OpSet, OpSetSave:
		e.log.Debug("set echo ignored", zap.Stringer("frame", f))
		return nil
	}
	return fmt.Errorf("%w: unknown opcode 0x%02X", ErrFrameDecode, uint8(f.Opcode))
}

func (e *Engine) applyReply(f Frame) error {
	if int(f.Pin) >= pins.PinCount {
		return fmt.Errorf("%w: pin %d out of range", ErrFrameDecode, f.Pin)
	}
	p := pins.Param(f.Param)
	if p == pins.ParamAll {
		e.log.Debug("get-all request from device ignored", zap.Uint8("pin", f.Pin))
		return nil
	}
	if !p.Valid() {
		return fmt.Errorf("%w: unknown param 0x%02X", ErrFrameDecode, f.Param)
	}
	if err := e.store.Set(int(f.Pin), p, f.Value); err != nil {
		return err
	}
	e.log.Debug("parameter received",
		zap.Uint8("pin", f.Pin), zap.Stringer("param", p), zap.Uint8("value", f.Value))
	if e.observer != nil {
		e.observer(int(f.Pin), p, f.Value)
	}

	if e.received.Add(1) >= e.threshold && e.loaded.CompareAndSwap(false, true) {
		e.log.Info("configuration loaded from device", zap.Int64("received", e.received.Load()))
		if err := e.persist(); err != nil {
			e.log.Error("failed to persist pin table", zap.Error(err))
		}
	}
	return nil
}

// Send writes one frame. A get request for pins.ParamAll is expanded into twelve
// paced requests.
func (e *Engine) Send(ctx context.Context, f Frame) error {
	if f.Opcode == OpGet && pins.Param(f.Param) == pins.ParamAll {
		return e.RequestAll(ctx, int(f.Pin))
	}
	if err := e.write(f); err != nil {
		return err
	}
	if f.Opcode == OpSetSave {
		return e.persist()
	}
	return nil
}

// RequestParam asks the device for a single parameter
func (e *Engine) RequestParam(pin int, p pins.Param) error {
	if pin < 0 || pin >= pins.PinCount {
		return fmt.Errorf("%w: %d", pins.ErrInvalidPin, pin)
	}
	return e.write(GetRequest(pin, p))
}

// RequestAll asks for the twelve parameters of a pin, one request per delay
func (e *Engine) RequestAll(ctx context.Context, pin int) error {
	if pin < 0 || pin >= pins.PinCount {
		return fmt.Errorf("%w: %d", pins.ErrInvalidPin, pin)
	}
	e.log.Info("requesting pin configuration", zap.Int("pin", pin))
	for _, p := range pins.Params {
		if err := e.write(GetRequest(pin, p)); err != nil {
			return err
		}
		if err := sleep(ctx, e.requestDelay); err != nil {
			return err
		}
	}
	return nil
}

// RequestAllPins asks for every pin, pacing each request. Each request carries
// pins.ParamAll on the wire and relies on the firmware answering with all twelve
// parameters, unlike Send and RequestAll which expand it locally. A full upload
// therefore costs 48 writes instead of 576.
func (e *Engine) RequestAllPins(ctx context.Context) error {
	e.received.Store(0)
	e.loaded.Store(false)
	for pin := 0; pin < pins.PinCount; pin++ {
		if err := e.write(GetRequest(pin, pins.ParamAll)); err != nil {
			return err
		}
		if err := sleep(ctx, e.requestDelay); err != nil {
			return err
		}
	}
	return nil
}

// SetParam clamps and writes one parameter, storing it locally first
func (e *Engine) SetParam(pin int, p pins.Param, value int, save bool) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %s", pins.ErrUnknownParam, p)
	}
	v, err := pins.Clamp(value)
	if err != nil {
		e.log.Warn("value clamped", zap.Int("pin", pin), zap.Stringer("param", p), zap.Int("value", value))
	}
	if err := e.store.Set(pin, p, v); err != nil {
		return err
	}
	return e.Send(context.Background(), SetRequest(pin, p, v, save))
}

// DownloadPin writes every parameter of a pin from the local table to the device,
// then persists the table
func (e *Engine) DownloadPin(ctx context.Context, pin int, save bool) error {
	pp, err := e.store.Get(pin)
	if err != nil {
		return err
	}
	for _, p := range pins.Params {
		v, _ := pp.Value(p)
		e.log.Debug("sending parameter", zap.Int("pin", pin), zap.Stringer("param", p), zap.Uint8("value", v))
		if err := e.write(SetRequest(pin, p, v, save)); err != nil {
			return err
		}
		if err := sleep(ctx, e.downloadDelay); err != nil {
			return err
		}
	}
	if err := e.persist(); err != nil {
		return err
	}
	e.log.Info("pin downloaded", zap.Int("pin", pin))
	return nil
}

// DisableAll marks every pin Disabled locally and on the device, then persists
func (e *Engine) DisableAll(ctx context.Context, save bool) error {
	for pin := 0; pin < pins.PinCount; pin++ {
		if err := e.store.Set(pin, pins.ParamType, uint8(pins.TypeDisabled)); err != nil {
			return err
		}
		if err := e.write(SetRequest(pin, pins.ParamType, uint8(pins.TypeDisabled), save)); err != nil {
			return err
		}
		if err := sleep(ctx, e.disableDelay); err != nil {
			return err
		}
	}
	e.log.Info("all pins disabled")
	return e.persist()
}

// ChangeMode switches the device operating mode
func (e *Engine) ChangeMode(m Mode) error {
	if err := e.write(ModeChange(m)); err != nil {
		return err
	}
	e.mode.Store(uint32(m))
	e.log.Info("mode changed", zap.Stringer("mode", m))
	return nil
}

// Mode returns the last mode set or reported
func (e *Engine) Mode() Mode {
	return Mode(e.mode.Load())
}

// ConfigsLoaded reports whether enough replies arrived to count the table as loaded
func (e *Engine) ConfigsLoaded() bool {
	return e.loaded.Load()
}

// Received returns the number of parameter replies applied
func (e *Engine) Received() int {
	return int(e.received.Load())
}

// LicensesAnswered returns the number of license challenges answered
func (e *Engine) LicensesAnswered() uint64 {
	return e.licenses.Load()
}

func (e *Engine) write(f Frame) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if _, err := e.w.Write(f.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", f.Opcode, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
