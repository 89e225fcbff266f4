package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/james-see/microdrum2midi/pkg/bridge"
	"github.com/james-see/microdrum2midi/pkg/config"
	"github.com/james-see/microdrum2midi/pkg/logging"
	"github.com/james-see/microdrum2midi/pkg/midisink"
	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"github.com/james-see/microdrum2midi/pkg/translator"
	"go.uber.org/zap"
)

// app holds what the commands share
type app struct {
	cfg    config.Config
	log    *zap.Logger
	events *bridge.Notifier
	ports  *midisink.Ports
}

type logTarget int

const (
	logStderr logTarget = iota
	logPane
)

// loadApp reads the config file, applies the global flags and builds the logger
func loadApp(target logTarget) (*app, error) {
	path := configFile
	if path == "" {
		if p, err := config.DefaultPath(); err == nil {
			path = p
		}
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if serialPort != "" {
		cfg.Serial.Port = serialPort
	}
	if baudRate != 0 {
		cfg.Serial.BaudRate = baudRate
	}
	if midiOut != "" {
		cfg.MIDI.Output = midiOut
	}
	if pinsFile != "" {
		cfg.Pins.File = pinsFile
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	a := &app{cfg: cfg, events: bridge.NewNotifier(bridge.DefaultQueueSize)}
	switch target {
	case logPane:
		lvl, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		a.log = logging.Pane(a.events, lvl)
		if logFile != "" {
			base, err := logging.NewFile(cfg.Log.Level, logFile)
			if err != nil {
				return nil, err
			}
			a.log = logging.Tee(base, a.events, lvl)
		}
	default:
		l, err := logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return nil, err
		}
		a.log = l
	}
	a.events.SetLogger(a.log)
	return a, nil
}

func (a *app) close() {
	if a.ports != nil {
		a.ports.Close()
	}
	_ = a.log.Sync()
}

// loadStore reads the pin table file, starting from defaults when it does not exist yet
func (a *app) loadStore() *pins.Store {
	store := pins.NewStore()
	if err := store.LoadFile(a.cfg.Pins.File); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.log.Warn("pin file not loaded", zap.String("file", a.cfg.Pins.File), zap.Error(err))
		}
	}
	return store
}

// openSink connects the configured MIDI output, falling back to a NullSink
func (a *app) openSink() (midisink.Sink, func()) {
	if a.ports == nil {
		a.ports = midisink.NewPorts()
	}
	sink, err := midisink.Connect(a.ports, a.cfg.MIDI.Output, a.log)
	if err != nil {
		a.log.Warn("MIDI output unavailable, notes will be logged", zap.Error(err))
	}
	if a.cfg.MIDI.NoteOff {
		sink = midisink.WithNoteOff(sink, midisink.DefaultNoteOffDelay)
	}

	var rec *midisink.Recorder
	if a.cfg.MIDI.Record != "" {
		rec = midisink.NewRecorder()
		sink = midisink.MultiSink{sink, rec}
	}

	return sink, func() {
		if err := sink.Close(); err != nil {
			a.log.Warn("failed to close MIDI output", zap.Error(err))
		}
		if rec == nil {
			return
		}
		if err := rec.Save(a.cfg.MIDI.Record); err != nil {
			a.log.Error("failed to save recording", zap.Error(err))
			return
		}
		a.log.Info("recording saved", zap.String("file", a.cfg.MIDI.Record), zap.Int("events", rec.Events()))
	}
}

// controller builds a session controller around the pin table and sink
func (a *app) controller(sink midisink.Sink) (*bridge.Controller, error) {
	stage, err := translator.Build(a.cfg.Translator)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = midisink.NewNullSink(a.log)
	}
	return bridge.NewController(a.loadStore(), sink,
		bridge.WithLogger(a.log),
		bridge.WithEvents(a.events),
		bridge.WithTranslator(stage),
		bridge.WithPinsFile(a.cfg.Pins.File),
		bridge.WithLoadedThreshold(a.cfg.Pins.LoadedThreshold),
	), nil
}

// withSession opens the device, runs fn and closes the session, saving the pin table
func (a *app) withSession(ctx context.Context, fn func(context.Context, *bridge.Controller, *protocol.Engine) error) error {
	ctrl, err := a.controller(nil)
	if err != nil {
		return err
	}
	if err := ctrl.Open(a.cfg.Serial); err != nil {
		return err
	}
	engine, err := ctrl.Engine()
	if err != nil {
		_ = ctrl.Close()
		return err
	}
	runErr := fn(ctx, ctrl, engine)
	if err := ctrl.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// waitReplies blocks until the engine has applied want more replies than start
func waitReplies(ctx context.Context, e *protocol.Engine, start, want int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if got := e.Received() - start; got >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("received %d of %d parameter replies: %w", e.Received()-start, want, ctx.Err())
		case <-ticker.C:
		}
	}
}
