// Package main is the entry point for the microdrum2midi API server
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/james-see/microdrum2midi/pkg/api"
	"github.com/james-see/microdrum2midi/pkg/bridge"
	"github.com/james-see/microdrum2midi/pkg/config"
	"github.com/james-see/microdrum2midi/pkg/logging"
	"github.com/james-see/microdrum2midi/pkg/midisink"
	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/translator"
	"go.uber.org/zap"
)

func main() {
	configFile := flag.String("config", "", "Config file")
	port := flag.Int("port", 0, "Server port (default from config)")
	flag.Parse()

	if err := run(*configFile, *port); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string, port int) error {
	if configFile == "" {
		if p, err := config.DefaultPath(); err == nil {
			configFile = p
		}
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.API.Port
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store := pins.NewStore()
	if err := store.LoadFile(cfg.Pins.File); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("pin file not loaded", zap.Error(err))
	}
	stage, err := translator.Build(cfg.Translator)
	if err != nil {
		return err
	}

	ports := midisink.NewPorts()
	defer ports.Close()
	sink, err := midisink.Connect(ports, cfg.MIDI.Output, log)
	if err != nil {
		log.Warn("MIDI output unavailable, notes will be logged", zap.Error(err))
	}
	if cfg.MIDI.NoteOff {
		sink = midisink.WithNoteOff(sink, midisink.DefaultNoteOffDelay)
	}
	defer func() { _ = sink.Close() }()

	ctrl := bridge.NewController(store, sink,
		bridge.WithLogger(log),
		bridge.WithTranslator(stage),
		bridge.WithPinsFile(cfg.Pins.File),
		bridge.WithLoadedThreshold(cfg.Pins.LoadedThreshold),
	)
	defer func() { _ = ctrl.Close() }()

	fmt.Printf("Starting microdrum2midi API server on port %d...\n", port)
	fmt.Printf("Swagger docs available at http://localhost:%d/swagger/index.html\n", port)
	return api.StartServer(port, ctrl,
		api.WithLogger(log),
		api.WithSerialConfig(cfg.Serial),
		api.WithDestinations(ports),
	)
}
