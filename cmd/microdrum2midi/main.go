// Package main is the entry point for the microdrum2midi CLI
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/james-see/microdrum2midi/pkg/api"
	"github.com/james-see/microdrum2midi/pkg/bridge"
	"github.com/james-see/microdrum2midi/pkg/config"
	"github.com/james-see/microdrum2midi/pkg/midisink"
	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"github.com/james-see/microdrum2midi/pkg/translator"
	"github.com/james-see/microdrum2midi/pkg/transport"
	"github.com/james-see/microdrum2midi/pkg/tui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFile string
	serialPort string
	baudRate   int
	midiOut    string
	pinsFile   string
	logLevel   string
	logFile    string

	saveToDevice bool
	uploadPin    int
	getTimeout   time.Duration
	uploadWait   time.Duration
	autoConnect  bool
	apiPort      int
	midiIn       string
	fromSerial   bool
	stages       string
	noteMap      string
	sniffView    string
	verbose      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "microdrum2midi",
	Short: "Configure a microDRUM trigger module and bridge its hits to MIDI",
	Long: `microdrum2midi talks to an Arduino based microDRUM e-drum trigger module over
its serial port. It edits the 48 pin parameters, answers the module's license
challenges and forwards trigger hits to a MIDI output port.

Examples:
  microdrum2midi ports
  microdrum2midi bridge --midi-out "loopMIDI"
  microdrum2midi get 3
  microdrum2midi set 3 threshold 20 --save
  microdrum2midi upload
  microdrum2midi relay --in "Arduino" --stages program-change,remap
  microdrum2midi monitor
  microdrum2midi serve --listen 8080`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports, marking the detected trigger module",
	Args:  cobra.NoArgs,
	RunE:  runPorts,
}

var midiPortsCmd = &cobra.Command{
	Use:   "midi-ports",
	Short: "List MIDI input and output ports",
	Args:  cobra.NoArgs,
	RunE:  runMIDIPorts,
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Forward trigger hits to the MIDI output until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runBridge,
}

var getCmd = &cobra.Command{
	Use:   "get <pin> [param|all]",
	Short: "Read parameters of a pin from the device",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runGet,
}

var setCmd = &cobra.Command{
	Use:   "set <pin> <param> <value>",
	Short: "Write one parameter to the device",
	Args:  cobra.ExactArgs(3),
	RunE:  runSet,
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Read the pin table from the device into the pin file",
	Args:  cobra.NoArgs,
	RunE:  runUpload,
}

var downloadCmd = &cobra.Command{
	Use:   "download <pin|all>",
	Short: "Write pins from the pin file to the device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

var disableAllCmd = &cobra.Command{
	Use:   "disable-all",
	Short: "Set every pin to Disabled",
	Args:  cobra.NoArgs,
	RunE:  runDisableAll,
}

var modeCmd = &cobra.Command{
	Use:   "mode <setup|midi|log>",
	Short: "Switch the device operating mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runMode,
}

var pinsCmd = &cobra.Command{
	Use:   "pins [file]",
	Short: "Print the pin table stored in a pin file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPins,
}

var exportCmd = &cobra.Command{
	Use:   "export <file.syx>",
	Short: "Write the pin table as a SysEx dump",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file.syx>",
	Short: "Load a SysEx dump into the pin file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Translate notes from a MIDI input or raw serial stream to the MIDI output",
	Args:  cobra.NoArgs,
	RunE:  runRelay,
}

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Print raw bytes arriving on the serial port",
	Args:  cobra.NoArgs,
	RunE:  runSniff,
}

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"tui"},
	Short:   "Launch the interactive pin editor and hit monitor",
	Args:    cobra.NoArgs,
	RunE:    runMonitor,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Config file (default is the user config directory)")
	pf.StringVarP(&serialPort, "port", "p", "", `Serial port, or "auto" to detect the module`)
	pf.IntVarP(&baudRate, "baud", "b", 0, "Serial baud rate")
	pf.StringVarP(&midiOut, "midi-out", "o", "", "MIDI output port name or substring")
	pf.StringVar(&pinsFile, "pins-file", "", "Pin table file")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	getCmd.Flags().DurationVar(&getTimeout, "timeout", 3*time.Second, "How long to wait for replies")

	setCmd.Flags().BoolVarP(&saveToDevice, "save", "s", false, "Store the value in the device EEPROM")

	uploadCmd.Flags().IntVar(&uploadPin, "pin", -1, "Only read this pin")
	uploadCmd.Flags().DurationVar(&uploadWait, "timeout", 15*time.Second, "How long to wait for replies")

	downloadCmd.Flags().BoolVarP(&saveToDevice, "save", "s", false, "Store the values in the device EEPROM")
	disableAllCmd.Flags().BoolVarP(&saveToDevice, "save", "s", false, "Store the values in the device EEPROM")

	exportCmd.Flags().BoolVarP(&saveToDevice, "save", "s", false, "Use the set-and-save opcode in the dump")

	bridgeCmd.Flags().BoolVar(&autoConnect, "upload", false, "Read the pin table from the device after connecting")

	relayCmd.Flags().StringVar(&midiIn, "in", "", "MIDI input port name or substring")
	relayCmd.Flags().BoolVar(&fromSerial, "serial", false, "Read a raw MIDI byte stream from the serial port instead")
	relayCmd.Flags().StringVar(&stages, "stages", "", "Comma separated stages: filter, remap, program-change")
	relayCmd.Flags().StringVar(&noteMap, "map", "", `Note map, e.g. "0:38,1:36"`)
	relayCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every translated message")

	sniffCmd.Flags().StringVar(&sniffView, "view", string(protocol.ViewHex), "Byte view: hex, ascii, decimal, midi")

	monitorCmd.Flags().BoolVar(&autoConnect, "connect", false, "Open the serial port on start")
	monitorCmd.Flags().StringVar(&logFile, "log-file", "", "Also write JSON logs to this file")

	serveCmd.Flags().IntVarP(&apiPort, "listen", "l", 0, "Server port (default from config)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)

	// Add commands
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(midiPortsCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(disableAllCmd)
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(pinsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(sniffCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parsePin(s string) (int, error) {
	pin, err := strconv.Atoi(s)
	if err != nil || pin < 0 || pin >= pins.PinCount {
		return 0, fmt.Errorf("%w: %q", pins.ErrInvalidPin, s)
	}
	return pin, nil
}

func printPin(pin int, pp pins.PinParameter) {
	name := pp.Name
	if name == "" {
		name = "-"
	}
	fmt.Printf("Pin %02d  %s  (%s)\n", pin, name, pp.Type)
	for _, p := range pins.Params {
		v, _ := pp.Value(p)
		line := fmt.Sprintf("  %-11s %3d", p, v)
		if p == pins.ParamNote {
			line += "  " + pins.NoteName(v)
		}
		fmt.Println(line)
	}
}

func runPorts(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()

	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	detected, found := transport.MatchPort(ports, a.cfg.Serial.Detect)
	for _, p := range ports {
		mark := " "
		if found && p.Name == detected.Name {
			mark = "*"
		}
		if p.Product != "" {
			fmt.Printf("%s %-20s %s (%s:%s)\n", mark, p.Name, p.Product, p.VID, p.PID)
		} else {
			fmt.Printf("%s %s\n", mark, p.Name)
		}
	}
	return nil
}

func runMIDIPorts(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()

	a.ports = midisink.NewPorts()
	outs, err := a.ports.Destinations()
	if err != nil {
		return err
	}
	ins, err := a.ports.Sources()
	if err != nil {
		return err
	}
	fmt.Println("Outputs:")
	for i, name := range outs {
		fmt.Printf("  %d: %s\n", i, name)
	}
	fmt.Println("Inputs:")
	for i, name := range ins {
		fmt.Printf("  %d: %s\n", i, name)
	}
	return nil
}

func runBridge(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	sink, closeSink := a.openSink()
	defer closeSink()
	ctrl, err := a.controller(sink)
	if err != nil {
		return err
	}
	if err := ctrl.Open(a.cfg.Serial); err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}()

	if autoConnect {
		engine, err := ctrl.Engine()
		if err != nil {
			return err
		}
		go func() {
			if err := engine.RequestAllPins(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("pin table request failed", zap.Error(err))
			}
		}()
	}

	fmt.Printf("Bridging %s -> %s (ctrl+c to stop)\n", ctrl.Status().Port, ctrl.Sink().Name())
	for {
		select {
		case <-ctx.Done():
			fmt.Println(ctrl.Status())
			return nil
		case ev := <-a.events.Events():
			if ev.Kind != bridge.EventNote {
				continue
			}
			fmt.Printf("%s %-20s pins %v\n", ev.Time.Format("15:04:05.000"), ev.Note, ctrl.Store().PinsForNote(ev.Note.Note))
		}
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	pin, err := parsePin(args[0])
	if err != nil {
		return err
	}
	param := pins.ParamAll
	if len(args) == 2 {
		if param, err = pins.ParseParam(args[1]); err != nil {
			return err
		}
	}

	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	return a.withSession(ctx, func(ctx context.Context, ctrl *bridge.Controller, e *protocol.Engine) error {
		start, want := e.Received(), 1
		if param == pins.ParamAll {
			want = len(pins.Params)
			err = e.RequestAll(ctx, pin)
		} else {
			err = e.RequestParam(pin, param)
		}
		if err != nil {
			return err
		}
		if err := waitReplies(ctx, e, start, want, getTimeout); err != nil {
			return err
		}
		pp, err := ctrl.Store().Get(pin)
		if err != nil {
			return err
		}
		if param == pins.ParamAll {
			printPin(pin, pp)
			return nil
		}
		v, _ := pp.Value(param)
		fmt.Printf("Pin %02d %s = %d\n", pin, param, v)
		return nil
	})
}

func runSet(cmd *cobra.Command, args []string) error {
	pin, err := parsePin(args[0])
	if err != nil {
		return err
	}
	param, err := pins.ParseParam(args[1])
	if err != nil {
		return err
	}
	if param == pins.ParamAll {
		return fmt.Errorf("%w: cannot set all parameters at once", pins.ErrUnknownParam)
	}
	value, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid value %q", args[2])
	}

	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	save := saveToDevice || a.cfg.Pins.SaveOnSet
	return a.withSession(ctx, func(ctx context.Context, ctrl *bridge.Controller, e *protocol.Engine) error {
		if err := e.SetParam(pin, param, value, save); err != nil {
			return err
		}
		v, _ := ctrl.Store().Value(pin, param)
		fmt.Printf("Pin %02d %s = %d\n", pin, param, v)
		return nil
	})
}

func runUpload(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	return a.withSession(ctx, func(ctx context.Context, ctrl *bridge.Controller, e *protocol.Engine) error {
		start, want := e.Received(), len(pins.Params)
		if uploadPin >= 0 {
			err = e.RequestAll(ctx, uploadPin)
		} else {
			start, want = 0, pins.PinCount*len(pins.Params)
			err = e.RequestAllPins(ctx)
		}
		if err != nil {
			return err
		}
		if err := waitReplies(ctx, e, start, want, uploadWait); err != nil {
			return err
		}
		fmt.Printf("Received %d parameters into %s\n", e.Received()-start, a.cfg.Pins.File)
		return nil
	})
}

func runDownload(cmd *cobra.Command, args []string) error {
	var targets []int
	if strings.EqualFold(args[0], "all") {
		for pin := 0; pin < pins.PinCount; pin++ {
			targets = append(targets, pin)
		}
	} else {
		pin, err := parsePin(args[0])
		if err != nil {
			return err
		}
		targets = []int{pin}
	}

	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	return a.withSession(ctx, func(ctx context.Context, ctrl *bridge.Controller, e *protocol.Engine) error {
		for _, pin := range targets {
			if err := e.DownloadPin(ctx, pin, saveToDevice); err != nil {
				return err
			}
			fmt.Printf("Pin %02d downloaded\n", pin)
		}
		return nil
	})
}

func runDisableAll(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	return a.withSession(ctx, func(ctx context.Context, ctrl *bridge.Controller, e *protocol.Engine) error {
		if err := e.DisableAll(ctx, saveToDevice); err != nil {
			return err
		}
		fmt.Println("All pins disabled")
		return nil
	})
}

func runMode(cmd *cobra.Command, args []string) error {
	mode, err := protocol.ParseMode(strings.ToLower(args[0]))
	if err != nil {
		return err
	}
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	return a.withSession(ctx, func(_ context.Context, _ *bridge.Controller, e *protocol.Engine) error {
		if err := e.ChangeMode(mode); err != nil {
			return err
		}
		fmt.Printf("Mode set to %s\n", mode)
		return nil
	})
}

func runPins(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()

	path := a.cfg.Pins.File
	if len(args) == 1 {
		path = args[0]
	}
	store := pins.NewStore()
	if err := store.LoadFile(path); err != nil {
		return err
	}

	fmt.Printf("%-3s %-12s %-8s %-10s", "PIN", "NAME", "TYPE", "NOTE")
	for _, p := range pins.Params[1:] {
		fmt.Printf(" %5.5s", p)
	}
	fmt.Println()
	for i, pp := range store.Snapshot() {
		fmt.Printf("%-3d %-12s %-8s %-10s", i, pp.Name, pp.Type, pins.NoteName(pp.Note))
		for _, p := range pins.Params[1:] {
			v, _ := pp.Value(p)
			fmt.Printf(" %5d", v)
		}
		fmt.Println()
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()

	if err := protocol.WriteSyxFile(args[0], a.loadStore().Snapshot(), saveToDevice); err != nil {
		return err
	}
	fmt.Printf("Exported %d pins to %s\n", pins.PinCount, args[0])
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()

	store := a.loadStore()
	applied, skipped, err := protocol.ReadSyxFile(args[0], store)
	if err != nil {
		return err
	}
	if err := store.SaveFile(a.cfg.Pins.File); err != nil {
		return err
	}
	fmt.Printf("Imported %d parameters (%d messages skipped) into %s\n", applied, skipped, a.cfg.Pins.File)
	return nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	opts := a.cfg.Translator
	if stages != "" {
		opts.Stages = strings.Split(stages, ",")
	}
	if noteMap != "" {
		if opts.NoteMap, err = translator.ParseNoteMap(noteMap); err != nil {
			return err
		}
	}
	stage, err := translator.Build(opts)
	if err != nil {
		return err
	}

	sink, closeSink := a.openSink()
	defer closeSink()

	relayOpts := []translator.RelayOption{translator.WithRelayLogger(a.log)}
	if verbose {
		relayOpts = append(relayOpts, translator.WithSendHook(func(in, out []byte) {
			fmt.Printf("% X -> % X\n", in, out)
		}))
	}
	relay := translator.NewRelay(stage, sink, relayOpts...)

	if !fromSerial {
		input := midiIn
		if input == "" {
			input = a.cfg.MIDI.Input
		}
		return relay.Run(ctx, a.ports, input)
	}

	serialCfg := a.cfg.Serial
	if baudRate == 0 {
		serialCfg.BaudRate = transport.MIDIBaudRate
	}
	sess, err := transport.Open(serialCfg, transport.WithLogger(a.log))
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	return relay.RunStream(ctx, sess)
}

func runSniff(cmd *cobra.Command, args []string) error {
	view := protocol.View(strings.ToLower(sniffView))
	switch view {
	case protocol.ViewHex, protocol.ViewASCII, protocol.ViewDecimal, protocol.ViewMIDI:
	default:
		return fmt.Errorf("unknown view %q", sniffView)
	}

	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := signalContext()
	defer cancel()

	sess, err := transport.Open(a.cfg.Serial, transport.WithLogger(a.log))
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	fmt.Printf("Listening on %s at %d baud (ctrl+c to stop)\n", sess.Name(), sess.Config().BaudRate)
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := sess.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		fmt.Printf("%s  %s\n", time.Now().Format("15:04:05.000"), protocol.Format(buf[:n], view))
	}
	in, _ := sess.Stats()
	fmt.Printf("%d bytes received\n", in)
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logPane)
	if err != nil {
		return err
	}
	defer a.close()

	sink, closeSink := a.openSink()
	defer closeSink()
	ctrl, err := a.controller(sink)
	if err != nil {
		return err
	}
	if autoConnect {
		if err := ctrl.Open(a.cfg.Serial); err != nil {
			a.log.Error("connect failed", zap.Error(err))
		}
	}
	defer func() { _ = ctrl.Close() }()

	return tui.Run(ctrl, a.cfg.Serial)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(logStderr)
	if err != nil {
		return err
	}
	defer a.close()

	sink, closeSink := a.openSink()
	defer closeSink()
	ctrl, err := a.controller(sink)
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close() }()

	port := a.cfg.API.Port
	if apiPort != 0 {
		port = apiPort
	}
	fmt.Printf("Starting API server on port %d...\n", port)
	fmt.Printf("Swagger docs available at http://localhost:%d/swagger/index.html\n", port)
	return api.StartServer(port, ctrl,
		api.WithLogger(a.log),
		api.WithSerialConfig(a.cfg.Serial),
		api.WithDestinations(a.ports),
	)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return config.DefaultPath()
}
