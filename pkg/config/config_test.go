package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/james-see/microdrum2midi/pkg/transport"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Serial.BaudRate != transport.DefaultBaudRate || cfg.Serial.Port != "auto" {
		t.Errorf("Serial = %+v", cfg.Serial)
	}
	if cfg.Pins.LoadedThreshold != 10 || cfg.Pins.File != "pins.ini" {
		t.Errorf("Pins = %+v", cfg.Pins)
	}
	if cfg.Translator.NoteMap[2] != 42 || len(cfg.Translator.Blocklist) != 1 {
		t.Errorf("Translator = %+v", cfg.Translator)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want 8080", cfg.API.Port)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.Serial.BaudRate = transport.MIDIBaudRate
	cfg.MIDI.Output = "loopMIDI"
	cfg.MIDI.NoteOff = true
	cfg.Translator.Stages = []string{"filter", "remap"}
	cfg.Translator.NoteMap = map[int]int{0: 40}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Serial.Port != "/dev/ttyUSB0" || got.Serial.BaudRate != 31250 {
		t.Errorf("Serial = %+v", got.Serial)
	}
	if got.Serial.ReadTimeout != time.Millisecond {
		t.Errorf("ReadTimeout = %v, want 1ms", got.Serial.ReadTimeout)
	}
	if !got.MIDI.NoteOff || got.MIDI.Output != "loopMIDI" {
		t.Errorf("MIDI = %+v", got.MIDI)
	}
	if len(got.Translator.Stages) != 2 || got.Translator.NoteMap[0] != 40 {
		t.Errorf("Translator = %+v", got.Translator)
	}
}

func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "serial:\n  port: COM4\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Serial.Port != "COM4" || cfg.Serial.BaudRate != transport.DefaultBaudRate {
		t.Errorf("Serial = %+v", cfg.Serial)
	}
	if cfg.Log.Level != "debug" || cfg.API.Port != 8080 {
		t.Errorf("Log = %+v API = %+v", cfg.Log, cfg.API)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"syntax", "serial: [\n", "failed to parse"},
		{"stage", "translator:\n  stages: [echo]\n", "unknown translator stage"},
		{"port", "api:\n  port: 70000\n", "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Skipf("no user config dir: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join(AppName, "config.yaml")) {
		t.Errorf("DefaultPath() = %q", path)
	}
}
