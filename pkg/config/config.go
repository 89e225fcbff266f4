// Package config loads and saves the microdrum2midi YAML configuration
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"github.com/james-see/microdrum2midi/pkg/translator"
	"github.com/james-see/microdrum2midi/pkg/transport"
)

// AppName names the config directory
const AppName = "microdrum2midi"

// Config is the whole configuration file
type Config struct {
	Serial     transport.Config   `yaml:"serial"`
	MIDI       MIDI               `yaml:"midi"`
	Pins       Pins               `yaml:"pins"`
	Translator translator.Options `yaml:"translator"`
	Log        Log                `yaml:"log"`
	API        API                `yaml:"api"`
}

// MIDI selects the output destination
type MIDI struct {
	Output  string `yaml:"output"`
	Input   string `yaml:"input"`
	NoteOff bool   `yaml:"note_off"`
	// Record writes every sent message to this .mid file when set
	Record string `yaml:"record"`
}

// Pins configures the pin table
type Pins struct {
	File            string `yaml:"file"`
	LoadedThreshold int    `yaml:"loaded_threshold"`
	SaveOnSet       bool   `yaml:"save_on_set"`
}

// Log configures logging
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// API configures the REST server
type API struct {
	Port int `yaml:"port"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Serial: transport.DefaultConfig(),
		MIDI:   MIDI{NoteOff: false},
		Pins: Pins{
			File:            pins.DefaultFile,
			LoadedThreshold: protocol.DefaultLoadedThreshold,
		},
		Translator: translator.DefaultOptions(),
		Log:        Log{Level: "info"},
		API:        API{Port: 8080},
	}
}

// DefaultPath returns the config file path under the user config directory
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to find config directory: %w", err)
	}
	return filepath.Join(dir, AppName, "config.yaml"), nil
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Default(), fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Serial.Port == "" {
		c.Serial.Port = d.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = d.Serial.BaudRate
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = d.Serial.ReadTimeout
	}
	if c.Serial.WriteTimeout == 0 {
		c.Serial.WriteTimeout = d.Serial.WriteTimeout
	}
	if len(c.Serial.Detect) == 0 {
		c.Serial.Detect = d.Serial.Detect
	}
	if c.Pins.File == "" {
		c.Pins.File = d.Pins.File
	}
	if c.Pins.LoadedThreshold == 0 {
		c.Pins.LoadedThreshold = d.Pins.LoadedThreshold
	}
	if c.Translator.NoteMap == nil {
		c.Translator.NoteMap = d.Translator.NoteMap
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.API.Port == 0 {
		c.API.Port = d.API.Port
	}
}

// Save writes cfg to path, creating the directory
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail late
func (c Config) Validate() error {
	if c.Serial.BaudRate < 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate)
	}
	if c.Pins.LoadedThreshold < 0 {
		return fmt.Errorf("pins.loaded_threshold must not be negative")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if _, err := translator.Build(c.Translator); err != nil {
		return err
	}
	return nil
}
