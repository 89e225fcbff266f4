package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
		wantErr  bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNew(t *testing.T) {
	for _, dev := range []bool{false, true} {
		l, err := New("debug", dev)
		if err != nil {
			t.Fatalf("New(debug, %v) error = %v", dev, err)
		}
		if !l.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("New(debug, %v) does not enable debug", dev)
		}
	}
	if _, err := New("verbose", false); err == nil {
		t.Error("New(verbose) error = nil")
	}
}

func TestTee(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var pane bytes.Buffer
	l := Tee(zap.New(core), &pane, zapcore.InfoLevel)

	l.Debug("frame received")
	l.Info("serial port opened", zap.String("port", "/dev/ttyACM0"))

	if logs.Len() != 2 {
		t.Errorf("observed %d entries, want 2", logs.Len())
	}
	lines := strings.Split(strings.TrimSpace(pane.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("pane lines = %q, want one", lines)
	}
	if !strings.Contains(lines[0], "INFO serial port opened") || !strings.Contains(lines[0], "/dev/ttyACM0") {
		t.Errorf("pane line = %q", lines[0])
	}
}

func TestPane(t *testing.T) {
	var pane bytes.Buffer
	Pane(&pane, zapcore.WarnLevel).Warn("pin table not saved")
	if !strings.Contains(pane.String(), "WARN pin table not saved") {
		t.Errorf("pane = %q", pane.String())
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	l, err := NewFile("info", path)
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	l.Info("mode changed", zap.String("mode", "midi"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"mode changed"`) {
		t.Errorf("log file = %q", data)
	}
}
