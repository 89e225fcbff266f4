// Package protocol implements the MicroDrum serial command protocol
package protocol

import (
	"errors"
	"fmt"

	"github.com/james-see/microdrum2midi/pkg/pins"
)

// Frame constants
const (
	SysExStart = 0xF0
	SysExEnd   = 0xF7
	Marker     = 0x77
	FrameLen   = 7
)

// ErrFrameDecode marks a malformed or truncated frame
var ErrFrameDecode = errors.New("frame decode error")

// Opcode selects the command carried by a frame
type Opcode uint8

const (
	OpMode    Opcode = 0x01
	OpGet     Opcode = 0x02
	OpSet     Opcode = 0x03
	OpSetSave Opcode = 0x04
	OpLicense Opcode = 0x60
)

func (o Opcode) String() string {
	switch o {
	case OpMode:
		return "mode"
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpSetSave:
		return "set+save"
	case OpLicense:
		return "license"
	}
	return fmt.Sprintf("opcode(0x%02X)", uint8(o))
}

// Mode is the device operating mode
type Mode uint8

const (
	ModeSetup Mode = 0x01
	ModeMIDI  Mode = 0x02
	ModeLog   Mode = 0x03
)

func (m Mode) String() string {
	switch m {
	case ModeSetup:
		return "setup"
	case ModeMIDI:
		return "midi"
	case ModeLog:
		return "log"
	}
	return fmt.Sprintf("mode(0x%02X)", uint8(m))
}

// ParseMode resolves a mode by name
func ParseMode(s string) (Mode, error) {
	switch s {
	case "setup", "config", "configuration":
		return ModeSetup, nil
	case "midi", "monitor", "live":
		return ModeMIDI, nil
	case "log", "tool":
		return ModeLog, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Message is a unit produced by the Framer: either a Frame or a NoteEvent
type Message interface {
	Bytes() []byte
}

// Frame is a 7-byte command frame: F0 77 opcode pin param value F7.
// For license frames Pin and Param carry the challenge bytes and Value the hash;
// for mode frames Pin carries the mode.
type Frame struct {
	Opcode Opcode
	Pin    uint8
	Param  uint8
	Value  uint8
}

// Bytes encodes the frame for the wire
func (f Frame) Bytes() []byte {
	return []byte{SysExStart, Marker, byte(f.Opcode), f.Pin, f.Param, f.Value, SysExEnd}
}

func (f Frame) String() string {
	return fmt.Sprintf("%s pin=%d param=0x%02X value=%d", f.Opcode, f.Pin, f.Param, f.Value)
}

// ParseFrame decodes and validates a complete frame
func ParseFrame(data []byte) (Frame, error) {
	if len(data) != FrameLen {
		return Frame{}, fmt.Errorf("%w: length %d, want %d", ErrFrameDecode, len(data), FrameLen)
	}
	if data[0] != SysExStart {
		return Frame{}, fmt.Errorf("%w: expected start byte 0x%02X, got 0x%02X", ErrFrameDecode, SysExStart, data[0])
	}
	if data[1] != Marker {
		return Frame{}, fmt.Errorf("%w: expected marker 0x%02X, got 0x%02X", ErrFrameDecode, Marker, data[1])
	}
	if data[FrameLen-1] != SysExEnd {
		return Frame{}, fmt.Errorf("%w: expected end byte 0x%02X, got 0x%02X", ErrFrameDecode, SysExEnd, data[FrameLen-1])
	}
	return Frame{
		Opcode: Opcode(data[2]),
		Pin:    data[3],
		Param:  data[4],
		Value:  data[5],
	}, nil
}

// GetRequest asks the device for one parameter, or all of them with pins.ParamAll
func GetRequest(pin int, p pins.Param) Frame {
	return Frame{Opcode: OpGet, Pin: uint8(pin), Param: uint8(p)}
}

// SetRequest writes one parameter; save also commits it to device EEPROM
func SetRequest(pin int, p pins.Param, value uint8, save bool) Frame {
	op := OpSet
	if save {
		op = OpSetSave
	}
	return Frame{Opcode: op, Pin: uint8(pin), Param: uint8(p), Value: value}
}

// ModeChange switches the device operating mode
func ModeChange(m Mode) Frame {
	return Frame{Opcode: OpMode, Pin: uint8(m)}
}

// LicenseResponse answers a license challenge
func LicenseResponse(a, b byte) Frame {
	return Frame{Opcode: OpLicense, Pin: a, Param: b, Value: PearsonHash(a, b)}
}

// NoteEvent is a short trigger message: a status byte followed by note and velocity
type NoteEvent struct {
	Command  uint8
	Note     uint8
	Velocity uint8
}

// Bytes returns the MIDI message
func (n NoteEvent) Bytes() []byte {
	return []byte{n.Command, n.Note, n.Velocity}
}

// IsNoteOn reports a Note-On status
func (n NoteEvent) IsNoteOn() bool { return n.Command&0xF0 == 0x90 }

func (n NoteEvent) String() string {
	switch n.Command & 0xF0 {
	case 0x90:
		return fmt.Sprintf("NOTE ON (%d,%d)", n.Note, n.Velocity)
	case 0x80:
		return fmt.Sprintf("NOTE OFF (%d,%d)", n.Note, n.Velocity)
	case 0xB0:
		return fmt.Sprintf("CC (%d,%d)", n.Note, n.Velocity)
	}
	return fmt.Sprintf("0x%02X (%d,%d)", n.Command, n.Note, n.Velocity)
}
