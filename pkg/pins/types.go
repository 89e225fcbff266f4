// Package pins provides the trigger parameter table of a MicroDrum module
package pins

import (
	"errors"
	"fmt"
	"strings"
)

// Table dimensions
const (
	PinCount   = 48
	MaxNameLen = 20
	MaxValue   = 127
)

var (
	ErrInvalidPin   = errors.New("pin index out of range")
	ErrUnknownParam = errors.New("unknown parameter")
	ErrOutOfRange   = errors.New("parameter value out of range")
)

// PinType is the sensor kind wired to a pin
type PinType uint8

const (
	TypePiezo          PinType = 0
	TypeSwitch         PinType = 1
	TypeHHC            PinType = 2
	TypeDisabledLegacy PinType = 15
	TypeDisabled       PinType = 127
)

// String returns the display name of the pin type
func (t PinType) String() string {
	switch t {
	case TypePiezo:
		return "Piezo"
	case TypeSwitch:
		return "Switch"
	case TypeHHC:
		return "HHC"
	case TypeDisabled, TypeDisabledLegacy:
		return "Disabled"
	default:
		return fmt.Sprintf("unknown type %d", uint8(t))
	}
}

// Param identifies a tunable field on the wire
type Param uint8

const (
	ParamNote       Param = 0x00
	ParamThreshold  Param = 0x01
	ParamScanTime   Param = 0x02
	ParamMaskTime   Param = 0x03
	ParamRetrigger  Param = 0x04
	ParamCurve      Param = 0x05
	ParamXTalk      Param = 0x06
	ParamXTalkGroup Param = 0x07
	ParamCurveForm  Param = 0x08
	ParamGain       Param = 0x09
	ParamType       Param = 0x0D
	ParamChannel    Param = 0x0E

	// ParamAll asks the device for every parameter of a pin
	ParamAll Param = 0x7F
)

// Params lists the twelve tunable parameters in wire order
var Params = []Param{
	ParamNote,
	ParamThreshold,
	ParamScanTime,
	ParamMaskTime,
	ParamRetrigger,
	ParamCurve,
	ParamXTalk,
	ParamXTalkGroup,
	ParamCurveForm,
	ParamGain,
	ParamType,
	ParamChannel,
}

var paramNames = map[Param]string{
	ParamNote:       "note",
	ParamThreshold:  "threshold",
	ParamScanTime:   "scantime",
	ParamMaskTime:   "masktime",
	ParamRetrigger:  "retrigger",
	ParamCurve:      "curve",
	ParamXTalk:      "xtalk",
	ParamXTalkGroup: "xtalkgroup",
	ParamCurveForm:  "curveform",
	ParamGain:       "gain",
	ParamType:       "type",
	ParamChannel:    "channel",
	ParamAll:        "all",
}

func (p Param) String() string {
	if name, ok := paramNames[p]; ok {
		return name
	}
	return fmt.Sprintf("param(0x%02X)", uint8(p))
}

// Valid reports whether p names one of the twelve tunable fields
func (p Param) Valid() bool {
	_, ok := paramNames[p]
	return ok && p != ParamAll
}

// ParseParam resolves a parameter by name or numeric id
func ParseParam(s string) (Param, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range paramNames {
		if name == s {
			return p, nil
		}
	}
	var n uint8
	if _, err := fmt.Sscanf(s, "0x%x", &n); err == nil {
		if Param(n).Valid() || Param(n) == ParamAll {
			return Param(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownParam, s)
}

// PinParameter holds the detection settings of one pin
type PinParameter struct {
	Name       string  `json:"name"`
	Type       PinType `json:"type"`
	Note       uint8   `json:"note"`
	Threshold  uint8   `json:"threshold"`
	ScanTime   uint8   `json:"scantime"`
	MaskTime   uint8   `json:"masktime"`
	Retrigger  uint8   `json:"retrigger"`
	Gain       uint8   `json:"gain"`
	Curve      uint8   `json:"curve"`
	CurveForm  uint8   `json:"curveform"`
	XTalk      uint8   `json:"xtalk"`
	XTalkGroup uint8   `json:"xtalkgroup"`
	Channel    uint8   `json:"channel"`
}

// Value returns the field addressed by p
func (pp *PinParameter) Value(p Param) (uint8, error) {
	switch p {
	case ParamNote:
		return pp.Note, nil
	case ParamThreshold:
		return pp.Threshold, nil
	case ParamScanTime:
		return pp.ScanTime, nil
	case ParamMaskTime:
		return pp.MaskTime, nil
	case ParamRetrigger:
		return pp.Retrigger, nil
	case ParamCurve:
		return pp.Curve, nil
	case ParamXTalk:
		return pp.XTalk, nil
	case ParamXTalkGroup:
		return pp.XTalkGroup, nil
	case ParamCurveForm:
		return pp.CurveForm, nil
	case ParamGain:
		return pp.Gain, nil
	case ParamType:
		return uint8(pp.Type), nil
	case ParamChannel:
		return pp.Channel, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownParam, p)
}

// SetValue stores v into the field addressed by p without range checks
func (pp *PinParameter) SetValue(p Param, v uint8) error {
	switch p {
	case ParamNote:
		pp.Note = v
	case ParamThreshold:
		pp.Threshold = v
	case ParamScanTime:
		pp.ScanTime = v
	case ParamMaskTime:
		pp.MaskTime = v
	case ParamRetrigger:
		pp.Retrigger = v
	case ParamCurve:
		pp.Curve = v
	case ParamXTalk:
		pp.XTalk = v
	case ParamXTalkGroup:
		pp.XTalkGroup = v
	case ParamCurveForm:
		pp.CurveForm = v
	case ParamGain:
		pp.Gain = v
	case ParamType:
		pp.Type = PinType(v)
	case ParamChannel:
		pp.Channel = v
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParam, p)
	}
	return nil
}

// Clamp limits an edited value to the 7-bit range accepted by the device.
// The clamped value is always usable; the error only reports that clamping happened.
func Clamp(v int) (uint8, error) {
	switch {
	case v < 0:
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, v)
	case v > MaxValue:
		return MaxValue, fmt.Errorf("%w: %d", ErrOutOfRange, v)
	}
	return uint8(v), nil
}

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// NoteName renders a MIDI note as e.g. "C1 (36)"
func NoteName(note uint8) string {
	return fmt.Sprintf("%s%d (%d)", noteNames[note%12], int(note)/12-2, note)
}
