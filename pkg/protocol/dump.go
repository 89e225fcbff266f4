package protocol

import (
	"fmt"
	"strings"
)

// View selects how raw serial bytes are rendered
type View string

const (
	ViewHex     View = "hex"
	ViewASCII   View = "ascii"
	ViewDecimal View = "decimal"
	ViewMIDI    View = "midi"
)

// HexDump renders bytes as dash separated hex, e.g. F0-77-02
func HexDump(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, "-")
}

// Format renders raw bytes for the serial sniffer
func Format(b []byte, view View) string {
	switch view {
	case ViewASCII:
		var s strings.Builder
		for _, v := range b {
			if v >= 0x20 && v < 0x7F {
				s.WriteByte(v)
			} else {
				s.WriteByte('.')
			}
		}
		return s.String()
	case ViewDecimal:
		parts := make([]string, len(b))
		for i, v := range b {
			parts[i] = fmt.Sprintf("%d", v)
		}
		return strings.Join(parts, " ")
	case ViewMIDI:
		return describeMIDI(b)
	default:
		parts := make([]string, len(b))
		for i, v := range b {
			parts[i] = fmt.Sprintf("%02X", v)
		}
		return strings.Join(parts, " ")
	}
}

// describeMIDI walks status bytes and names each message it recognizes
func describeMIDI(b []byte) string {
	var out []string
	for i := 0; i < len(b); {
		status := b[i]
		if status < 0x80 {
			out = append(out, fmt.Sprintf("data %d", status))
			i++
			continue
		}
		if status == SysExStart {
			end := i + 1
			for end < len(b) && b[end] != SysExEnd {
				end++
			}
			if end < len(b) {
				end++
			}
			out = append(out, "SysEx "+HexDump(b[i:end]))
			i = end
			continue
		}
		size := 3
		switch status & 0xF0 {
		case 0xC0, 0xD0:
			size = 2
		case 0xF0:
			size = 1
		}
		if i+size > len(b) {
			out = append(out, fmt.Sprintf("incomplete 0x%02X", status))
			break
		}
		ch := status&0x0F + 1
		switch status & 0xF0 {
		case 0x80:
			out = append(out, fmt.Sprintf("Note Off ch%d %d vel %d", ch, b[i+1], b[i+2]))
		case 0x90:
			out = append(out, fmt.Sprintf("Note On ch%d %d vel %d", ch, b[i+1], b[i+2]))
		case 0xA0:
			out = append(out, fmt.Sprintf("Aftertouch ch%d %d %d", ch, b[i+1], b[i+2]))
		case 0xB0:
			out = append(out, fmt.Sprintf("CC ch%d %d=%d", ch, b[i+1], b[i+2]))
		case 0xC0:
			out = append(out, fmt.Sprintf("Program Change ch%d %d", ch, b[i+1]))
		case 0xD0:
			out = append(out, fmt.Sprintf("Channel Pressure ch%d %d", ch, b[i+1]))
		case 0xE0:
			out = append(out, fmt.Sprintf("Pitch Bend ch%d %d", ch, int(b[i+2])<<7|int(b[i+1])))
		default:
			out = append(out, fmt.Sprintf("System 0x%02X", status))
		}
		i += size
	}
	return strings.Join(out, " | ")
}
