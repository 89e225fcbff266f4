package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/james-see/microdrum2midi/pkg/pins"
)

// ErrSyx marks a .syx file that is not a sequence of SysEx messages
var ErrSyx = errors.New("invalid syx data")

// ExportSyx renders the pin table as a .syx dump of set frames, pin by pin in
// wire parameter order. Sending the file with any SysEx librarian restores the table.
// Values above 127 are clamped so every data byte stays 7-bit.
func ExportSyx(table [pins.PinCount]pins.PinParameter, save bool) []byte {
	var buf bytes.Buffer
	buf.Grow(pins.PinCount * len(pins.Params) * FrameLen)
	for pin, pp := range table {
		for _, p := range pins.Params {
			v, _ := pp.Value(p)
			buf.Write(SetRequest(pin, p, min(v, pins.MaxValue), save).Bytes())
		}
	}
	return buf.Bytes()
}

// SplitSyx splits .syx data into its SysEx messages
func SplitSyx(data []byte) ([][]byte, error) {
	var msgs [][]byte
	for i := 0; i < len(data); {
		if data[i] != SysExStart {
			return nil, fmt.Errorf("%w: expected start byte 0x%02X at offset %d, got 0x%02X", ErrSyx, SysExStart, i, data[i])
		}
		end := bytes.IndexByte(data[i+1:], SysExEnd)
		if end < 0 {
			return nil, fmt.Errorf("%w: message at offset %d has no end byte", ErrSyx, i)
		}
		msg := data[i : i+end+2]
		for j, b := range msg[1 : len(msg)-1] {
			if b > 0x7F {
				return nil, fmt.Errorf("%w: byte at offset %d is 0x%02X", ErrSyx, i+j+1, b)
			}
		}
		msgs = append(msgs, msg)
		i += len(msg)
	}
	return msgs, nil
}

// ImportSyx applies the parameter frames of a .syx dump to store. Set frames and
// device replies are applied; other messages are counted as skipped.
func ImportSyx(data []byte, store *pins.Store) (applied, skipped int, err error) {
	msgs, err := SplitSyx(data)
	if err != nil {
		return 0, 0, err
	}
	for _, msg := range msgs {
		f, err := ParseFrame(msg)
		if err != nil {
			skipped++
			continue
		}
		p := pins.Param(f.Param)
		switch f.Opcode {
		case OpSet, OpSetSave, OpGet:
		default:
			skipped++
			continue
		}
		if int(f.Pin) >= pins.PinCount || !p.Valid() {
			skipped++
			continue
		}
		if err := store.Set(int(f.Pin), p, f.Value); err != nil {
			return applied, skipped, err
		}
		applied++
	}
	return applied, skipped, nil
}

// WriteSyxFile writes the pin table dump to path
func WriteSyxFile(path string, table [pins.PinCount]pins.PinParameter, save bool) error {
	if err := os.WriteFile(path, ExportSyx(table, save), 0644); err != nil {
		return fmt.Errorf("failed to write syx file: %w", err)
	}
	return nil
}

// ReadSyxFile applies a .syx dump from path to store
func ReadSyxFile(path string, store *pins.Store) (applied, skipped int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read syx file: %w", err)
	}
	return ImportSyx(data, store)
}
