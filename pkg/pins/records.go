package pins

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Record file layout
const (
	RecordFields    = 13
	RecordDelimiter = ";"
	DefaultFile     = "pins.ini"
)

var (
	ErrMalformedRecord = errors.New("malformed pin record")
	ErrPersist         = errors.New("failed to persist pin table")
)

// Record is one pin in flat form:
// name;type;note;threshold;scantime;masktime;retrigger;gain;curve;curveform;xtalk;xtalkgroup;channel
type Record []string

// ToRecord flattens a pin
func (pp PinParameter) ToRecord() Record {
	return Record{
		sanitizeName(pp.Name),
		strconv.Itoa(int(pp.Type)),
		strconv.Itoa(int(pp.Note)),
		strconv.Itoa(int(pp.Threshold)),
		strconv.Itoa(int(pp.ScanTime)),
		strconv.Itoa(int(pp.MaskTime)),
		strconv.Itoa(int(pp.Retrigger)),
		strconv.Itoa(int(pp.Gain)),
		strconv.Itoa(int(pp.Curve)),
		strconv.Itoa(int(pp.CurveForm)),
		strconv.Itoa(int(pp.XTalk)),
		strconv.Itoa(int(pp.XTalkGroup)),
		strconv.Itoa(int(pp.Channel)),
	}
}

// ParseRecord rebuilds a pin from its flat form
func ParseRecord(r Record) (PinParameter, error) {
	if len(r) != RecordFields {
		return PinParameter{}, fmt.Errorf("%w: %d fields, want %d", ErrMalformedRecord, len(r), RecordFields)
	}
	var nums [RecordFields - 1]uint8
	for i, field := range r[1:] {
		n, err := strconv.ParseUint(strings.TrimSpace(field), 10, 8)
		if err != nil {
			return PinParameter{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, i+1, err)
		}
		if n > MaxValue {
			return PinParameter{}, fmt.Errorf("%w: field %d: %d is not a 7-bit value", ErrMalformedRecord, i+1, n)
		}
		nums[i] = uint8(n)
	}
	return PinParameter{
		Name:       sanitizeName(r[0]),
		Type:       PinType(nums[0]),
		Note:       nums[1],
		Threshold:  nums[2],
		ScanTime:   nums[3],
		MaskTime:   nums[4],
		Retrigger:  nums[5],
		Gain:       nums[6],
		Curve:      nums[7],
		CurveForm:  nums[8],
		XTalk:      nums[9],
		XTalkGroup: nums[10],
		Channel:    nums[11],
	}, nil
}

// Records returns all 48 pins in index order
func (s *Store) Records() []Record {
	table := s.Snapshot()
	out := make([]Record, 0, PinCount)
	for _, p := range table {
		out = append(out, p.ToRecord())
	}
	return out
}

// LoadRecords hydrates the whole table. Any bad record aborts the load and leaves
// the store untouched.
func (s *Store) LoadRecords(records []Record) error {
	if len(records) != PinCount {
		return fmt.Errorf("%w: %d records, want %d", ErrMalformedRecord, len(records), PinCount)
	}
	var table [PinCount]PinParameter
	for i, r := range records {
		p, err := ParseRecord(r)
		if err != nil {
			return fmt.Errorf("pin %d: %w", i, err)
		}
		table[i] = p
	}
	s.Replace(table)
	return nil
}

// WriteRecords serializes the table, one line per pin
func (s *Store) WriteRecords(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, r := range s.Records() {
		if _, err := bw.WriteString(strings.Join(r, RecordDelimiter) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadRecords parses and loads a serialized table
func (s *Store) ReadRecords(r io.Reader) error {
	var records []Record
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		records = append(records, Record(strings.Split(line, RecordDelimiter)))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read pin records: %w", err)
	}
	return s.LoadRecords(records)
}

// LoadFile hydrates the store from a record file
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open pin file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return s.ReadRecords(f)
}

// SaveFile writes the record file through a temporary file so a failed write
// never truncates the previous table
func (s *Store) SaveFile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pins-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := s.WriteRecords(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func sanitizeName(name string) string {
	name = strings.NewReplacer(RecordDelimiter, ",", "\n", " ", "\r", " ").Replace(name)
	if len(name) > MaxNameLen {
		cut := MaxNameLen
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}
