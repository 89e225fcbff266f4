// Package midisink provides MIDI output destinations for trigger hits
package midisink

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrNoDestination is returned when no output port is available or matches
var ErrNoDestination = errors.New("no MIDI destination")

// Sink receives raw 2-3 byte MIDI messages
type Sink interface {
	Send(msg []byte) error
	Close() error
	Name() string
}

// Enumerator lists output destinations and opens one by index.
// Indices are only stable for the lifetime of one Destinations call.
type Enumerator interface {
	Destinations() ([]string, error)
	Open(index int) (Sink, error)
}

// Find returns the index of the destination matching name.
// An empty name selects the first destination.
func Find(destinations []string, name string) (int, error) {
	if len(destinations) == 0 {
		return -1, ErrNoDestination
	}
	if name == "" {
		return 0, nil
	}
	for i, d := range destinations {
		if d == name {
			return i, nil
		}
	}
	lower := strings.ToLower(name)
	for i, d := range destinations {
		if strings.Contains(strings.ToLower(d), lower) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q not in %v", ErrNoDestination, name, destinations)
}

// Connect opens the named destination. When none is available it returns a NullSink
// together with an ErrNoDestination error, so callers can report the problem and keep
// running with sends turned into log lines.
func Connect(enum Enumerator, name string, log *zap.Logger) (Sink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	destinations, err := enum.Destinations()
	if err != nil {
		return NewNullSink(log), fmt.Errorf("%w: %v", ErrNoDestination, err)
	}
	idx, err := Find(destinations, name)
	if err != nil {
		return NewNullSink(log), err
	}
	sink, err := enum.Open(idx)
	if err != nil {
		return NewNullSink(log), fmt.Errorf("failed to open %q: %w", destinations[idx], err)
	}
	log.Info("MIDI output selected", zap.String("port", destinations[idx]))
	return sink, nil
}

// NullSink logs messages instead of sending them
type NullSink struct {
	log     *zap.Logger
	dropped atomic.Uint64
}

// NewNullSink creates a sink that only logs
func NewNullSink(log *zap.Logger) *NullSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &NullSink{log: log}
}

// Send logs the message at debug level
func (n *NullSink) Send(msg []byte) error {
	n.dropped.Add(1)
	n.log.Debug("MIDI message not sent, no destination", zap.Binary("msg", msg))
	return nil
}

// Dropped returns how many messages were swallowed
func (n *NullSink) Dropped() uint64 { return n.dropped.Load() }

func (n *NullSink) Close() error { return nil }

func (n *NullSink) Name() string { return "null" }
