// Package bridge runs the serial read loop and owns the device session
package bridge

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"go.uber.org/zap"
)

// DefaultQueueSize is the notification queue capacity
const DefaultQueueSize = 256

// EventKind tells what an Event carries
type EventKind int

const (
	EventNote EventKind = iota
	EventParam
	EventLog
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventNote:
		return "note"
	case EventParam:
		return "param"
	case EventLog:
		return "log"
	case EventStatus:
		return "status"
	}
	return "unknown"
}

// Event is one notification for the presentation layer
type Event struct {
	Kind EventKind
	Time time.Time

	// EventNote
	Note protocol.NoteEvent

	// EventParam
	Pin   int
	Param pins.Param
	Value uint8

	// EventLog and EventStatus
	Message string
	Status  Status
}

// Notifier queues events for a consumer running on its own goroutine.
// Notify never blocks; events are dropped when the queue is full.
type Notifier struct {
	ch       chan Event
	dropped  atomic.Uint64
	dropping atomic.Bool
	log      atomic.Pointer[zap.Logger]
	now      func() time.Time
}

// NewNotifier creates a queue holding up to size events
func NewNotifier(size int) *Notifier {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Notifier{ch: make(chan Event, size), now: time.Now}
}

// SetLogger sets the logger that reports a full queue
func (n *Notifier) SetLogger(l *zap.Logger) {
	n.log.Store(l)
}

// Notify enqueues ev, reporting false when it was dropped. The first drop of
// a run logs a warning; the next successful enqueue ends the run.
func (n *Notifier) Notify(ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = n.now()
	}
	select {
	case n.ch <- ev:
		n.dropping.Store(false)
		return true
	default:
		n.dropped.Add(1)
		// The logger may write back into this queue; the flag stops the recursion
		if n.dropping.CompareAndSwap(false, true) {
			if l := n.log.Load(); l != nil {
				l.Warn("notification queue full, dropping events",
					zap.Int("capacity", cap(n.ch)), zap.Uint64("dropped", n.dropped.Load()))
			}
		}
		return false
	}
}

// Note queues a note event
func (n *Notifier) Note(ev protocol.NoteEvent) bool {
	return n.Notify(Event{Kind: EventNote, Note: ev})
}

// Param queues a parameter reply
func (n *Notifier) Param(pin int, p pins.Param, value uint8) {
	n.Notify(Event{Kind: EventParam, Pin: pin, Param: p, Value: value})
}

// Write queues every line of p as a log event, so a Notifier can back a zap core
func (n *Notifier) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			n.Notify(Event{Kind: EventLog, Message: line})
		}
	}
	return len(p), nil
}

// Events returns the receive side of the queue
func (n *Notifier) Events() <-chan Event {
	return n.ch
}

// Dropped returns how many events did not fit in the queue
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}
