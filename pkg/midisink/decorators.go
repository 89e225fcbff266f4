package midisink

import (
	"sync"
	"time"
)

// DefaultNoteOffDelay is how long a generated Note-On rings before its Note-Off
const DefaultNoteOffDelay = 50 * time.Millisecond

// NoteOffSink follows every Note-On with a matching Note-Off after a delay
type NoteOffSink struct {
	Sink
	delay time.Duration

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	closed  bool
}

// WithNoteOff wraps s so each Note-On is released after delay
func WithNoteOff(s Sink, delay time.Duration) *NoteOffSink {
	if delay <= 0 {
		delay = DefaultNoteOffDelay
	}
	return &NoteOffSink{Sink: s, delay: delay, pending: map[*time.Timer]struct{}{}}
}

// Send forwards msg and schedules the release of Note-Ons
func (n *NoteOffSink) Send(msg []byte) error {
	if err := n.Sink.Send(msg); err != nil {
		return err
	}
	if len(msg) < 3 || msg[0]&0xF0 != 0x90 || msg[2] == 0 {
		return nil
	}
	off := []byte{0x80 | msg[0]&0x0F, msg[1], 0}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(n.delay, func() {
		n.mu.Lock()
		_, live := n.pending[t]
		delete(n.pending, t)
		n.mu.Unlock()
		if live {
			_ = n.Sink.Send(off)
		}
	})
	n.pending[t] = struct{}{}
	return nil
}

// Close cancels pending releases and closes the wrapped sink
func (n *NoteOffSink) Close() error {
	n.mu.Lock()
	n.closed = true
	for t := range n.pending {
		t.Stop()
	}
	n.pending = map[*time.Timer]struct{}{}
	n.mu.Unlock()
	return n.Sink.Close()
}

// MultiSink fans a message out to several sinks
type MultiSink []Sink

// Send delivers msg to every sink and returns the first error
func (m MultiSink) Send(msg []byte) error {
	var first error
	for _, s := range m {
		if err := s.Send(msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every sink and returns the first error
func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Name joins the member names
func (m MultiSink) Name() string {
	name := ""
	for i, s := range m {
		if i > 0 {
			name += "+"
		}
		name += s.Name()
	}
	return name
}
