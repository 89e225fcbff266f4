package protocol

import (
	"context"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
)

// Framer splits a timed byte stream into command frames and note events.
//
// The reader must return (0, nil) when its read timeout elapses, as serial ports do.
// Recovery is byte-wise: whatever a failed attempt consumed is dropped and decoding
// starts again at the next byte. There is no resynchronization search.
type Framer struct {
	r      io.Reader
	log    *zap.Logger
	buf    [FrameLen]byte
	errors atomic.Uint64
}

// FramerOption configures a Framer
type FramerOption func(*Framer)

// WithFramerLogger sets the logger used for frame traces
func WithFramerLogger(l *zap.Logger) FramerOption {
	return func(f *Framer) {
		f.log = l
	}
}

// NewFramer creates a Framer reading from r
func NewFramer(r io.Reader, opts ...FramerOption) *Framer {
	f := &Framer{r: r, log: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Next decodes at most one message. A nil message with a nil error means the read
// timed out or the consumed bytes did not form a message; call Next again.
func (f *Framer) Next() (Message, error) {
	n, err := f.fill(f.buf[:1])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	if f.buf[0] == SysExStart {
		n, err := f.fill(f.buf[1:FrameLen])
		if err != nil {
			return nil, err
		}
		if n < FrameLen-1 {
			f.errors.Add(1)
			f.log.Debug("truncated frame dropped", zap.Int("bytes", n+1))
			return nil, nil
		}
		frame, perr := ParseFrame(f.buf[:])
		if perr != nil {
			f.errors.Add(1)
			f.log.Debug("frame discarded", zap.Error(perr), zap.String("raw", HexDump(f.buf[:])))
			return nil, nil
		}
		f.log.Debug("frame received", zap.Stringer("frame", frame))
		return frame, nil
	}

	n, err = f.fill(f.buf[1:3])
	if err != nil {
		return nil, err
	}
	if n < 2 {
		f.errors.Add(1)
		f.log.Debug("short note dropped", zap.Uint8("status", f.buf[0]), zap.Int("bytes", n+1))
		return nil, nil
	}
	return NoteEvent{Command: f.buf[0], Note: f.buf[1], Velocity: f.buf[2]}, nil
}

// fill reads into p until it is full or a read times out
func (f *Framer) fill(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := f.r.Read(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// DecodeErrors returns how many attempts were discarded
func (f *Framer) DecodeErrors() uint64 {
	return f.errors.Load()
}

// Frames runs Next in a goroutine until ctx ends or the reader fails, delivering
// every decoded message on the returned channel
func (f *Framer) Frames(ctx context.Context) <-chan Message {
	out := make(chan Message, 16)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			msg, err := f.Next()
			if err != nil {
				f.log.Debug("framer stopped", zap.Error(err))
				return
			}
			if msg == nil {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
