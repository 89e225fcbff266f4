package translator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/james-see/microdrum2midi/pkg/midisink"
	"go.uber.org/zap"
)

// Source delivers messages from a MIDI input port
type Source interface {
	Sources() ([]string, error)
	Listen(index int, fn func(msg []byte)) (stop func(), err error)
}

// Relay passes messages through a stage into a sink
type Relay struct {
	stage Stage
	sink  midisink.Sink
	log   *zap.Logger

	mu       sync.Mutex
	received atomic.Uint64
	sent     atomic.Uint64
	onSend   func(in, out []byte)
}

// RelayOption configures a Relay
type RelayOption func(*Relay)

// WithRelayLogger sets the relay logger
func WithRelayLogger(l *zap.Logger) RelayOption {
	return func(r *Relay) {
		r.log = l
	}
}

// WithSendHook is called for every message sent, with the message that produced it
func WithSendHook(fn func(in, out []byte)) RelayOption {
	return func(r *Relay) {
		r.onSend = fn
	}
}

// NewRelay creates a relay. A nil stage passes messages unchanged.
func NewRelay(stage Stage, sink midisink.Sink, opts ...RelayOption) *Relay {
	if stage == nil {
		stage = Pipeline{}
	}
	r := &Relay{stage: stage, sink: sink, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle translates one input message and sends the result
func (r *Relay) Handle(msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received.Add(1)
	r.send(msg, r.stage.Process(msg))
}

func (r *Relay) send(in []byte, out [][]byte) {
	if len(out) == 0 {
		r.log.Debug("message dropped", zap.Binary("msg", in))
		return
	}
	for _, m := range out {
		if err := r.sink.Send(m); err != nil {
			r.log.Warn("failed to send message", zap.Error(err))
			continue
		}
		r.sent.Add(1)
		if r.onSend != nil {
			r.onSend(in, m)
		}
	}
}

// Flush releases messages held back by buffering stages
func (r *Relay) Flush() {
	f, ok := r.stage.(Flusher)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send(nil, f.Flush())
}

// Stats returns received and sent message counts
func (r *Relay) Stats() (received, sent uint64) {
	return r.received.Load(), r.sent.Load()
}

// Run relays from the named input port until ctx is cancelled
func (r *Relay) Run(ctx context.Context, src Source, input string) error {
	names, err := src.Sources()
	if err != nil {
		return fmt.Errorf("failed to list MIDI inputs: %w", err)
	}
	idx, err := midisink.Find(names, input)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	stop, err := src.Listen(idx, r.Handle)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", names[idx], err)
	}
	r.log.Info("relay started", zap.String("input", names[idx]), zap.String("output", r.sink.Name()))

	<-ctx.Done()
	stop()
	r.Flush()
	in, out := r.Stats()
	r.log.Info("relay stopped", zap.Uint64("received", in), zap.Uint64("sent", out))
	return nil
}

// RunStream decodes a raw byte stream with a StreamDecoder and relays the notes.
// The reader must return (0, nil) when its read timeout elapses.
func (r *Relay) RunStream(ctx context.Context, rd io.Reader) error {
	var dec StreamDecoder
	buf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := rd.Read(buf)
		if n > 0 {
			for _, m := range dec.Feed(buf[:n]) {
				r.Handle(m)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}
