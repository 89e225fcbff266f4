package midisink

import (
	"fmt"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// Ports enumerates the MIDI ports of the registered gomidi driver.
// A driver such as rtmididrv must be imported by the program.
type Ports struct {
	mu sync.RWMutex
}

// NewPorts creates a gomidi backed Enumerator
func NewPorts() *Ports {
	return &Ports{}
}

// Destinations returns the output port names
func (p *Ports) Destinations() ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	outs := midi.GetOutPorts()
	names := make([]string, 0, len(outs))
	for _, out := range outs {
		names = append(names, out.String())
	}
	return names, nil
}

// Sources returns the input port names
func (p *Ports) Sources() ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ins := midi.GetInPorts()
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	return names, nil
}

// Open opens an output port by index
func (p *Ports) Open(index int) (Sink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out, err := midi.OutPort(index)
	if err != nil {
		return nil, fmt.Errorf("%w: output %d: %v", ErrNoDestination, index, err)
	}
	send, err := midi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", out.String(), err)
	}
	return &RealSink{out: out, send: send}, nil
}

// Listen delivers every message arriving on the input port to fn until stop is called
func (p *Ports) Listen(index int, fn func(msg []byte)) (stop func(), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	in, err := midi.InPort(index)
	if err != nil {
		return nil, fmt.Errorf("input %d: %w", index, err)
	}
	return midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		fn(msg.Bytes())
	}, midi.UseSysEx())
}

// Close releases the driver
func (p *Ports) Close() {
	midi.CloseDriver()
}

// RealSink sends to a gomidi output port
type RealSink struct {
	mu   sync.Mutex
	out  drivers.Out
	send func(msg midi.Message) error
}

// Send writes one message to the port
func (r *RealSink) Send(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.send(midi.Message(msg)); err != nil {
		return fmt.Errorf("send to %s: %w", r.out.String(), err)
	}
	return nil
}

// Close closes the port
func (r *RealSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Close()
}

// Name returns the port name
func (r *RealSink) Name() string {
	return r.out.String()
}
