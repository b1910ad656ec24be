// Package hal is the hardware-abstraction layer for a span's D-channel
// octet stream (spec §9 "Native binding stub"): a trait/interface with a
// concrete production implementation and a deterministic in-memory test
// implementation, so the core depends only on the interface.
package hal

import (
	"context"
	"sync"
)

// Span is one TDM span's raw octet transport: the LAPD Engine reads
// frames from Recv and writes them with Send. Implementations carry no
// framing logic of their own — Q.921 framing and FCS are the lapd
// package's job.
type Span interface {
	// Send transmits one LAPD frame's octets.
	Send(octets []byte) error

	// Recv delivers frames to out until ctx is done or the span closes.
	// Implementations MUST close out on exit.
	Recv(ctx context.Context, out chan<- []byte)

	// Close releases any underlying resource (socket, capture handle).
	Close() error

	// Label identifies the span for logging and NFAS span selection.
	Label() string
}

// FakeSpan is a deterministic in-memory Span for tests: Send appends to
// Sent and, when Loopback is set, also delivers the frame back through
// Recv, simulating a peer that echoes everything (useful paired with a
// lapd test harness that inspects Sent directly instead).
type FakeSpan struct {
	LabelName string
	Sent      [][]byte
	Loopback  bool

	mu    sync.Mutex
	inbox chan []byte
	dead  bool
}

// NewFakeSpan constructs a FakeSpan with the given label.
func NewFakeSpan(label string) *FakeSpan {
	return &FakeSpan{LabelName: label, inbox: make(chan []byte, 64)}
}

func (f *FakeSpan) Label() string { return f.LabelName }

func (f *FakeSpan) Send(octets []byte) error {
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return nil
	}
	cp := append([]byte(nil), octets...)
	f.Sent = append(f.Sent, cp)
	loop := f.Loopback
	f.mu.Unlock()
	if loop {
		f.inbox <- cp
	}
	return nil
}

// SentFrames returns a snapshot of everything sent so far; safe to call
// while another goroutine is still transmitting.
func (f *FakeSpan) SentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.Sent...)
}

// Inject delivers octets to this span's Recv consumer, simulating an
// inbound frame from the peer.
func (f *FakeSpan) Inject(octets []byte) {
	f.mu.Lock()
	dead := f.dead
	f.mu.Unlock()
	if dead {
		return
	}
	f.inbox <- append([]byte(nil), octets...)
}

// Kill marks the span dead: further Send/Inject calls are silently
// dropped, simulating a severed link (spec §8 scenario 2/3).
func (f *FakeSpan) Kill() {
	f.mu.Lock()
	f.dead = true
	f.mu.Unlock()
}

func (f *FakeSpan) Recv(ctx context.Context, out chan<- []byte) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case octets, ok := <-f.inbox:
			if !ok {
				return
			}
			select {
			case out <- octets:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *FakeSpan) Close() error { return nil }
