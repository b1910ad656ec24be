package lapd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/carrierone/redfire-gateway/internal/logger"
	"github.com/carrierone/redfire-gateway/internal/task"
)

// State is a data-link endpoint lifecycle state (spec §3 "Data-link
// endpoint").
type State int

const (
	StateDown State = iota
	StateAwaitingEstab
	StateEstablished
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateAwaitingEstab:
		return "AWAITING_ESTAB"
	case StateEstablished:
		return "ESTABLISHED"
	case StateReleasing:
		return "RELEASING"
	default:
		return "unknown"
	}
}

// ErrorKind enumerates the Error event payloads an engine can surface.
type ErrorKind int

const (
	ErrorEstablishmentFailed ErrorKind = iota
	ErrorLinkLost
	ErrorPeerRejected // peer sent FRMR
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorEstablishmentFailed:
		return "EstablishmentFailed"
	case ErrorLinkLost:
		return "LinkLost"
	case ErrorPeerRejected:
		return "PeerRejected"
	default:
		return "unknown"
	}
}

// Event is the tagged union of occurrences an Engine surfaces to its
// owner (a Call-Control SM for FAS, or the NFAS Manager) — see design
// note "dynamic dispatch on event names": no string-keyed callbacks.
type Event struct {
	Kind    EventKind
	Err     ErrorKind // valid when Kind == EventError
	Payload []byte    // valid when Kind == EventPayload
}

type EventKind int

const (
	EventEstablished EventKind = iota
	EventReleased
	EventError
	EventPayload // a delivered I-frame information field
)

// FrameSender transmits an encoded frame downstream (to the HAL).
type FrameSender interface {
	Send(octets []byte) error
}

// Config configures one data-link endpoint.
type Config struct {
	SAPI uint8
	TEI  uint8
	CR   bool // our command/response bit on outbound frames

	T200 time.Duration // retransmission timer, default 1000ms
	T203 time.Duration // idle-link poll timer, default 10000ms
	N200 int           // max retransmissions before declaring link down, default 3
	K    int           // outstanding I-frame window, default 7
}

// DefaultConfig returns the Q.921-recommended timer defaults (spec §4.B).
func DefaultConfig() Config {
	return Config{
		T200: 1000 * time.Millisecond,
		T203: 10000 * time.Millisecond,
		N200: 3,
		K:    7,
	}
}

func (c Config) withDefaults() Config {
	if c.T200 == 0 {
		c.T200 = 1000 * time.Millisecond
	}
	if c.T203 == 0 {
		c.T203 = 10000 * time.Millisecond
	}
	if c.N200 == 0 {
		c.N200 = 3
	}
	if c.K == 0 {
		c.K = 7
	}
	return c
}

type pendingIFrame struct {
	ns      uint8
	payload []byte
}

// Engine is one Q.921 data-link endpoint (spec §4.B). Its mutating
// methods (Start, HandleFrame, HandleT200Expiry, HandleT203Expiry,
// SendInfo, Disconnect) are not goroutine-safe on their own; Run drives
// them sequentially from a single owning goroutine, matching the
// cooperative, non-preemptive scheduling model of spec §5.
type Engine struct {
	cfg    Config
	log    *logger.Logger
	sender FrameSender

	state      State
	stateAtomic atomic.Int32 // mirror of state, for State() to read without joining the owning goroutine

	vs, vr, va uint8
	retry      int
	txQueue    []pendingIFrame
	peerBusy   bool

	t200 *task.Timer
	t203 *task.Timer

	events chan Event
	cmds   chan func()
}

// NewEngine constructs an Engine bound to sender, which transports
// encoded frames to the peer (directly, or via an NFAS Manager).
func NewEngine(cfg Config, sender FrameSender, log *logger.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		cfg:    cfg,
		log:    log.With(logger.Ctx{"sapi": cfg.SAPI, "tei": cfg.TEI}),
		sender: sender,
		state:  StateDown,
		t200:   task.NewTimer(cfg.T200),
		t203:   task.NewTimer(cfg.T203),
		events: make(chan Event, 64),
		cmds:   make(chan func(), 8),
	}
}

// Do submits f to run on the goroutine executing Run, and blocks until it
// has. Callers outside the engine's owning task (e.g. the NFAS Manager,
// which may start or drive I/O on a span it does not itself run) must go
// through Do rather than calling Start/SendInfo/Disconnect directly,
// preserving the single-owning-goroutine discipline of spec §5. Callers
// that already run on the engine's own task (Run itself, or direct
// synchronous use with no Run loop at all, as in this package's tests)
// call the methods directly.
func (e *Engine) Do(f func()) {
	done := make(chan struct{})
	e.cmds <- func() {
		f()
		close(done)
	}
	<-done
}

// Events returns the channel of surfaced Established/Released/Error/
// Payload events.
func (e *Engine) Events() <-chan Event { return e.events }

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn("event channel full, dropping event", logger.Ctx{"kind": ev.Kind})
	}
}

// State returns the engine's current lifecycle state. Safe to call from
// any goroutine, including one other than the engine's owning task.
func (e *Engine) State() State { return State(e.stateAtomic.Load()) }

// setState updates the state and its atomic mirror together; every
// mutation of e.state within the owning task goes through this.
func (e *Engine) setState(s State) {
	e.state = s
	e.stateAtomic.Store(int32(s))
}

func (e *Engine) addr() Address { return Address{SAPI: e.cfg.SAPI, CR: e.cfg.CR, TEI: e.cfg.TEI} }

func (e *Engine) sendU(u UType, pf bool) {
	f := Frame{Address: e.addr(), Control: Control{Kind: KindU, U: u, PF: pf}}
	e.sendFrame(f)
}

func (e *Engine) sendS(s SType, pf bool) {
	f := Frame{Address: e.addr(), Control: Control{Kind: KindS, S: s, NR: e.vr, PF: pf}}
	e.sendFrame(f)
}

func (e *Engine) sendFrame(f Frame) {
	octets, err := Encode(f)
	if err != nil {
		e.log.Error("failed to encode outbound frame", logger.Ctx{"err": err})
		return
	}
	if err := e.sender.Send(octets); err != nil {
		e.log.Warn("failed to transmit frame", logger.Ctx{"err": err})
	}
}

// Start begins link establishment: send SABME(P=1) and arm T200 (spec
// §4.B, state DOWN).
func (e *Engine) Start() {
	e.vs, e.vr, e.va = 0, 0, 0
	e.retry = 0
	e.txQueue = nil
	e.peerBusy = false
	e.sendU(USABME, true)
	e.t200.Start()
	e.setState(StateAwaitingEstab)
}

// Disconnect sends DISC and returns to DOWN as soon as the frame is sent,
// without waiting for the peer's UA: the link is considered released
// from our side immediately.
func (e *Engine) Disconnect() {
	e.sendU(UDISC, true)
	e.t200.Stop()
	e.t203.Stop()
	e.setState(StateDown)
	e.emit(Event{Kind: EventReleased})
}

// SendInfo enqueues and (if the transmit window allows) immediately
// transmits an I-frame carrying payload. It reports ErrWindowFull if
// V(S)-V(A) has reached the configured window k, and ErrPeerBusy if the
// peer last reported RNR.
func (e *Engine) SendInfo(payload []byte) error {
	if e.state != StateEstablished {
		return fmt.Errorf("lapd: cannot send I-frame in state %s", e.state)
	}
	if e.peerBusy {
		return ErrPeerBusy
	}
	if mod128(e.vs-e.va) >= uint8(e.cfg.K) {
		return ErrWindowFull
	}

	ns := e.vs
	e.txQueue = append(e.txQueue, pendingIFrame{ns: ns, payload: payload})
	e.vs = mod128(e.vs + 1)

	f := Frame{
		Address:     e.addr(),
		Control:     Control{Kind: KindI, NS: ns, NR: e.vr, PF: false},
		Information: payload,
	}
	e.sendFrame(f)

	if !e.t200.Active() {
		e.t200.Start()
	}
	return nil
}

var (
	ErrWindowFull = fmt.Errorf("lapd: transmit window full")
	ErrPeerBusy   = fmt.Errorf("lapd: peer reported RNR")
)

func mod128(v uint8) uint8 { return v & 0x7F }

// HandleFrame processes one inbound, already-decoded frame.
func (e *Engine) HandleFrame(f Frame) {
	switch f.Control.Kind {
	case KindU:
		e.handleU(f)
	case KindI:
		e.handleI(f)
	case KindS:
		e.handleS(f)
	}
}

func (e *Engine) handleU(f Frame) {
	switch f.Control.U {
	case UUA:
		if e.state == StateAwaitingEstab {
			e.t200.Stop()
			e.vs, e.vr, e.va = 0, 0, 0
			e.retry = 0
			e.t203.Start()
			e.setState(StateEstablished)
			e.emit(Event{Kind: EventEstablished})
		}
	case UDM:
		if e.state == StateAwaitingEstab {
			e.retryOrFail()
		}
	case USABME:
		e.vs, e.vr, e.va = 0, 0, 0
		e.retry = 0
		e.txQueue = nil
		e.sendU(UUA, f.Control.PF)
		wasEstablished := e.state == StateEstablished
		e.setState(StateEstablished)
		e.t203.Start()
		if !wasEstablished {
			e.emit(Event{Kind: EventEstablished})
		}
	case UDISC:
		e.sendU(UUA, f.Control.PF)
		e.t200.Stop()
		e.t203.Stop()
		e.setState(StateDown)
		e.emit(Event{Kind: EventReleased})
	case UFRMR:
		e.t200.Stop()
		e.t203.Stop()
		e.setState(StateDown)
		e.emit(Event{Kind: EventError, Err: ErrorPeerRejected})
	}
}

func (e *Engine) handleI(f Frame) {
	if e.state != StateEstablished {
		return
	}

	e.applyAck(f.Control.NR)

	if f.Control.NS == e.vr {
		e.vr = mod128(e.vr + 1)
		e.emit(Event{Kind: EventPayload, Payload: f.Information})
		e.sendS(SRR, f.Control.PF)
	} else {
		e.sendS(SREJ, false)
	}
}

func (e *Engine) handleS(f Frame) {
	if e.state != StateEstablished {
		return
	}

	e.applyAck(f.Control.NR)

	switch f.Control.S {
	case SRR:
		e.peerBusy = false
	case SRNR:
		e.peerBusy = true
	case SREJ:
		e.peerBusy = false
		e.retransmitFrom(f.Control.NR)
	}

	if f.Control.PF && f.Control.S == SRR {
		// Poll response to our own T203 RR(P=1); nothing further to do,
		// the ack already moved V(A).
	}
}

// applyAck advances V(A) to nr and drops now-acknowledged frames from
// the retransmit queue (invariant 1, spec §8).
func (e *Engine) applyAck(nr uint8) {
	kept := e.txQueue[:0]
	for _, p := range e.txQueue {
		if seqBefore(p.ns, nr) {
			continue // acknowledged: p.ns falls in [old V(A), nr)
		}
		kept = append(kept, p)
	}
	e.txQueue = kept
	if nr != e.va {
		// The peer acknowledged something new; the retransmission count
		// starts over for whatever remains outstanding.
		e.retry = 0
	}
	e.va = nr

	if len(e.txQueue) == 0 {
		e.t200.Stop()
		if e.state == StateEstablished {
			e.t203.Start()
		}
	} else {
		e.t200.Start()
	}
}

// seqBefore reports whether sequence a precedes b in the mod-128 space,
// i.e. a was sent before an acknowledgement of b.
func seqBefore(a, b uint8) bool {
	return mod128(b-a-1) < 64
}

func (e *Engine) retransmitFrom(nr uint8) {
	for _, p := range e.txQueue {
		if p.ns == nr {
			f := Frame{
				Address:     e.addr(),
				Control:     Control{Kind: KindI, NS: p.ns, NR: e.vr, PF: false},
				Information: p.payload,
			}
			e.sendFrame(f)
			break
		}
	}
}

// HandleT200Expiry processes a T200 firing: retransmit oldest
// unacknowledged I-frame, or resend SABME while establishing.
func (e *Engine) HandleT200Expiry() {
	switch e.state {
	case StateAwaitingEstab:
		e.retryOrFail()
	case StateEstablished:
		if len(e.txQueue) == 0 {
			return
		}
		e.retry++
		if e.retry >= e.cfg.N200 {
			e.t200.Stop()
			e.t203.Stop()
			e.setState(StateDown)
			e.emit(Event{Kind: EventError, Err: ErrorLinkLost})
			return
		}
		oldest := e.txQueue[0]
		f := Frame{
			Address:     e.addr(),
			Control:     Control{Kind: KindI, NS: oldest.ns, NR: e.vr, PF: false},
			Information: oldest.payload,
		}
		e.sendFrame(f)
		e.t200.Start()
	}
}

func (e *Engine) retryOrFail() {
	e.retry++
	if e.retry >= e.cfg.N200 {
		e.t200.Stop()
		e.setState(StateDown)
		e.emit(Event{Kind: EventError, Err: ErrorEstablishmentFailed})
		return
	}
	e.sendU(USABME, true)
	e.t200.Start()
}

// HandleT203Expiry sends a supervisory poll and restarts T203 (idle-link
// health check).
func (e *Engine) HandleT203Expiry() {
	if e.state != StateEstablished {
		return
	}
	e.sendS(SRR, true)
	e.t203.Start()
}

// Run drives the engine from frameIn until ctx is cancelled, delivering
// T200/T203 firings on the same loop as inbound frames so nothing
// preempts the state machine (spec §5).
func (e *Engine) Run(ctx context.Context, frameIn <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case octets, ok := <-frameIn:
			if !ok {
				return
			}
			f, err := Decode(octets)
			if err != nil {
				e.log.Debug("dropping undecodable frame", logger.Ctx{"err": err})
				continue
			}
			e.HandleFrame(f)
		case <-e.t200.C:
			e.t200.Fired()
			e.HandleT200Expiry()
		case <-e.t203.C:
			e.t203.Fired()
			e.HandleT203Expiry()
		case cmd := <-e.cmds:
			cmd()
		}
	}
}
