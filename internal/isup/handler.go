package isup

import (
	"fmt"
	"sync"
	"time"

	"github.com/carrierone/redfire-gateway/internal/logger"
)

// CicState is the per-CIC call state (spec §4.E).
type CicState int

const (
	CicIdle CicState = iota
	CicOutgoingSetup
	CicIncomingSetup
	CicCallProgress
	CicAnswered
	CicReleasing
)

func (s CicState) String() string {
	switch s {
	case CicIdle:
		return "Idle"
	case CicOutgoingSetup:
		return "OutgoingSetup"
	case CicIncomingSetup:
		return "IncomingSetup"
	case CicCallProgress:
		return "CallProgress"
	case CicAnswered:
		return "Answered"
	case CicReleasing:
		return "Releasing"
	default:
		return "unknown"
	}
}

// Direction of call origination relative to this gateway.
type Direction int

const (
	DirOutgoing Direction = iota
	DirIncoming
)

// Call is the per-CIC call record (spec §3 "Call (ISUP)").
type Call struct {
	CIC       uint16
	Direction Direction
	State     CicState
	Calling   string
	Called    string
	StartTime time.Time
	SIPCallID string
}

// Sender transmits an encoded ISUP message to the SIGTRAN collaborator.
type Sender interface {
	SendMessage(Message) error
}

// EventKind tags Handler-level occurrences that are not a per-CIC state
// transition.
type EventKind int

const (
	EventUnknownMessage EventKind = iota
)

// Event is the typed payload for Handler.Events().
type Event struct {
	Kind EventKind
	Type MessageType
	CIC  uint16
}

// Handler owns the CIC pool and every active per-CIC call (spec §4.E).
type Handler struct {
	mu     sync.Mutex
	pool   *CicPool
	calls  map[uint16]*Call
	sender Sender
	log    *logger.Logger
	events chan Event
}

// NewHandler constructs a Handler over the given CIC range.
func NewHandler(cicMin, cicMax uint16, sender Sender, log *logger.Logger) (*Handler, error) {
	pool, err := NewCicPool(cicMin, cicMax)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		pool:   pool,
		calls:  make(map[uint16]*Call),
		sender: sender,
		log:    log,
		events: make(chan Event, 64),
	}, nil
}

// Events returns the channel of UnknownMessage (and future) events.
func (h *Handler) Events() <-chan Event { return h.events }

func (h *Handler) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("isup event channel full, dropping event")
	}
}

func (h *Handler) send(m Message) error {
	if h.sender == nil {
		return nil
	}
	return h.sender.SendMessage(m)
}

// OriginateCall allocates a CIC and sends IAM (spec §4.E: Idle ->
// OutgoingSetup on sending IAM).
func (h *Handler) OriginateCall(calling, called string) (*Call, error) {
	cic, err := h.pool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("isup: failed to originate call: %w", err)
	}

	h.mu.Lock()
	c := &Call{CIC: cic, Direction: DirOutgoing, State: CicOutgoingSetup, Calling: calling, Called: called, StartTime: time.Now()}
	h.calls[cic] = c
	h.mu.Unlock()

	msg := Message{Type: MsgIAM, CIC: cic}
	if err := h.send(msg); err != nil {
		return nil, fmt.Errorf("isup: failed to send IAM: %w", err)
	}
	return c, nil
}

// ReceiveIAM handles an inbound IAM, starting the incoming mirror state
// machine (spec §4.E: "inbound mirror starts with IncomingSetup on
// IAM"). Returns ErrCicInUse (glare) if the CIC is already owned.
var ErrCicInUse = fmt.Errorf("isup: CIC already in use")

func (h *Handler) ReceiveIAM(m Message) (*Call, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.calls[m.CIC]; ok {
		return existing, ErrCicInUse
	}

	if err := h.pool.AllocateSpecific(m.CIC); err != nil {
		return nil, fmt.Errorf("isup: failed to reserve CIC %d for inbound call: %w", m.CIC, err)
	}

	c := &Call{CIC: m.CIC, Direction: DirIncoming, State: CicIncomingSetup, StartTime: time.Now()}
	h.calls[m.CIC] = c
	return c, nil
}

// ReceiveACM transitions an outgoing call to CallProgress.
func (h *Handler) ReceiveACM(m Message) error {
	return h.transition(m.CIC, CicOutgoingSetup, CicCallProgress)
}

// SendACM answers an incoming call's setup.
func (h *Handler) SendACM(cic uint16) error {
	if err := h.transition(cic, CicIncomingSetup, CicCallProgress); err != nil {
		return err
	}
	return h.send(Message{Type: MsgACM, CIC: cic})
}

// ReceiveANM transitions a call to Answered.
func (h *Handler) ReceiveANM(m Message) error {
	h.mu.Lock()
	c, ok := h.calls[m.CIC]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("isup: ANM for unknown CIC %d", m.CIC)
	}
	h.mu.Lock()
	c.State = CicAnswered
	h.mu.Unlock()
	return nil
}

// SendANM answers an incoming call.
func (h *Handler) SendANM(cic uint16) error {
	h.mu.Lock()
	c, ok := h.calls[cic]
	if ok {
		c.State = CicAnswered
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("isup: no call on CIC %d", cic)
	}
	return h.send(Message{Type: MsgANM, CIC: cic})
}

// ReceiveREL processes an inbound REL, replies with RLC, and returns the
// CIC to the pool (spec §4.E / §8 scenario 4).
func (h *Handler) ReceiveREL(m Message) (cause byte, err error) {
	cause, _ = m.Cause()

	h.mu.Lock()
	if c, ok := h.calls[m.CIC]; ok {
		c.State = CicReleasing
	}
	h.mu.Unlock()

	if err := h.send(Message{Type: MsgRLC, CIC: m.CIC}); err != nil {
		return cause, fmt.Errorf("isup: failed to send RLC: %w", err)
	}

	h.mu.Lock()
	delete(h.calls, m.CIC)
	h.mu.Unlock()
	if relErr := h.pool.Release(m.CIC); relErr != nil {
		return cause, relErr
	}
	return cause, nil
}

// SendREL begins local release with a Q.850 cause; the CIC is freed once
// RLC arrives (ReceiveRLC).
func (h *Handler) SendREL(cic uint16, cause byte) error {
	if err := h.transitionAny(cic, CicReleasing); err != nil {
		return err
	}
	return h.send(Message{Type: MsgREL, CIC: cic, Params: []Param{NewCauseParam(cause)}})
}

// ReceiveRLC completes a locally-initiated release, returning the CIC to
// the pool.
func (h *Handler) ReceiveRLC(m Message) error {
	h.mu.Lock()
	delete(h.calls, m.CIC)
	h.mu.Unlock()
	return h.pool.Release(m.CIC)
}

// HandleUnknown surfaces an unrecognized incoming message type without
// touching per-CIC state (spec §4.E).
func (h *Handler) HandleUnknown(typ MessageType, cic uint16) {
	h.emit(Event{Kind: EventUnknownMessage, Type: typ, CIC: cic})
}

func (h *Handler) transition(cic uint16, from, to CicState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.calls[cic]
	if !ok {
		return fmt.Errorf("isup: no call on CIC %d", cic)
	}
	if c.State != from {
		return fmt.Errorf("isup: CIC %d in state %s, expected %s", cic, c.State, from)
	}
	c.State = to
	return nil
}

func (h *Handler) transitionAny(cic uint16, to CicState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.calls[cic]
	if !ok {
		return fmt.Errorf("isup: no call on CIC %d", cic)
	}
	c.State = to
	return nil
}

// Lookup returns the call on cic, if any.
func (h *Handler) Lookup(cic uint16) (*Call, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.calls[cic]
	return c, ok
}

// Pool exposes the underlying CIC pool (e.g. for glare reallocation).
func (h *Handler) Pool() *CicPool { return h.pool }
