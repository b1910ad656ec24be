package q931

import (
	"time"

	"github.com/carrierone/redfire-gateway/internal/logger"
	"github.com/carrierone/redfire-gateway/internal/task"
)

// Sender transmits an encoded Q.931 message on the D-channel (usually an
// *lapd.Engine or the active engine of an NFAS group).
type Sender interface {
	SendMessage(Message) error
}

// TimerConfig holds the five Q.931 call timers (spec §4.D).
type TimerConfig struct {
	T301 time.Duration // alerting, >= 180s
	T303 time.Duration // SETUP ack, 4s
	T305 time.Duration // DISCONNECT ack, 30s
	T308 time.Duration // RELEASE ack, 4s, one retry
	T310 time.Duration // CALL PROCEEDING -> next, 10s
}

// DefaultTimerConfig returns the spec's recommended values.
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		T301: 180 * time.Second,
		T303: 4 * time.Second,
		T305: 30 * time.Second,
		T308: 4 * time.Second,
		T310: 10 * time.Second,
	}
}

// CallEventKind tags the events a Call surfaces to its owner.
type CallEventKind int

const (
	CallEventMessageOut CallEventKind = iota
	CallEventStateChanged
	CallEventCleared // call reference freed; last Cause is meaningful
)

// CallEvent is the typed payload for Call.Events().
type CallEvent struct {
	Kind    CallEventKind
	Message Message // valid for CallEventMessageOut
	State   CallState
	Cause   byte
}

// Call is one Q.931 call-control state machine instance (spec §4.D).
type Call struct {
	CallRef     CallRef
	Originating bool // true if this side sent the initial SETUP

	Calling        string
	Called         string
	BearerCap      []byte
	Channel        uint8
	SIPCallID      string
	LastCause      byte

	state   CallState
	sender  Sender
	log     *logger.Logger
	timers  TimerConfig
	t301    *task.Timer
	t303    *task.Timer
	t305    *task.Timer
	t308    *task.Timer
	t310    *task.Timer
	t308Retried bool

	events chan CallEvent
}

// NewCall constructs a call in the Null state.
func NewCall(ref CallRef, originating bool, sender Sender, timers TimerConfig, log *logger.Logger) *Call {
	if log == nil {
		log = logger.Default()
	}
	return &Call{
		CallRef:     ref,
		Originating: originating,
		state:       StateNull,
		sender:      sender,
		log:         log.With(logger.Ctx{"callref": ref.Value}),
		timers:      timers,
		t301:        task.NewTimer(timers.T301),
		t303:        task.NewTimer(timers.T303),
		t305:        task.NewTimer(timers.T305),
		t308:        task.NewTimer(timers.T308),
		t310:        task.NewTimer(timers.T310),
		events:      make(chan CallEvent, 32),
	}
}

// State returns the current call-control state.
func (c *Call) State() CallState { return c.state }

// Events returns the channel of messages-to-send and state transitions.
func (c *Call) Events() <-chan CallEvent { return c.events }

func (c *Call) emit(ev CallEvent) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("call event channel full, dropping event")
	}
}

func (c *Call) setState(s CallState) {
	c.state = s
	c.emit(CallEvent{Kind: CallEventStateChanged, State: s})
}

func (c *Call) send(msg Message) {
	msg.ProtocolDiscriminator = ProtocolDiscriminator
	msg.CallRef = c.CallRef
	if c.sender != nil {
		if err := c.sender.SendMessage(msg); err != nil {
			c.log.Warn("failed to send Q.931 message", logger.Ctx{"err": err})
		}
	}
	c.emit(CallEvent{Kind: CallEventMessageOut, Message: msg})
}

func (c *Call) clear(cause byte) {
	c.LastCause = cause
	c.t301.Stop()
	c.t303.Stop()
	c.t305.Stop()
	c.t308.Stop()
	c.t310.Stop()
	c.setState(StateNull)
	c.emit(CallEvent{Kind: CallEventCleared, Cause: cause})
}

// OriginateSetup sends SETUP for an outbound call (CallInitiated).
func (c *Call) OriginateSetup(calling, called string, bearer []byte) {
	c.Calling, c.Called, c.BearerCap = calling, called, bearer
	ies := []IE{{Tag: IEBearerCapability, Value: bearer}}
	if calling != "" {
		ies = append(ies, IE{Tag: IECallingPartyNumber, Value: []byte(calling)})
	}
	if called != "" {
		ies = append(ies, IE{Tag: IECalledPartyNumber, Value: []byte(called)})
	}
	c.send(Message{MessageType: MsgSetup, IEs: ies})
	c.t303.Start()
	c.setState(StateCallInitiated)
}

// ReceiveSetup handles an inbound SETUP (CallPresent).
func (c *Call) ReceiveSetup(m Message) {
	if ie, ok := m.Find(IECallingPartyNumber); ok {
		c.Calling = string(ie.Value)
	}
	if ie, ok := m.Find(IECalledPartyNumber); ok {
		c.Called = string(ie.Value)
	}
	if ie, ok := m.Find(IEBearerCapability); ok {
		c.BearerCap = ie.Value
	}
	c.setState(StateCallPresent)
}

// SendCallProceeding acknowledges an inbound SETUP.
func (c *Call) SendCallProceeding() {
	c.send(Message{MessageType: MsgCallProceeding})
	c.t310.Start()
	c.setState(StateIncomingCallProceeding)
}

// ReceiveCallProceeding processes an inbound CALL PROCEEDING while
// outgoing.
func (c *Call) ReceiveCallProceeding() {
	c.t303.Stop()
	c.t310.Start()
	c.setState(StateOutgoingCallProceeding)
}

// SendAlerting signals ringing to the calling side.
func (c *Call) SendAlerting() {
	c.send(Message{MessageType: MsgAlerting})
	c.t301.Start()
	c.setState(StateCallReceived)
}

// ReceiveAlerting processes inbound ALERTING.
func (c *Call) ReceiveAlerting() {
	c.t303.Stop()
	c.t310.Stop()
	c.t301.Start()
	c.setState(StateCallDelivered)
}

// SendConnect answers the call.
func (c *Call) SendConnect() {
	c.send(Message{MessageType: MsgConnect})
	c.t301.Stop()
	c.setState(StateConnectRequest)
}

// ReceiveConnect processes the peer's CONNECT, completing the call.
func (c *Call) ReceiveConnect() {
	c.t301.Stop()
	c.t303.Stop()
	c.t310.Stop()
	c.send(Message{MessageType: MsgConnectAck})
	c.setState(StateActive)
}

// ReceiveConnectAck completes an inbound CONNECT we originated.
func (c *Call) ReceiveConnectAck() {
	c.setState(StateActive)
}

// SendDisconnect begins local clearing with the given Q.850 cause.
func (c *Call) SendDisconnect(cause byte) {
	c.LastCause = cause
	c.send(Message{MessageType: MsgDisconnect, IEs: []IE{{Tag: ICause(), Value: causeValue(cause)}}})
	c.t305.Start()
	c.setState(StateDisconnectRequest)
}

// ReceiveDisconnect processes peer-initiated clearing.
func (c *Call) ReceiveDisconnect(m Message) {
	cause := causeFromMessage(m)
	c.LastCause = cause
	c.setState(StateDisconnectIndication)
	c.send(Message{MessageType: MsgRelease})
	c.t308.Start()
	c.t308Retried = false
	c.setState(StateReleaseRequest)
}

// SendRelease moves a DisconnectRequest into ReleaseRequest after our own
// DISCONNECT was acknowledged (or on T305 expiry, see HandleT305Expiry).
func (c *Call) SendRelease() {
	c.t305.Stop()
	c.send(Message{MessageType: MsgRelease})
	c.t308.Start()
	c.t308Retried = false
	c.setState(StateReleaseRequest)
}

// ReceiveRelease processes an inbound RELEASE and frees the call.
func (c *Call) ReceiveRelease(m Message) {
	cause := causeFromMessage(m)
	c.send(Message{MessageType: MsgReleaseComplete})
	c.clear(cause)
}

// ReceiveReleaseComplete frees the call reference (spec §4.D: "on
// terminal messages it frees the call reference").
func (c *Call) ReceiveReleaseComplete(m Message) {
	cause := causeFromMessage(m)
	c.clear(cause)
}

// RejectCollision answers a colliding SETUP with RELEASE COMPLETE cause
// 81 (spec §4.D "Call-reference collision").
func (c *Call) RejectCollision() {
	c.send(Message{MessageType: MsgReleaseComplete, IEs: []IE{{Tag: ICause(), Value: causeValue(CauseCallRefCollision)}}})
	c.clear(CauseCallRefCollision)
}

// ClearForGlare resolves a glare loss (spec §4.D: "loser clears with
// cause 44").
func (c *Call) ClearForGlare() {
	c.send(Message{MessageType: MsgRelease, IEs: []IE{{Tag: ICause(), Value: causeValue(CauseGlareCleared)}}})
	c.t308.Start()
	c.t308Retried = false
	c.setState(StateReleaseRequest)
}

// ReceiveStatus implements the STATUS-handling edge case (spec §4.D):
// compatible states are accepted silently, incompatible ones clear with
// cause 101.
func (c *Call) ReceiveStatus(m Message, compatible bool) {
	if compatible {
		return
	}
	c.send(Message{MessageType: MsgRelease, IEs: []IE{{Tag: ICause(), Value: causeValue(CauseIncompatibleState)}}})
	c.t308.Start()
	c.t308Retried = false
	c.setState(StateReleaseRequest)
}

// HandleT301Expiry: alerting timed out with no answer.
func (c *Call) HandleT301Expiry() {
	c.SendDisconnect(CauseNoAnswer)
}

// HandleT303Expiry: SETUP was never acknowledged; local clearing with
// cause 102 (spec §4.D).
func (c *Call) HandleT303Expiry() {
	c.clear(CauseRecoveryOnTimer)
}

// HandleT305Expiry: DISCONNECT was never acknowledged; proceed to
// RELEASE anyway.
func (c *Call) HandleT305Expiry() {
	c.SendRelease()
}

// HandleT308Expiry retries RELEASE once, then gives up and frees the
// call reference locally (spec §4.D: "one retry").
func (c *Call) HandleT308Expiry() {
	if !c.t308Retried {
		c.t308Retried = true
		c.send(Message{MessageType: MsgRelease})
		c.t308.Start()
		return
	}
	c.clear(c.LastCause)
}

// HandleT310Expiry: CALL PROCEEDING never followed by ALERTING/CONNECT.
func (c *Call) HandleT310Expiry() {
	c.SendDisconnect(CauseRecoveryOnTimer)
}

func ICause() byte { return IECause }

func causeValue(cause byte) []byte {
	// Q.931 cause IE: coding standard/location octet, then cause value
	// with high bit set (extension) per ITU Q.850 framing.
	return []byte{0x80, 0x80 | cause}
}

func causeFromMessage(m Message) byte {
	ie, ok := m.Find(IECause)
	if !ok || len(ie.Value) < 2 {
		return CauseNormalUnspecified
	}
	return ie.Value[1] &^ 0x80
}
