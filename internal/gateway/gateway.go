// Package gateway is the supervisor: it owns every other component, wires
// each one's typed event stream and command channel to its neighbors, and
// exposes the call-origination/termination operations a SIP collaborator
// drives (spec §9 "Cyclic references between collaborators": the gateway
// wires streams and owns all components, never the reverse).
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/carrierone/redfire-gateway/internal/config"
	"github.com/carrierone/redfire-gateway/internal/events"
	"github.com/carrierone/redfire-gateway/internal/hal"
	"github.com/carrierone/redfire-gateway/internal/isup"
	"github.com/carrierone/redfire-gateway/internal/lapd"
	"github.com/carrierone/redfire-gateway/internal/logger"
	"github.com/carrierone/redfire-gateway/internal/nfas"
	"github.com/carrierone/redfire-gateway/internal/q931"
	"github.com/carrierone/redfire-gateway/internal/rtppool"
	"github.com/carrierone/redfire-gateway/internal/session"
	"github.com/carrierone/redfire-gateway/internal/sip"
	"github.com/carrierone/redfire-gateway/internal/translator"
)

// SIPTransport is the upstream SIP collaborator (spec §6): the core
// produces a sip.Message and hands it here; Via/transaction handling is
// the collaborator's job, not the core's.
type SIPTransport interface {
	Send(sip.Message) error
}

// dchannel is one D-channel endpoint's Q.931 manager plus the engine (or
// NFAS group) that carries it, so the gateway can route an outbound
// sip.Message back to the right SIP transport target.
type dchannel struct {
	label  string
	mgr    *q931.Manager
	engine *lapd.Engine // nil if this D-channel is NFAS-protected
	group  *nfas.Group  // nil if this D-channel is a standalone span

	mu    sync.Mutex
	calls map[string]*callState
}

// callState is what the gateway tracks per Q.931 call reference: the
// call-control SM itself, the translation context fixing this call's
// variant and SIP Call-ID (spec §4.G), and its Session Registry record.
type callState struct {
	call *q931.Call
	ctx  translator.Context
	rtp  rtppool.Pair
	rec  *session.Record
}

// Gateway wires hal.Span <-> lapd.Engine <-> q931.Manager, the ISUP
// Handler, the Session Registry, the RTP pool, and the Translator into
// one supervised unit.
type Gateway struct {
	log *logger.Logger

	mu        sync.Mutex
	dchannels map[string]*dchannel // keyed by span label, or by NFAS group ID

	spanByDChannel map[string][]hal.Span
	callOwner      map[string]*dchannel // call reference -> owning D-channel

	isupHandler *isup.Handler
	isupCalls   map[uint16]*isupCallState
	sessions    *session.Registry
	rtpPool     *rtppool.Pool
	variant     translator.Variant

	sipOut SIPTransport
	sink   events.Sink

	callRefSeq atomic.Uint32
}

func variantFromString(s string) (translator.Variant, error) {
	switch s {
	case "ITU":
		return translator.VariantITU, nil
	case "ETSI":
		return translator.VariantETSI, nil
	case "NI2":
		return translator.VariantNI2, nil
	case "5ESS":
		return translator.Variant5ESS, nil
	case "DMS-100":
		return translator.VariantDMS100, nil
	case "AXE":
		return translator.VariantAXE, nil
	case "EWSD":
		return translator.VariantEWSD, nil
	default:
		return 0, fmt.Errorf("gateway: unknown switch variant %q", s)
	}
}

// New builds a Gateway from cfg. spans must contain one hal.Span per
// config.SpanConfig.Label; isupOut is the SIGTRAN collaborator's sender,
// sipOut the SIP collaborator's.
func New(cfg config.Daemon, spans map[string]hal.Span, sipOut SIPTransport, isupOut isup.Sender, sink events.Sink, log *logger.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}

	variant, err := variantFromString(cfg.Variant)
	if err != nil {
		return nil, err
	}

	isupHandler, err := isup.NewHandler(cfg.CICRange.Min, cfg.CICRange.Max, isupOut, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to build ISUP handler: %w", err)
	}

	rtpPool, err := rtppool.New(cfg.RTPPortRange.Min, cfg.RTPPortRange.Max)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to build RTP pool: %w", err)
	}

	g := &Gateway{
		log:         log,
		dchannels:   make(map[string]*dchannel),
		callOwner:   make(map[string]*dchannel),
		isupHandler: isupHandler,
		isupCalls:   make(map[uint16]*isupCallState),
		sessions:    session.NewRegistry(),
		rtpPool:     rtpPool,
		variant:     variant,
		sipOut:      sipOut,
		sink:        sink,
	}

	grouped := make(map[string]bool)
	for _, gc := range cfg.NFASGroups {
		engines := make([]*lapd.Engine, 0, len(gc.SpanLabels))
		for _, label := range gc.SpanLabels {
			span, ok := spans[label]
			if !ok {
				return nil, fmt.Errorf("gateway: no HAL span supplied for NFAS span %s", label)
			}
			engines = append(engines, lapd.NewEngine(lapd.DefaultConfig(), halSender{span}, nil))
			grouped[label] = true
		}

		ngc := nfas.DefaultConfig(gc.GroupID)
		ngc.HeartbeatInterval = gc.HeartbeatInterval
		ngc.SwitchoverTimeout = gc.SwitchoverTimeout
		if gc.HeartbeatFailureThreshold > 0 {
			ngc.HeartbeatFailureThreshold = gc.HeartbeatFailureThreshold
		}
		if gc.MaxSwitchoverAttempts > 0 {
			ngc.MaxSwitchoverAttempts = gc.MaxSwitchoverAttempts
		}

		group, err := nfas.NewGroup(ngc, engines, log)
		if err != nil {
			return nil, fmt.Errorf("gateway: failed to build NFAS group %s: %w", gc.GroupID, err)
		}

		mgr := q931.NewManager(group, q931.DefaultTimerConfig(), log)
		g.dchannels[gc.GroupID] = &dchannel{label: gc.GroupID, mgr: mgr, group: group}
	}

	for _, sc := range cfg.Spans {
		if grouped[sc.Label] {
			continue
		}
		span, ok := spans[sc.Label]
		if !ok {
			return nil, fmt.Errorf("gateway: no HAL span supplied for span %s", sc.Label)
		}
		engine := lapd.NewEngine(lapd.DefaultConfig(), halSender{span}, nil)
		mgr := q931.NewManager(engineSender{engine}, q931.DefaultTimerConfig(), log)
		g.dchannels[sc.Label] = &dchannel{label: sc.Label, mgr: mgr, engine: engine}
	}

	g.attachSpans(spans, cfg)
	return g, nil
}

// attachSpans remembers which hal.Span backs which engine so Run can
// start the Recv pumps; stored on the dchannel via a small side table to
// avoid widening dchannel's exported surface.
func (g *Gateway) attachSpans(spans map[string]hal.Span, cfg config.Daemon) {
	g.spanByDChannel = make(map[string][]hal.Span)
	grouped := make(map[string]string) // span label -> group id
	for _, gc := range cfg.NFASGroups {
		for _, label := range gc.SpanLabels {
			grouped[label] = gc.GroupID
		}
	}
	for _, sc := range cfg.Spans {
		span := spans[sc.Label]
		owner := sc.Label
		if gid, ok := grouped[sc.Label]; ok {
			owner = gid
		}
		g.spanByDChannel[owner] = append(g.spanByDChannel[owner], span)
	}
}

// halSender adapts a hal.Span to lapd.FrameSender.
type halSender struct{ span hal.Span }

func (h halSender) Send(octets []byte) error { return h.span.Send(octets) }

// engineSender adapts a standalone *lapd.Engine to q931.Sender, routing
// the call through Engine.Do so the call-control layer (which does not
// run on the engine's own task) never mutates engine state directly.
type engineSender struct{ e *lapd.Engine }

func (s engineSender) SendMessage(m q931.Message) error {
	octets, err := q931.Encode(m)
	if err != nil {
		return fmt.Errorf("gateway: failed to encode outbound Q.931 message: %w", err)
	}
	var sendErr error
	s.e.Do(func() { sendErr = s.e.SendInfo(octets) })
	return sendErr
}

// Run starts every span's HAL frame pump, every LAPD engine's task, every
// NFAS group's supervisor, and the per-D-channel inbound Q.931 dispatch
// loop. It returns once ctx is cancelled; callers run it in its own
// goroutine (spec §5: one task per NFAS group plus one per FAS span).
func (g *Gateway) Run(ctx context.Context) {
	var wg sync.WaitGroup
	g.mu.Lock()
	dchannels := make(map[string]*dchannel, len(g.dchannels))
	for label, d := range g.dchannels {
		dchannels[label] = d
	}
	g.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.RunISUP(ctx)
	}()

	for label, d := range dchannels {
		spans := g.spanByDChannel[label]
		if d.group != nil {
			engines := d.group.Engines()
			for i, e := range engines {
				if i >= len(spans) {
					break
				}
				g.pumpSpan(ctx, &wg, spans[i], e)
			}
			wg.Add(1)
			go func(grp *nfas.Group) {
				defer wg.Done()
				grp.Run(ctx)
			}(d.group)
		} else if d.engine != nil && len(spans) > 0 {
			g.pumpSpan(ctx, &wg, spans[0], d.engine)
			e := d.engine
			e.Do(func() { e.Start() })
		}

		wg.Add(1)
		go func(label string, d *dchannel) {
			defer wg.Done()
			g.runDChannel(ctx, label, d)
		}(label, d)
	}
	wg.Wait()
}

// pumpSpan wires one hal.Span's octet stream into one lapd.Engine: a
// buffered channel carries frames from Span.Recv to Engine.Run, which
// owns the engine exclusively from then on (spec §5 "single-task
// entities").
func (g *Gateway) pumpSpan(ctx context.Context, wg *sync.WaitGroup, span hal.Span, e *lapd.Engine) {
	frameIn := make(chan []byte, 64)
	wg.Add(2)
	go func() {
		defer wg.Done()
		span.Recv(ctx, frameIn)
	}()
	go func() {
		defer wg.Done()
		e.Run(ctx, frameIn)
	}()
}

// notify forwards an occurrence to the gateway's event sink, if one was
// supplied (spec §9 "global state": no package reaches for a sink by
// name; the gateway is the only Notify caller).
func (g *Gateway) notify(n events.Notification) {
	if g.sink != nil {
		g.sink.Notify(n)
	}
}

// runDChannel drains a D-channel's inbound Q.921/Q.931 traffic (payload
// from whichever span/engine backs it) and link-level events, dispatching
// each decoded Q.931 message to the call it belongs to.
func (g *Gateway) runDChannel(ctx context.Context, label string, d *dchannel) {
	if d.group != nil {
		g.runGroupDChannel(ctx, label, d)
		return
	}
	g.runEngineDChannel(ctx, label, d)
}

// runEngineDChannel drains a standalone (FAS) lapd.Engine directly: its
// Events channel carries both link-state occurrences and delivered
// I-frame payloads (spec §4.B).
func (g *Gateway) runEngineDChannel(ctx context.Context, label string, d *dchannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.engine.Events():
			if !ok {
				return
			}
			if ev.Kind == lapd.EventPayload {
				g.handleInboundQ931(label, d, ev.Payload)
				continue
			}
			g.handleLinkEvent(label, ev)
			if ev.Kind == lapd.EventReleased || ev.Kind == lapd.EventError {
				g.clearDChannelCalls(d, q931.CauseTemporaryFailure)
			}
		}
	}
}

// runGroupDChannel drains an NFAS-protected D-channel: inbound Q.931
// payloads arrive on the group's single logical Payloads channel (spec
// §4.F "presents a single D-channel endpoint upstream"), while the
// group's own Events channel carries switchover/queue occurrences
// instead of raw link state.
func (g *Gateway) runGroupDChannel(ctx context.Context, label string, d *dchannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case octets, ok := <-d.group.Payloads():
			if !ok {
				return
			}
			g.handleInboundQ931(label, d, octets)
		case ev, ok := <-d.group.Events():
			if !ok {
				continue
			}
			g.handleGroupEvent(label, ev)
		}
	}
}

// handleGroupEvent surfaces an NFAS group occurrence as a Notification;
// a GroupInactive means every switchover candidate failed, so every call
// still up on this logical D-channel is cleared with cause 41 (spec §7
// "Link" error handling).
func (g *Gateway) handleGroupEvent(label string, ev nfas.Event) {
	switch ev.Kind {
	case nfas.EventSwitchoverCompleted:
		g.notify(events.Notification{Source: events.SourceNFAS, Severity: events.SeverityWarning, Message: fmt.Sprintf("switchover %s -> %s (%s)", ev.FromSpan, ev.ToSpan, ev.Reason), SpanLabel: label})
	case nfas.EventGroupInactive:
		g.notify(events.Notification{Source: events.SourceNFAS, Severity: events.SeverityAlarm, Message: "group inactive: all switchover candidates failed", SpanLabel: label})
		g.mu.Lock()
		d := g.dchannels[label]
		g.mu.Unlock()
		if d != nil {
			g.clearDChannelCalls(d, q931.CauseTemporaryFailure)
		}
	case nfas.EventQueueOverflow:
		g.notify(events.Notification{Source: events.SourceNFAS, Severity: events.SeverityWarning, Message: "switchover queue overflow, oldest message dropped", SpanLabel: label})
	}
}

// handleLinkEvent surfaces a standalone engine's link-state occurrence as
// a Notification (spec §7 "Link" error handling); payload delivery is
// handled by the caller before reaching here.
func (g *Gateway) handleLinkEvent(label string, ev lapd.Event) {
	switch ev.Kind {
	case lapd.EventEstablished:
		g.notify(events.Notification{Source: events.SourceLAPD, Severity: events.SeverityInfo, Message: "data link established", SpanLabel: label})
	case lapd.EventReleased:
		g.notify(events.Notification{Source: events.SourceLAPD, Severity: events.SeverityWarning, Message: "data link released", SpanLabel: label})
	case lapd.EventError:
		g.notify(events.Notification{Source: events.SourceLAPD, Severity: events.SeverityAlarm, Message: fmt.Sprintf("link error: %s", ev.Err), SpanLabel: label})
	}
}

// clearDChannelCalls implements spec §7 "Link" error handling for a FAS
// span: when the link itself is lost, Call-Control clears every call
// still up on it with cause 41. NFAS groups instead trigger switchover
// (handled inside the Group) and only fall back to clearing calls if the
// whole group goes Inactive (see handleGroupEvent).
func (g *Gateway) clearDChannelCalls(d *dchannel, cause byte) {
	d.mu.Lock()
	calls := make([]*callState, 0, len(d.calls))
	for _, cs := range d.calls {
		calls = append(calls, cs)
	}
	d.mu.Unlock()
	for _, cs := range calls {
		cs.call.SendDisconnect(cause)
	}
}

// handleInboundQ931 decodes one Q.931 message arriving on a D-channel and
// routes it to a new or existing call (spec §4.D, §8 scenario 1).
func (g *Gateway) handleInboundQ931(label string, d *dchannel, octets []byte) {
	msg, err := q931.Decode(octets)
	if err != nil {
		g.log.Debug("dropping undecodable Q.931 message", logger.Ctx{"span": label, "err": err})
		return
	}

	if msg.MessageType == q931.MsgSetup {
		g.handleInboundSetup(label, d, msg)
		return
	}
	if msg.MessageType == q931.MsgStatusEnquiry {
		g.respondStatus(label, d, msg)
		return
	}

	call, ok := d.mgr.Lookup(msg.CallRef)
	if !ok {
		g.log.Debug("Q.931 message for unknown call reference", logger.Ctx{"span": label, "type": msg.MessageType})
		return
	}
	g.dispatchToCall(label, d, call, msg)
}

// handleInboundSetup implements spec §8 scenario 1: an inbound SETUP
// allocates an RTP pair and a session record, translates to an INVITE,
// and sends it to the SIP collaborator.
func (g *Gateway) handleInboundSetup(label string, d *dchannel, msg q931.Message) {
	call, err := d.mgr.HandleSetup(msg.CallRef, msg)
	if err != nil {
		// HandleSetup already answered a colliding reference with RELEASE
		// COMPLETE cause 81 on the D-channel (spec §4.D); nothing more to do.
		g.log.Debug("rejected colliding SETUP", logger.Ctx{"span": label, "err": err})
		return
	}

	pair, err := g.rtpPool.Allocate()
	if err != nil {
		call.SendDisconnect(q931.CauseNoCircuitAvailable)
		g.notify(events.Notification{Source: events.SourceSession, Severity: events.SeverityWarning, Message: "RTP pool exhausted on inbound SETUP", SpanLabel: label})
		return
	}

	ctx := translator.NewContext(g.variant)
	ctx.CallRef = string(msg.CallRef.Value)
	ctx.RTPPort = pair.RTP
	call.SIPCallID = ctx.SIPCallID

	rec := session.NewRecord()
	rec.CallRef = ctx.CallRef
	rec.SIPCallID = ctx.SIPCallID
	rec.RTPPort = pair.RTP
	rec.HasRTPPort = true
	if err := g.sessions.Insert(rec); err != nil {
		g.rtpPool.Release(pair)
		call.SendDisconnect(q931.CauseTemporaryFailure)
		g.notify(events.Notification{Source: events.SourceSession, Severity: events.SeverityWarning, Message: "session key collision on inbound SETUP", SpanLabel: label, CallRef: ctx.CallRef})
		return
	}

	sdp := &sip.SDP{ConnectionIP: "0.0.0.0", AudioPort: pair.RTP, Payloads: sip.DefaultPayloads()}
	invite, err := translator.Q931ToSIP(ctx, msg, sdp)
	if err != nil {
		g.log.Warn("failed to translate inbound SETUP", logger.Ctx{"err": err})
		return
	}

	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[string]*callState)
	}
	d.calls[key(msg.CallRef)] = &callState{call: call, ctx: ctx, rtp: pair, rec: rec}
	d.mu.Unlock()
	g.mu.Lock()
	g.callOwner[ctx.CallRef] = d
	g.mu.Unlock()

	if g.sipOut != nil {
		if err := g.sipOut.Send(invite); err != nil {
			g.log.Warn("failed to send translated INVITE", logger.Ctx{"err": err})
		}
	}
	call.SendCallProceeding()
}

// dispatchToCall drives an existing call's state machine from an inbound
// Q.931 message and forwards the corresponding SIP shape, if any, to the
// SIP collaborator.
func (g *Gateway) dispatchToCall(label string, d *dchannel, call *q931.Call, msg q931.Message) {
	d.mu.Lock()
	cs, ok := d.calls[key(msg.CallRef)]
	d.mu.Unlock()
	var ctx translator.Context
	if ok {
		ctx = cs.ctx
	} else {
		ctx = translator.NewContext(g.variant)
		ctx.CallRef = string(msg.CallRef.Value)
	}

	switch msg.MessageType {
	case q931.MsgStatus:
		// Compatible states are accepted silently; incompatible ones
		// clear with cause 101 (spec §4.D). Neither produces SIP traffic.
		call.ReceiveStatus(msg, statusCompatible(call, msg))
		return
	case q931.MsgCallProceeding:
		call.ReceiveCallProceeding()
	case q931.MsgAlerting:
		call.ReceiveAlerting()
	case q931.MsgConnect:
		call.ReceiveConnect()
	case q931.MsgConnectAck:
		call.ReceiveConnectAck()
	case q931.MsgDisconnect:
		call.ReceiveDisconnect(msg)
	case q931.MsgRelease:
		call.ReceiveRelease(msg)
	case q931.MsgReleaseComplete:
		call.ReceiveReleaseComplete(msg)
		g.releaseCall(d, msg.CallRef)
	default:
		g.log.Debug("unhandled Q.931 message type for established call", logger.Ctx{"type": msg.MessageType})
		return
	}

	resp, err := translator.Q931ToSIP(ctx, msg, nil)
	if err != nil {
		g.log.Debug("no SIP translation for this Q.931 message", logger.Ctx{"err": err})
		return
	}
	if g.sipOut != nil {
		if err := g.sipOut.Send(resp); err != nil {
			g.log.Warn("failed to send translated SIP message", logger.Ctx{"err": err})
		}
	}
	if msg.MessageType == q931.MsgRelease {
		g.releaseCall(d, msg.CallRef)
	}
}

// respondStatus answers a STATUS ENQUIRY with STATUS cause 30 carrying
// the named call's current state, or Null (0) for a reference no call
// owns — the NFAS heartbeat's call-reference-less enquiry lands here
// (spec §7 "Protocol" error handling; §4.F heartbeat).
func (g *Gateway) respondStatus(label string, d *dchannel, msg q931.Message) {
	state := q931.StateNull
	if call, ok := d.mgr.Lookup(msg.CallRef); ok {
		state = call.State()
	}
	status := q931.Message{
		ProtocolDiscriminator: q931.ProtocolDiscriminator,
		CallRef:               msg.CallRef,
		MessageType:           q931.MsgStatus,
		IEs: []q931.IE{
			{Tag: q931.IECause, Value: []byte{0x80, 0x80 | q931.CauseResponseToStatus}},
			{Tag: q931.IECallState, Value: []byte{byte(state) & 0x3F}},
		},
	}
	if err := d.mgr.Sender().SendMessage(status); err != nil {
		g.log.Warn("failed to answer STATUS ENQUIRY", logger.Ctx{"span": label, "err": err})
	}
}

// statusCompatible reports whether a received STATUS names a call state
// compatible with ours; an absent or malformed call-state IE is treated
// as compatible.
func statusCompatible(call *q931.Call, msg q931.Message) bool {
	ie, ok := msg.Find(q931.IECallState)
	if !ok || len(ie.Value) < 1 {
		return true
	}
	return q931.CallState(ie.Value[0]&0x3F) == call.State()
}

// releaseCall frees the call reference and returns every resource the
// call held (RTP pair, session record) to its pool.
func (g *Gateway) releaseCall(d *dchannel, ref q931.CallRef) {
	d.mu.Lock()
	cs, ok := d.calls[key(ref)]
	if ok {
		delete(d.calls, key(ref))
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.mgr.Free(ref)
	g.rtpPool.Release(cs.rtp)
	if cs.rec != nil {
		if err := g.sessions.ReleaseRecord(cs.rec); err != nil {
			g.log.Warn("partial session release on call teardown", logger.Ctx{"err": err})
		}
	}
	g.mu.Lock()
	delete(g.callOwner, key(ref))
	g.mu.Unlock()
}

func key(ref q931.CallRef) string { return string(ref.Value) }

// OriginateToTDM starts an outbound call on behalf of the SIP
// collaborator (spec §4.G "SIP -> Q.931/ISUP: symmetric"): it allocates
// a fresh call reference and RTP pair, sends SETUP, and registers the
// session before any TDM response arrives.
func (g *Gateway) OriginateToTDM(dchannelLabel, calling, called string, bearer []byte, sipCallID string) error {
	g.mu.Lock()
	d, ok := g.dchannels[dchannelLabel]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("gateway: no D-channel %q", dchannelLabel)
	}

	ref := q931.CallRef{Value: []byte{byte(g.callRefSeq.Add(1) & 0x7f)}}
	call, err := d.mgr.Originate(ref)
	if err != nil {
		return fmt.Errorf("gateway: failed to originate call: %w", err)
	}

	pair, err := g.rtpPool.Allocate()
	if err != nil {
		d.mgr.Free(ref)
		return fmt.Errorf("gateway: %w", rtppool.ErrNoPortsAvailable)
	}

	ctx := translator.NewContext(g.variant)
	ctx.CallRef = string(ref.Value)
	ctx.RTPPort = pair.RTP
	ctx.SIPCallID = sipCallID
	call.SIPCallID = sipCallID

	rec := session.NewRecord()
	rec.CallRef = ctx.CallRef
	rec.SIPCallID = sipCallID
	rec.RTPPort = pair.RTP
	rec.HasRTPPort = true
	if err := g.sessions.Insert(rec); err != nil {
		g.rtpPool.Release(pair)
		d.mgr.Free(ref)
		return fmt.Errorf("gateway: %w", session.ErrKeyCollision)
	}

	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[string]*callState)
	}
	d.calls[key(ref)] = &callState{call: call, ctx: ctx, rtp: pair, rec: rec}
	d.mu.Unlock()
	g.mu.Lock()
	g.callOwner[ctx.CallRef] = d
	g.mu.Unlock()

	call.OriginateSetup(calling, called, bearer)
	return nil
}

// HandleSIPResponse delivers a SIP response (or BYE) the collaborator
// received for an in-progress call back into the core (spec §4.G "SIP ->
// Q.931/ISUP: symmetric"), driving the owning Call's state machine and
// sending the corresponding Q.931 message on its D-channel.
func (g *Gateway) HandleSIPResponse(sipCallID string, msg sip.Message) error {
	rec, ok := g.sessions.Lookup(session.KeySIPCallID, sipCallID)
	if !ok {
		return fmt.Errorf("gateway: no session for SIP Call-ID %q", sipCallID)
	}
	if rec.HasCIC {
		return g.HandleSIPResponseForCIC(sipCallID, msg)
	}

	g.mu.Lock()
	d, ok := g.callOwner[rec.CallRef]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("gateway: no D-channel owns call reference %q", rec.CallRef)
	}

	d.mu.Lock()
	cs, ok := d.calls[rec.CallRef]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("gateway: call %q already cleared", rec.CallRef)
	}

	q931Msg, err := translator.SIPToQ931(cs.ctx, msg, "", "", nil)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	switch q931Msg.MessageType {
	case q931.MsgCallProceeding:
		cs.call.SendCallProceeding()
	case q931.MsgAlerting:
		cs.call.SendAlerting()
	case q931.MsgConnect:
		cs.call.SendConnect()
	case q931.MsgDisconnect:
		cause := q931.CauseNormalUnspecified
		if ie, ok := q931Msg.Find(q931.IECause); ok && len(ie.Value) >= 2 {
			cause = int(ie.Value[1] &^ 0x80)
		}
		cs.call.SendDisconnect(byte(cause))
	default:
		return fmt.Errorf("gateway: no Q.931 action for translated message type 0x%02x", q931Msg.MessageType)
	}
	return nil
}
