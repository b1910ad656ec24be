package gateway

import (
	"context"
	"fmt"

	"github.com/carrierone/redfire-gateway/internal/events"
	"github.com/carrierone/redfire-gateway/internal/isup"
	"github.com/carrierone/redfire-gateway/internal/logger"
	"github.com/carrierone/redfire-gateway/internal/q931"
	"github.com/carrierone/redfire-gateway/internal/rtppool"
	"github.com/carrierone/redfire-gateway/internal/session"
	"github.com/carrierone/redfire-gateway/internal/sip"
	"github.com/carrierone/redfire-gateway/internal/translator"
)

// isupCallState is the gateway's bookkeeping for one active ISUP call,
// mirroring callState on the Q.931 side (spec §3 "Call (ISUP)").
type isupCallState struct {
	call *isup.Call
	ctx  translator.Context
	rtp  rtppool.Pair
	rec  *session.Record
}

// RunISUP drains the ISUP Handler's UnknownMessage event stream; callers
// run it alongside Run in its own goroutine (spec §4.E "Unknown incoming
// message types surface as UnknownMessage events without affecting
// per-CIC state").
func (g *Gateway) RunISUP(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-g.isupHandler.Events():
			if !ok {
				return
			}
			if ev.Kind == isup.EventUnknownMessage {
				g.notify(events.Notification{Source: events.SourceISUP, Severity: events.SeverityWarning, Message: fmt.Sprintf("unknown ISUP message type 0x%02x on CIC %d", ev.Type, ev.CIC)})
			}
		}
	}
}

// HandleInboundISUP decodes one SIGTRAN-delivered ISUP message and routes
// it to the per-CIC call it belongs to, translating to SIP where the
// spec defines a rule (spec §4.G "ISUP -> SIP-T mapping").
func (g *Gateway) HandleInboundISUP(octets []byte) {
	msg, err := isup.Decode(octets)
	if err != nil {
		g.log.Debug("dropping undecodable ISUP message", logger.Ctx{"err": err})
		return
	}

	switch msg.Type {
	case isup.MsgIAM:
		g.handleInboundIAM(msg)
	case isup.MsgACM:
		if err := g.isupHandler.ReceiveACM(msg); err != nil {
			g.log.Debug("ACM for unknown/mismatched CIC", logger.Ctx{"cic": msg.CIC, "err": err})
			return
		}
		g.sendISUPTranslation(msg.CIC, msg, nil)
	case isup.MsgANM:
		if err := g.isupHandler.ReceiveANM(msg); err != nil {
			g.log.Debug("ANM for unknown CIC", logger.Ctx{"cic": msg.CIC, "err": err})
			return
		}
		g.sendISUPTranslation(msg.CIC, msg, nil)
	case isup.MsgREL:
		g.handleInboundREL(msg)
	case isup.MsgRLC:
		if err := g.isupHandler.ReceiveRLC(msg); err != nil {
			g.log.Debug("RLC for unknown CIC", logger.Ctx{"cic": msg.CIC, "err": err})
		}
		g.releaseISUPCall(msg.CIC)
	default:
		g.isupHandler.HandleUnknown(msg.Type, msg.CIC)
	}
}

// handleInboundIAM implements spec §8 scenario 1's ISUP analogue: a fresh
// IAM allocates an RTP pair and a session record, then translates to an
// INVITE whose body tunnels the original IAM (SIP-T, spec §4.G).
func (g *Gateway) handleInboundIAM(msg isup.Message) {
	call, err := g.isupHandler.ReceiveIAM(msg)
	if err != nil {
		// Glare (spec §8 scenario 5): the CIC is already owned by our own
		// outgoing call. Point-code comparison to decide the winner is
		// outside the core's data model (§1 "no SS7 MTP2/MTP3"); the
		// SIGTRAN collaborator is expected to resolve who wins and, on a
		// local loss, call SendREL/reallocate itself.
		g.log.Debug("glare on inbound IAM", logger.Ctx{"cic": msg.CIC, "err": err})
		return
	}

	pair, err := g.rtpPool.Allocate()
	if err != nil {
		_ = g.isupHandler.SendREL(msg.CIC, q931.CauseNoCircuitAvailable)
		g.notify(events.Notification{Source: events.SourceSession, Severity: events.SeverityWarning, Message: "RTP pool exhausted on inbound IAM"})
		return
	}

	ctx := translator.NewContext(g.variant)
	ctx.CIC = msg.CIC
	ctx.HasCIC = true
	ctx.RTPPort = pair.RTP
	call.SIPCallID = ctx.SIPCallID

	rec := session.NewRecord()
	rec.CIC = msg.CIC
	rec.HasCIC = true
	rec.SIPCallID = ctx.SIPCallID
	rec.RTPPort = pair.RTP
	rec.HasRTPPort = true
	if err := g.sessions.Insert(rec); err != nil {
		g.rtpPool.Release(pair)
		_ = g.isupHandler.SendREL(msg.CIC, q931.CauseNormalUnspecified)
		g.notify(events.Notification{Source: events.SourceSession, Severity: events.SeverityWarning, Message: "session key collision on inbound IAM", CallRef: fmt.Sprintf("cic:%d", msg.CIC)})
		return
	}

	sdp := &sip.SDP{ConnectionIP: "0.0.0.0", AudioPort: pair.RTP, Payloads: sip.DefaultPayloads()}
	invite, err := translator.ISUPToSIP(ctx, msg, sdp)
	if err != nil {
		g.log.Warn("failed to translate inbound IAM", logger.Ctx{"err": err})
		return
	}

	g.mu.Lock()
	if g.isupCalls == nil {
		g.isupCalls = make(map[uint16]*isupCallState)
	}
	g.isupCalls[msg.CIC] = &isupCallState{call: call, ctx: ctx, rtp: pair, rec: rec}
	g.mu.Unlock()

	if g.sipOut != nil {
		if err := g.sipOut.Send(invite); err != nil {
			g.log.Warn("failed to send translated SIP-T INVITE", logger.Ctx{"err": err})
		}
	}
}

// handleInboundREL implements spec §8 scenario 4: REL on a CIC is
// answered with RLC, translated to a BYE, and the CIC returns to the pool.
// The BYE is sent whichever side originated the call; no 4xx/5xx/6xx
// response is produced for a SIP-originated call.
func (g *Gateway) handleInboundREL(msg isup.Message) {
	g.sendISUPTranslation(msg.CIC, msg, nil)
	if _, err := g.isupHandler.ReceiveREL(msg); err != nil {
		g.log.Warn("failed to process inbound REL", logger.Ctx{"cic": msg.CIC, "err": err})
	}
	g.releaseISUPCall(msg.CIC)
}

// sendISUPTranslation translates one ISUP message using the call's fixed
// context and forwards the result to the SIP collaborator, if any.
func (g *Gateway) sendISUPTranslation(cic uint16, msg isup.Message, sdp *sip.SDP) {
	g.mu.Lock()
	cs, ok := g.isupCalls[cic]
	g.mu.Unlock()
	var ctx translator.Context
	if ok {
		ctx = cs.ctx
	} else {
		ctx = translator.NewContext(g.variant)
		ctx.CIC = cic
		ctx.HasCIC = true
	}

	out, err := translator.ISUPToSIP(ctx, msg, sdp)
	if err != nil {
		g.log.Debug("no SIP-T translation for this ISUP message", logger.Ctx{"err": err})
		return
	}
	if g.sipOut != nil {
		if err := g.sipOut.Send(out); err != nil {
			g.log.Warn("failed to send translated SIP message", logger.Ctx{"err": err})
		}
	}
}

// releaseISUPCall frees every resource an ISUP call held once its CIC
// returns to the pool.
func (g *Gateway) releaseISUPCall(cic uint16) {
	g.mu.Lock()
	cs, ok := g.isupCalls[cic]
	if ok {
		delete(g.isupCalls, cic)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	g.rtpPool.Release(cs.rtp)
	if cs.rec != nil {
		if err := g.sessions.ReleaseRecord(cs.rec); err != nil {
			g.log.Warn("partial session release on ISUP call teardown", logger.Ctx{"err": err})
		}
	}
}

// OriginateToISUP starts an outbound trunk call on behalf of the SIP
// collaborator (spec §4.G "SIP -> Q.931/ISUP: symmetric"): it allocates a
// CIC and an RTP pair, sends IAM, and registers the session before any
// SIGTRAN response arrives.
func (g *Gateway) OriginateToISUP(calling, called, sipCallID string) error {
	pair, err := g.rtpPool.Allocate()
	if err != nil {
		return fmt.Errorf("gateway: %w", rtppool.ErrNoPortsAvailable)
	}

	call, err := g.isupHandler.OriginateCall(calling, called)
	if err != nil {
		g.rtpPool.Release(pair)
		return fmt.Errorf("gateway: failed to originate ISUP call: %w", err)
	}
	call.SIPCallID = sipCallID

	ctx := translator.NewContext(g.variant)
	ctx.CIC = call.CIC
	ctx.HasCIC = true
	ctx.RTPPort = pair.RTP
	ctx.SIPCallID = sipCallID

	rec := session.NewRecord()
	rec.CIC = call.CIC
	rec.HasCIC = true
	rec.SIPCallID = sipCallID
	rec.RTPPort = pair.RTP
	rec.HasRTPPort = true
	if err := g.sessions.Insert(rec); err != nil {
		_ = g.isupHandler.SendREL(call.CIC, q931.CauseNormalUnspecified)
		g.rtpPool.Release(pair)
		return fmt.Errorf("gateway: %w", session.ErrKeyCollision)
	}

	g.mu.Lock()
	if g.isupCalls == nil {
		g.isupCalls = make(map[uint16]*isupCallState)
	}
	g.isupCalls[call.CIC] = &isupCallState{call: call, ctx: ctx, rtp: pair, rec: rec}
	g.mu.Unlock()
	return nil
}

// HandleSIPResponseForCIC delivers a SIP response (or BYE) for an
// in-progress ISUP call back into the core, driving the CIC's state via
// the ISUP Handler (spec §4.G "symmetric").
func (g *Gateway) HandleSIPResponseForCIC(sipCallID string, msg sip.Message) error {
	rec, ok := g.sessions.Lookup(session.KeySIPCallID, sipCallID)
	if !ok || !rec.HasCIC {
		return fmt.Errorf("gateway: no ISUP session for SIP Call-ID %q", sipCallID)
	}

	g.mu.Lock()
	cs, ok := g.isupCalls[rec.CIC]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("gateway: CIC %d already cleared", rec.CIC)
	}

	isupMsg, err := translator.SIPToISUP(cs.ctx, msg, rec.CIC)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	switch isupMsg.Type {
	case isup.MsgACM:
		return g.isupHandler.SendACM(rec.CIC)
	case isup.MsgANM:
		return g.isupHandler.SendANM(rec.CIC)
	case isup.MsgREL:
		cause, _ := isupMsg.Cause()
		return g.isupHandler.SendREL(rec.CIC, cause)
	default:
		return fmt.Errorf("gateway: no ISUP action for translated message type 0x%02x", isupMsg.Type)
	}
}
