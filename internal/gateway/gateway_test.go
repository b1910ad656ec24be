package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carrierone/redfire-gateway/internal/config"
	"github.com/carrierone/redfire-gateway/internal/hal"
	"github.com/carrierone/redfire-gateway/internal/isup"
	"github.com/carrierone/redfire-gateway/internal/lapd"
	"github.com/carrierone/redfire-gateway/internal/q931"
	"github.com/carrierone/redfire-gateway/internal/session"
	"github.com/carrierone/redfire-gateway/internal/sip"
)

// captureSIP records every message the core hands to the SIP
// collaborator.
type captureSIP struct {
	mu   sync.Mutex
	msgs []sip.Message
}

func (c *captureSIP) Send(m sip.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *captureSIP) all() []sip.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sip.Message(nil), c.msgs...)
}

type captureISUP struct {
	mu   sync.Mutex
	msgs []isup.Message
}

func (c *captureISUP) SendMessage(m isup.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func testConfig() config.Daemon {
	return config.Daemon{
		Spans:        []config.SpanConfig{{Label: "span0", Interface: "fake0"}},
		CICRange:     config.CICRangeConfig{Min: 1, Max: 100},
		RTPPortRange: config.RTPPortRangeConfig{Min: 20000, Max: 20010},
		Variant:      "ITU",
	}
}

// peer drives the far end of span0's D-channel: it answers the
// gateway's SABME with UA and numbers the I-frames it injects.
type peer struct {
	span *hal.FakeSpan
	ns   uint8
}

func (p *peer) awaitSABMEAndEstablish(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, octets := range p.span.SentFrames() {
			f, err := lapd.Decode(octets)
			if err != nil {
				continue
			}
			if f.Control.Kind == lapd.KindU && f.Control.U == lapd.USABME {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "gateway never sent SABME on span0")

	ua, err := lapd.Encode(lapd.Frame{Control: lapd.Control{Kind: lapd.KindU, U: lapd.UUA, PF: true}})
	require.NoError(t, err)
	p.span.Inject(ua)
}

func (p *peer) injectQ931(t *testing.T, m q931.Message) {
	t.Helper()
	m.ProtocolDiscriminator = q931.ProtocolDiscriminator
	payload, err := q931.Encode(m)
	require.NoError(t, err)
	frame, err := lapd.Encode(lapd.Frame{
		Control:     lapd.Control{Kind: lapd.KindI, NS: p.ns, NR: 0},
		Information: payload,
	})
	require.NoError(t, err)
	p.ns = (p.ns + 1) & 0x7F
	p.span.Inject(frame)
}

// sentQ931 decodes every Q.931 message the gateway transmitted as an
// I-frame payload so far.
func (p *peer) sentQ931() []q931.Message {
	var out []q931.Message
	for _, octets := range p.span.SentFrames() {
		f, err := lapd.Decode(octets)
		if err != nil || f.Control.Kind != lapd.KindI {
			continue
		}
		m, err := q931.Decode(f.Information)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// TestInboundSetupProducesInvite wires a FakeSpan through the full
// stack: LAPD establishment, an inbound SETUP, and the translated INVITE
// handed to the SIP collaborator, with the session registered under both
// the call reference and the new Call-ID (spec §8 scenario 1).
func TestInboundSetupProducesInvite(t *testing.T) {
	span := hal.NewFakeSpan("span0")
	sipOut := &captureSIP{}
	gw, err := New(testConfig(), map[string]hal.Span{"span0": span}, sipOut, &captureISUP{}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	p := &peer{span: span}
	p.awaitSABMEAndEstablish(t)

	p.injectQ931(t, q931.Message{
		CallRef:     q931.CallRef{Value: []byte{0x12, 0x34}},
		MessageType: q931.MsgSetup,
		IEs: []q931.IE{
			{Tag: q931.IEBearerCapability, Value: []byte{0x80, 0x90, 0xA3}},
			{Tag: q931.IECallingPartyNumber, Value: []byte("5551001")},
			{Tag: q931.IECalledPartyNumber, Value: []byte("5551002")},
		},
	})

	var invite sip.Message
	require.Eventually(t, func() bool {
		for _, m := range sipOut.all() {
			if m.Method == sip.MethodInvite {
				invite = m
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "no INVITE reached the SIP collaborator")

	from, ok := invite.Get("From")
	require.True(t, ok)
	require.Contains(t, from, "5551001")
	to, ok := invite.Get("To")
	require.True(t, ok)
	require.Contains(t, to, "5551002")
	require.Contains(t, string(invite.Body), "m=audio")

	rec, ok := gw.sessions.Lookup(session.KeyCallRef, string([]byte{0x12, 0x34}))
	require.True(t, ok)
	callID, ok := invite.Get("Call-ID")
	require.True(t, ok)
	require.Equal(t, rec.SIPCallID, callID)

	// The gateway acknowledges the SETUP on the D-channel.
	require.Eventually(t, func() bool {
		for _, m := range p.sentQ931() {
			if m.MessageType == q931.MsgCallProceeding {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
}

// TestStatusEnquiryAnsweredWithStatus covers the heartbeat path: a
// STATUS ENQUIRY with no owning call is answered with STATUS cause 30
// and call state Null.
func TestStatusEnquiryAnsweredWithStatus(t *testing.T) {
	span := hal.NewFakeSpan("span0")
	gw, err := New(testConfig(), map[string]hal.Span{"span0": span}, &captureSIP{}, &captureISUP{}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	p := &peer{span: span}
	p.awaitSABMEAndEstablish(t)

	p.injectQ931(t, q931.Message{MessageType: q931.MsgStatusEnquiry})

	require.Eventually(t, func() bool {
		for _, m := range p.sentQ931() {
			if m.MessageType != q931.MsgStatus {
				continue
			}
			cause, ok := m.Find(q931.IECause)
			if !ok || len(cause.Value) < 2 || cause.Value[1]&^0x80 != q931.CauseResponseToStatus {
				continue
			}
			state, ok := m.Find(q931.IECallState)
			return ok && len(state.Value) == 1 && state.Value[0] == byte(q931.StateNull)
		}
		return false
	}, 2*time.Second, time.Millisecond, "STATUS ENQUIRY was never answered")
}

// TestInboundIAMProducesSIPTInvite covers the ISUP side of spec §8
// scenario 1: an IAM becomes a multipart/mixed SIP-T INVITE and the CIC
// is reserved.
func TestInboundIAMProducesSIPTInvite(t *testing.T) {
	span := hal.NewFakeSpan("span0")
	sipOut := &captureSIP{}
	gw, err := New(testConfig(), map[string]hal.Span{"span0": span}, sipOut, &captureISUP{}, nil, nil)
	require.NoError(t, err)

	iam, err := isup.Encode(isup.Message{Type: isup.MsgIAM, CIC: 7})
	require.NoError(t, err)
	gw.HandleInboundISUP(iam)

	msgs := sipOut.all()
	require.Len(t, msgs, 1)
	require.Equal(t, sip.MethodInvite, msgs[0].Method)
	require.Contains(t, msgs[0].ContentType, "multipart/mixed")
	require.True(t, gw.isupHandler.Pool().IsAllocated(7))

	rec, ok := gw.sessions.Lookup(session.KeyCIC, "7")
	require.True(t, ok)
	require.True(t, ok && rec.HasRTPPort)
}

// TestInboundRELReleasesCIC covers spec §8 scenario 4's resource side:
// REL is answered with RLC, translated to BYE, and the CIC returns to
// the pool.
func TestInboundRELReleasesCIC(t *testing.T) {
	span := hal.NewFakeSpan("span0")
	sipOut := &captureSIP{}
	isupOut := &captureISUP{}
	gw, err := New(testConfig(), map[string]hal.Span{"span0": span}, sipOut, isupOut, nil, nil)
	require.NoError(t, err)

	iam, err := isup.Encode(isup.Message{Type: isup.MsgIAM, CIC: 7})
	require.NoError(t, err)
	gw.HandleInboundISUP(iam)

	rel, err := isup.Encode(isup.Message{Type: isup.MsgREL, CIC: 7, Params: []isup.Param{isup.NewCauseParam(q931.CauseUserBusy)}})
	require.NoError(t, err)
	gw.HandleInboundISUP(rel)

	var sawBye bool
	for _, m := range sipOut.all() {
		if m.Method == sip.MethodBye {
			sawBye = true
			reason, ok := m.Get("Reason")
			require.True(t, ok)
			require.Contains(t, reason, "cause=17")
		}
	}
	require.True(t, sawBye, "REL was not translated to BYE")

	isupOut.mu.Lock()
	var sawRLC bool
	for _, m := range isupOut.msgs {
		if m.Type == isup.MsgRLC {
			sawRLC = true
		}
	}
	isupOut.mu.Unlock()
	require.True(t, sawRLC, "REL was not answered with RLC")
	require.False(t, gw.isupHandler.Pool().IsAllocated(7))
	require.Equal(t, 0, gw.sessions.Count())
}

// TestOriginateToISUPRegistersSession covers the symmetric direction:
// the SIP collaborator originates, the gateway allocates a CIC and RTP
// pair and sends IAM.
func TestOriginateToISUPRegistersSession(t *testing.T) {
	span := hal.NewFakeSpan("span0")
	isupOut := &captureISUP{}
	gw, err := New(testConfig(), map[string]hal.Span{"span0": span}, &captureSIP{}, isupOut, nil, nil)
	require.NoError(t, err)

	require.NoError(t, gw.OriginateToISUP("5551001", "5551002", "call-id-1@host"))

	isupOut.mu.Lock()
	require.Len(t, isupOut.msgs, 1)
	require.Equal(t, isup.MsgIAM, isupOut.msgs[0].Type)
	isupOut.mu.Unlock()

	rec, ok := gw.sessions.Lookup(session.KeySIPCallID, "call-id-1@host")
	require.True(t, ok)
	require.True(t, rec.HasCIC)
	require.Equal(t, 1, gw.rtpPool.InUse())
}
