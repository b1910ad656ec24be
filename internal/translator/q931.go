package translator

import (
	"fmt"

	"github.com/carrierone/redfire-gateway/internal/q931"
	"github.com/carrierone/redfire-gateway/internal/sip"
)

// Q931ToSIP translates one outgoing Q.931 message to its SIP shape (spec
// §4.G). sdp is supplied by the caller (the gateway, which owns the RTP
// port allocation and bearer capability); a nil SDP means "no body for
// this message".
func Q931ToSIP(ctx Context, m q931.Message, sdp *sip.SDP) (sip.Message, error) {
	switch m.MessageType {
	case q931.MsgSetup:
		return setupToInvite(ctx, m, sdp), nil
	case q931.MsgCallProceeding:
		return sip.NewResponse(100, "Trying"), nil
	case q931.MsgAlerting:
		return sip.NewResponse(180, "Ringing"), nil
	case q931.MsgConnect:
		resp := sip.NewResponse(200, "OK")
		if sdp != nil {
			resp.ContentType = "application/sdp"
			resp.Body = sdp.Encode()
		}
		return resp, nil
	case q931.MsgDisconnect, q931.MsgRelease:
		return clearingToSIP(ctx, m), nil
	case q931.MsgProgress:
		return progressToSIP(ctx, m), nil
	default:
		return sip.Message{}, fmt.Errorf("translator: no SIP rule for Q.931 message type 0x%02x", m.MessageType)
	}
}

func setupToInvite(ctx Context, m q931.Message, sdp *sip.SDP) sip.Message {
	calling, called := "", ""
	if ie, ok := m.Find(q931.IECallingPartyNumber); ok {
		calling = numberFromIE(ctx.Variant, ie.Value)
	}
	if ie, ok := m.Find(q931.IECalledPartyNumber); ok {
		called = numberFromIE(ctx.Variant, ie.Value)
	}

	req := sip.NewRequest(sip.MethodInvite, fmt.Sprintf("sip:%s", called))
	req = req.WithHeader("From", fmt.Sprintf("sip:%s", calling))
	req = req.WithHeader("To", fmt.Sprintf("sip:%s", called))
	req = req.WithHeader("Call-ID", ctx.SIPCallID)
	if sdp != nil {
		req.ContentType = "application/sdp"
		req.Body = sdp.Encode()
	}
	return req
}

// clearingToSIP implements spec §4.G: "DISCONNECT/RELEASE with cause C
// -> either BYE (if C=16) or the mapped 4xx/5xx/6xx response".
func clearingToSIP(ctx Context, m q931.Message) sip.Message {
	cause := causeFromQ931(m)
	if cause == q931.CauseNormalClearing {
		req := sip.NewRequest(sip.MethodBye, "")
		req = req.WithHeader("Reason", reasonHeader(cause))
		return req
	}

	status, ok := CauseToStatus(ctx.Variant, cause)
	if !ok {
		status = DefaultUnknownInboundStatus
	}
	resp := sip.NewResponse(status, statusReason(status))
	resp = resp.WithHeader("Reason", reasonHeader(cause))
	return resp
}

// numberFromIE renders a calling/called party number IE as a dial
// string. When the leading octet is the type-of-number/numbering-plan
// octet (extension bit set), its nature-of-address bits select the
// variant's prefix; a bare digit string passes through unchanged.
func numberFromIE(v Variant, value []byte) string {
	if len(value) > 0 && value[0]&0x80 != 0 {
		noa := (value[0] >> 4) & 0x07
		return FormatNumber(v, noa, string(value[1:]))
	}
	return string(value)
}

// progressToSIP maps a PROGRESS message through the variant's
// progress-indicator table (spec §3), defaulting to 183 when the
// description value has no entry or the IE is absent.
func progressToSIP(ctx Context, m q931.Message) sip.Message {
	status := 183
	if ie, ok := m.Find(q931.IEProgressIndicator); ok && len(ie.Value) > 0 {
		desc := ie.Value[len(ie.Value)-1] &^ 0x80
		if mapped, ok := ProgressToStatus(ctx.Variant, desc); ok {
			status = mapped
		}
	}
	return sip.NewResponse(status, statusReason(status))
}

func causeFromQ931(m q931.Message) byte {
	ie, ok := m.Find(q931.IECause)
	if !ok || len(ie.Value) < 2 {
		return q931.CauseNormalUnspecified
	}
	return ie.Value[1] &^ 0x80
}

func reasonHeader(cause byte) string {
	return fmt.Sprintf("Q.850;cause=%d;text=%q", cause, CauseText(cause))
}

func statusReason(status int) string {
	switch status {
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 404:
		return "Not Found"
	case 486:
		return "Busy Here"
	case 480:
		return "Temporarily Unavailable"
	case 503:
		return "Service Unavailable"
	case 403:
		return "Forbidden"
	case 410:
		return "Gone"
	case 502:
		return "Bad Gateway"
	case 484:
		return "Address Incomplete"
	case 500:
		return "Server Internal Error"
	default:
		return "Unspecified"
	}
}

// SIPToQ931 translates an inbound SIP message into the Q.931 message the
// core's Call-Control layer should act on (spec §4.G "symmetric").
// calling/called are extracted by the caller from the From/To headers
// and request-URI respectively where SIPToQ931 needs them (SETUP only);
// for responses and BYE, only the message type and cause carry meaning.
func SIPToQ931(ctx Context, msg sip.Message, calling, called string, bearer []byte) (q931.Message, error) {
	if !msg.IsResponse() {
		switch msg.Method {
		case sip.MethodInvite:
			ies := []q931.IE{{Tag: q931.IEBearerCapability, Value: bearer}}
			if calling != "" {
				ies = append(ies, q931.IE{Tag: q931.IECallingPartyNumber, Value: []byte(calling)})
			}
			if called != "" {
				ies = append(ies, q931.IE{Tag: q931.IECalledPartyNumber, Value: []byte(called)})
			}
			return q931.Message{MessageType: q931.MsgSetup, IEs: ies}, nil
		case sip.MethodBye:
			cause := byte(q931.CauseNormalClearing)
			return q931.Message{MessageType: q931.MsgDisconnect, IEs: []q931.IE{causeIE(cause)}}, nil
		default:
			return q931.Message{}, fmt.Errorf("translator: no Q.931 rule for SIP method %s", msg.Method)
		}
	}

	switch msg.StatusCode {
	case 100:
		return q931.Message{MessageType: q931.MsgCallProceeding}, nil
	case 180, 183:
		return q931.Message{MessageType: q931.MsgAlerting}, nil
	case 200:
		return q931.Message{MessageType: q931.MsgConnect}, nil
	default:
		cause, ok := StatusToCause(ctx.Variant, msg.StatusCode)
		if !ok {
			cause = DefaultUnknownOutboundCause
		}
		return q931.Message{MessageType: q931.MsgDisconnect, IEs: []q931.IE{causeIE(cause)}}, nil
	}
}

func causeIE(cause byte) q931.IE {
	return q931.IE{Tag: q931.IECause, Value: []byte{0x80, 0x80 | cause}}
}
