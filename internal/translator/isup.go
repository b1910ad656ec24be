package translator

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"

	"github.com/carrierone/redfire-gateway/internal/isup"
	"github.com/carrierone/redfire-gateway/internal/q931"
	"github.com/carrierone/redfire-gateway/internal/sip"
)

// isupContentType is the Content-Type of the multipart body part that
// tunnels the raw IAM parameters.
const isupContentType = "application/ISUP"

// ISUPToSIP translates an ISUP message into its SIP-T shape (spec §4.G):
// IAM becomes an INVITE with a multipart/mixed body (SDP + the raw IAM
// octets); ACM -> 183; ANM -> 200 OK; REL -> BYE with a Reason header.
func ISUPToSIP(ctx Context, m isup.Message, sdp *sip.SDP) (sip.Message, error) {
	switch m.Type {
	case isup.MsgIAM:
		return iamToInvite(ctx, m, sdp)
	case isup.MsgACM:
		return sip.NewResponse(183, "Session Progress"), nil
	case isup.MsgANM:
		resp := sip.NewResponse(200, "OK")
		if sdp != nil {
			resp.ContentType = "application/sdp"
			resp.Body = sdp.Encode()
		}
		return resp, nil
	case isup.MsgREL:
		cause, _ := m.Cause()
		req := sip.NewRequest(sip.MethodBye, "")
		req = req.WithHeader("Reason", reasonHeader(cause))
		return req, nil
	default:
		return sip.Message{}, fmt.Errorf("translator: no SIP-T rule for ISUP message type 0x%02x", m.Type)
	}
}

func iamToInvite(ctx Context, m isup.Message, sdp *sip.SDP) (sip.Message, error) {
	raw, err := isup.Encode(m)
	if err != nil {
		return sip.Message{}, fmt.Errorf("translator: failed to re-encode IAM for SIP-T body: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if sdp != nil {
		part, err := mw.CreatePart(map[string][]string{"Content-Type": {"application/sdp"}})
		if err != nil {
			return sip.Message{}, fmt.Errorf("translator: failed to create SDP MIME part: %w", err)
		}
		if _, err := part.Write(sdp.Encode()); err != nil {
			return sip.Message{}, fmt.Errorf("translator: failed to write SDP MIME part: %w", err)
		}
	}
	isupPart, err := mw.CreatePart(map[string][]string{
		"Content-Type":        {isupContentType},
		"Content-Disposition": {"signal;handling=required"},
	})
	if err != nil {
		return sip.Message{}, fmt.Errorf("translator: failed to create ISUP MIME part: %w", err)
	}
	if _, err := isupPart.Write(raw); err != nil {
		return sip.Message{}, fmt.Errorf("translator: failed to write ISUP MIME part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return sip.Message{}, fmt.Errorf("translator: failed to close SIP-T body: %w", err)
	}

	req := sip.NewRequest(sip.MethodInvite, "")
	req.ContentType = mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()})
	req.Body = buf.Bytes()
	req = req.WithHeader("Call-ID", ctx.SIPCallID)
	return req, nil
}

// SIPToISUP translates an inbound SIP message into the ISUP message the
// core's ISUP Handler should act on (spec §4.G "symmetric").
func SIPToISUP(ctx Context, msg sip.Message, cic uint16) (isup.Message, error) {
	if !msg.IsResponse() {
		switch msg.Method {
		case sip.MethodInvite:
			return isup.Message{Type: isup.MsgIAM, CIC: cic}, nil
		case sip.MethodBye:
			return isup.Message{Type: isup.MsgREL, CIC: cic, Params: []isup.Param{isup.NewCauseParam(q931.CauseNormalClearing)}}, nil
		default:
			return isup.Message{}, fmt.Errorf("translator: no ISUP rule for SIP method %s", msg.Method)
		}
	}

	switch msg.StatusCode {
	case 180, 183:
		return isup.Message{Type: isup.MsgACM, CIC: cic}, nil
	case 200:
		return isup.Message{Type: isup.MsgANM, CIC: cic}, nil
	default:
		cause, ok := StatusToCause(ctx.Variant, msg.StatusCode)
		if !ok {
			cause = DefaultUnknownOutboundCause
		}
		return isup.Message{Type: isup.MsgREL, CIC: cic, Params: []isup.Param{isup.NewCauseParam(cause)}}, nil
	}
}
