package sip

import "fmt"

// PayloadType is one rtpmap entry in an SDP media description (spec §6
// "media collaborator"): PCMU=0, PCMA=8, telephone-event=101, and the
// optional clearmode=97 for clear-channel (ISDN data) bearer capability.
type PayloadType struct {
	Number int
	Name   string
	Rate   int
}

var (
	PayloadPCMU           = PayloadType{0, "PCMU", 8000}
	PayloadPCMA           = PayloadType{8, "PCMA", 8000}
	PayloadTelephoneEvent = PayloadType{101, "telephone-event", 8000}
	PayloadClearmode      = PayloadType{97, "CLEARMODE", 8000}
)

// Direction is the SDP media direction attribute.
type Direction int

const (
	DirSendRecv Direction = iota
	DirSendOnly
	DirRecvOnly
	DirInactive
)

func (d Direction) attr() string {
	switch d {
	case DirSendOnly:
		return "sendonly"
	case DirRecvOnly:
		return "recvonly"
	case DirInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// SDP is the minimal session description the translator exchanges with
// the media collaborator: a connection address, one audio media line,
// and its payload types.
type SDP struct {
	ConnectionIP string
	AudioPort    uint16
	Payloads     []PayloadType
	Direction    Direction
}

// DefaultPayloads is the baseline set the spec requires at minimum.
func DefaultPayloads() []PayloadType {
	return []PayloadType{PayloadPCMA, PayloadPCMU, PayloadTelephoneEvent}
}

// Encode renders the SDP body the core hands to the SIP collaborator.
// Session-level lines are fixed (v=0, a dummy o= origin, s=-); only the
// fields the spec requires vary per call.
func (s SDP) Encode() []byte {
	fmts := ""
	rtpmaps := ""
	for _, pt := range s.Payloads {
		fmts += fmt.Sprintf(" %d", pt.Number)
		rtpmaps += fmt.Sprintf("a=rtpmap:%d %s/%d\r\n", pt.Number, pt.Name, pt.Rate)
	}
	return []byte(fmt.Sprintf(
		"v=0\r\n"+
			"o=- 0 0 IN IP4 %s\r\n"+
			"s=-\r\n"+
			"c=IN IP4 %s\r\n"+
			"t=0 0\r\n"+
			"m=audio %d RTP/AVP%s\r\n"+
			"%s"+
			"a=%s\r\n",
		s.ConnectionIP, s.ConnectionIP, s.AudioPort, fmts, rtpmaps, s.Direction.attr()))
}

// ParseSDP extracts what the translator needs from an inbound SDP body:
// the connection address and the audio media port. A body that isn't
// parseable returns ok=false; per spec §4.G the caller still lets the
// call proceed and defers media negotiation.
func ParseSDP(body []byte) (sdp SDP, ok bool) {
	lines := splitLines(body)
	for _, line := range lines {
		switch {
		case len(line) > 2 && line[:2] == "c=":
			var net, typ, ip string
			if _, err := fmt.Sscanf(line, "c=%s %s %s", &net, &typ, &ip); err == nil {
				sdp.ConnectionIP = ip
				ok = true
			}
		case len(line) > 2 && line[:2] == "m=":
			var kind, proto string
			var port int
			if _, err := fmt.Sscanf(line, "m=%s %d %s", &kind, &port, &proto); err == nil {
				sdp.AudioPort = uint16(port)
				ok = true
			}
		}
	}
	return sdp, ok
}

func splitLines(body []byte) []string {
	var lines []string
	start := 0
	for i, b := range body {
		if b == '\n' {
			line := string(body[start:i])
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(body) {
		lines = append(lines, string(body[start:]))
	}
	return lines
}
