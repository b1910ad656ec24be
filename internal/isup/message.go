package isup

import "fmt"

// MessageType is the ISUP message type octet (Q.767 / ANSI T1.113
// subset the spec requires, plus whatever arrives unrecognized).
type MessageType byte

const (
	MsgIAM MessageType = 0x01 // Initial Address Message
	MsgACM MessageType = 0x06 // Address Complete Message
	MsgANM MessageType = 0x09 // Answer Message
	MsgREL MessageType = 0x0C // Release
	MsgRLC MessageType = 0x10 // Release Complete
)

// Param is one optional ISUP parameter (spec §6: "Preserve optional
// parameters unchanged across translation when echoing to a peer").
type Param struct {
	Tag   byte
	Value []byte
}

const ParamCause = 0x12 // Q.850 cause indicators parameter

// Message is a decoded ISUP message. Mandatory fixed/variable parameters
// beyond the CIC are out of this gateway's scope (delegated to the
// SIGTRAN collaborator that frames them); this codec focuses on the
// fields the call-control and translation layers consume: type, CIC, and
// optional parameters.
type Message struct {
	Type   MessageType
	CIC    uint16 // 14 bits
	Params []Param
}

// Find returns the first optional parameter with the given tag.
func (m Message) Find(tag byte) (Param, bool) {
	for _, p := range m.Params {
		if p.Tag == tag {
			return p, true
		}
	}
	return Param{}, false
}

// Cause extracts the Q.850 cause value from a REL's cause parameter, or
// returns ok=false if absent.
func (m Message) Cause() (byte, bool) {
	p, ok := m.Find(ParamCause)
	if !ok || len(p.Value) < 2 {
		return 0, false
	}
	return p.Value[1] &^ 0x80, true
}

// Decode parses an ISUP message: [type(1)][CIC low8][CIC high6|spare2]
// [optional TLV params...].
func Decode(octets []byte) (Message, error) {
	if len(octets) < 3 {
		return Message{}, fmt.Errorf("isup: message too short")
	}
	typ := MessageType(octets[0])
	cic := uint16(octets[1]) | (uint16(octets[2]&0x3F) << 8)

	var params []Param
	pos := 3
	for pos < len(octets) {
		if pos+1 >= len(octets) {
			return Message{}, fmt.Errorf("isup: truncated parameter")
		}
		tag := octets[pos]
		length := int(octets[pos+1])
		if pos+2+length > len(octets) {
			return Message{}, fmt.Errorf("isup: truncated parameter value")
		}
		value := append([]byte(nil), octets[pos+2:pos+2+length]...)
		params = append(params, Param{Tag: tag, Value: value})
		pos += 2 + length
	}

	return Message{Type: typ, CIC: cic, Params: params}, nil
}

// Encode serializes a Message, preserving parameter order.
func Encode(m Message) ([]byte, error) {
	if m.CIC > 0x3FFF {
		return nil, fmt.Errorf("isup: CIC %d exceeds 14 bits", m.CIC)
	}
	out := []byte{byte(m.Type), byte(m.CIC & 0xFF), byte((m.CIC >> 8) & 0x3F)}
	for _, p := range m.Params {
		if len(p.Value) > 255 {
			return nil, fmt.Errorf("isup: parameter 0x%02x too long", p.Tag)
		}
		out = append(out, p.Tag, byte(len(p.Value)))
		out = append(out, p.Value...)
	}
	return out, nil
}

// NewCauseParam builds a Q.850 cause optional parameter.
func NewCauseParam(cause byte) Param {
	return Param{Tag: ParamCause, Value: []byte{0x80, 0x80 | cause}}
}
