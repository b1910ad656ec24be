// Package q931 implements the ITU-T Q.931 message codec (spec §4.C) and
// the call-control state machine layered on top of it (spec §4.D).
package q931

import "fmt"

// ProtocolDiscriminator identifies Q.931 call control messages on the
// D-channel.
const ProtocolDiscriminator = 0x08

// Message types recognized by this codec (spec §4.C, non-exhaustive list
// the spec requires at minimum).
const (
	MsgSetup           byte = 0x05
	MsgCallProceeding  byte = 0x02
	MsgAlerting        byte = 0x01
	MsgConnect         byte = 0x07
	MsgConnectAck      byte = 0x0F
	MsgDisconnect      byte = 0x45
	MsgRelease         byte = 0x4D
	MsgReleaseComplete byte = 0x5A
	MsgStatus          byte = 0x7D
	MsgStatusEnquiry   byte = 0x75
	MsgProgress        byte = 0x03
)

// IE tags used by the bearer the translator and call-control layers
// read directly; any tag not listed here is still carried, unmodified,
// as an opaque TLV (spec §4.C: "parser MUST tolerate unknown IEs and
// preserve them when proxying").
const (
	IEBearerCapability   = 0x04
	IECause              = 0x08
	IECallingPartyNumber = 0x6C
	IECalledPartyNumber  = 0x70
	IEProgressIndicator  = 0x1E
	IECallState          = 0x14
	IESendingComplete    = 0xA1 // single-octet IE
)

// CallRef is the Q.931 call reference: a length-prefixed value whose
// first octet carries the origination flag in its high bit.
type CallRef struct {
	Flag  bool // set by the side that did NOT originate the call reference
	Value []byte
}

// Equal reports whether two call references name the same call (flag is
// excluded: the same numeric value is used by both sides with opposite
// flag bits).
func (c CallRef) Equal(o CallRef) bool {
	if len(c.Value) != len(o.Value) {
		return false
	}
	for i := range c.Value {
		if c.Value[i] != o.Value[i] {
			return false
		}
	}
	return true
}

// IE is one information element. Single-octet IEs (high bit of Tag set)
// carry no length/value; TLV IEs carry both.
type IE struct {
	Tag    byte
	Single bool
	Value  []byte
}

// Message is a fully decoded Q.931 message. IEs preserve the wire order
// so an unmodified proxy re-encodes byte-identically.
type Message struct {
	ProtocolDiscriminator byte
	CallRef               CallRef
	MessageType            byte
	IEs                    []IE
}

// Find returns the first IE with the given tag, if present.
func (m Message) Find(tag byte) (IE, bool) {
	for _, ie := range m.IEs {
		if ie.Tag == tag {
			return ie, true
		}
	}
	return IE{}, false
}

// CodecError is returned by Decode for malformed messages.
type CodecError struct{ Kind string }

func (e *CodecError) Error() string { return "q931: " + e.Kind }

var (
	ErrTooShort             = &CodecError{Kind: "TooShort"}
	ErrBadProtocolDiscrim   = &CodecError{Kind: "BadProtocolDiscriminator"}
	ErrBadCallRefLen        = &CodecError{Kind: "BadCallRefLength"}
	ErrTruncatedIE          = &CodecError{Kind: "TruncatedIE"}
)

// Decode parses a Q.931 message from its on-wire octet representation.
func Decode(octets []byte) (Message, error) {
	if len(octets) < 3 {
		return Message{}, ErrTooShort
	}

	pd := octets[0]
	if pd != ProtocolDiscriminator {
		return Message{}, ErrBadProtocolDiscrim
	}

	crLen := int(octets[1] & 0x0F)
	pos := 2
	if len(octets) < pos+crLen+1 {
		return Message{}, ErrBadCallRefLen
	}

	var cr CallRef
	if crLen > 0 {
		raw := append([]byte(nil), octets[pos:pos+crLen]...)
		cr.Flag = raw[0]&0x80 != 0
		raw[0] &^= 0x80
		cr.Value = raw
	}
	pos += crLen

	msgType := octets[pos]
	pos++

	var ies []IE
	for pos < len(octets) {
		tag := octets[pos]
		if tag&0x80 != 0 {
			ies = append(ies, IE{Tag: tag, Single: true})
			pos++
			continue
		}
		if pos+1 >= len(octets) {
			return Message{}, ErrTruncatedIE
		}
		length := int(octets[pos+1])
		if pos+2+length > len(octets) {
			return Message{}, ErrTruncatedIE
		}
		value := append([]byte(nil), octets[pos+2:pos+2+length]...)
		ies = append(ies, IE{Tag: tag, Value: value})
		pos += 2 + length
	}

	return Message{
		ProtocolDiscriminator: pd,
		CallRef:               cr,
		MessageType:           msgType,
		IEs:                   ies,
	}, nil
}

// Encode serializes a Message to its on-wire octet representation,
// writing IEs in the order given (spec §4.C: "builder writes IEs in the
// order provided").
func Encode(m Message) ([]byte, error) {
	if len(m.CallRef.Value) > 15 {
		return nil, fmt.Errorf("q931: call reference value too long: %d octets", len(m.CallRef.Value))
	}

	out := []byte{m.ProtocolDiscriminator, byte(len(m.CallRef.Value))}
	if len(m.CallRef.Value) > 0 {
		raw := append([]byte(nil), m.CallRef.Value...)
		if m.CallRef.Flag {
			raw[0] |= 0x80
		}
		out = append(out, raw...)
	}
	out = append(out, m.MessageType)

	for _, ie := range m.IEs {
		if ie.Single {
			out = append(out, ie.Tag|0x80)
			continue
		}
		if len(ie.Value) > 255 {
			return nil, fmt.Errorf("q931: IE 0x%02x value too long: %d octets", ie.Tag, len(ie.Value))
		}
		out = append(out, ie.Tag&0x7F, byte(len(ie.Value)))
		out = append(out, ie.Value...)
	}

	return out, nil
}
