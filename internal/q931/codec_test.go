package q931

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		ProtocolDiscriminator: ProtocolDiscriminator,
		CallRef:               CallRef{Flag: false, Value: []byte{0x12, 0x34}},
		MessageType:           MsgSetup,
		IEs: []IE{
			{Tag: IEBearerCapability, Value: []byte{0x80, 0x90, 0xA3}},
			{Tag: IECallingPartyNumber, Value: []byte("5551001")},
			{Tag: IECalledPartyNumber, Value: []byte("5551002")},
			{Tag: 0x7A, Value: []byte{0xDE, 0xAD}}, // unknown IE, must survive
			{Tag: IESendingComplete, Single: true},
		},
	}

	wire, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, m, got)

	wire2, err := Encode(got)
	require.NoError(t, err)
	require.Equal(t, wire, wire2)
}

func TestDecodeBadProtocolDiscriminator(t *testing.T) {
	_, err := Decode([]byte{0x09, 0x00, MsgSetup})
	require.ErrorIs(t, err, ErrBadProtocolDiscrim)
}

func TestDecodeTruncatedIE(t *testing.T) {
	_, err := Decode([]byte{ProtocolDiscriminator, 0x00, MsgSetup, IEBearerCapability, 0x05, 0x01})
	require.ErrorIs(t, err, ErrTruncatedIE)
}

func TestCallRefFlagExcludedFromEqual(t *testing.T) {
	a := CallRef{Flag: false, Value: []byte{0x12, 0x34}}
	b := CallRef{Flag: true, Value: []byte{0x12, 0x34}}
	require.True(t, a.Equal(b))
}

func TestFind(t *testing.T) {
	m := Message{IEs: []IE{{Tag: IECause, Value: []byte{0x80, 0x90}}}}
	ie, ok := m.Find(IECause)
	require.True(t, ok)
	require.Equal(t, []byte{0x80, 0x90}, ie.Value)

	_, ok = m.Find(IEProgressIndicator)
	require.False(t, ok)
}
