package lapd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripIFrame(t *testing.T) {
	f := Frame{
		Address:     Address{SAPI: SAPICallControl, CR: true, TEI: 42},
		Control:     Control{Kind: KindI, NS: 5, NR: 3, PF: false},
		Information: []byte{0x08, 0x02, 0x00, 0x12, 0x05},
	}

	wire, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, f.Address, got.Address)
	require.Equal(t, f.Control, got.Control)
	require.Equal(t, f.Information, got.Information)

	wire2, err := Encode(got)
	require.NoError(t, err)
	require.Equal(t, wire, wire2)
}

func TestEncodeDecodeRoundTripUFrame(t *testing.T) {
	f := Frame{
		Address: Address{SAPI: SAPICallControl, CR: false, TEI: 0},
		Control: Control{Kind: KindU, U: USABME, PF: true},
	}

	wire, err := Encode(f)
	require.NoError(t, err)
	require.Len(t, wire, 5) // 2 address + 1 control + 0 info + 2 FCS

	got, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestEncodeDecodeRoundTripSFrame(t *testing.T) {
	for _, st := range []SType{SRR, SREJ, SRNR} {
		f := Frame{
			Address: Address{SAPI: SAPICallControl, CR: true, TEI: 1},
			Control: Control{Kind: KindS, S: st, NR: 100, PF: true},
		}
		wire, err := Encode(f)
		require.NoError(t, err)
		got, err := Decode(wire)
		require.NoError(t, err)
		require.Equal(t, f, got)
	}
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x01})
	require.ErrorIs(t, err, ErrTooShort)
}

func TestDecodeBadAddress(t *testing.T) {
	// EA0 bit set (should be 0).
	f := Frame{
		Address: Address{SAPI: SAPICallControl, TEI: 0},
		Control: Control{Kind: KindU, U: UUI},
	}
	wire, err := Encode(f)
	require.NoError(t, err)
	wire[0] |= 0x01
	// The FCS now mismatches too, and the address check runs after FCS
	// validation, so recompute the FCS over the corrupted body.
	body := wire[:len(wire)-2]
	fcs := ComputeFCS(body)
	wire[len(wire)-2] = byte(fcs & 0xFF)
	wire[len(wire)-1] = byte(fcs >> 8)

	_, err = Decode(wire)
	require.ErrorIs(t, err, ErrBadAddress)
}

func TestDecodeBadFCS(t *testing.T) {
	f := Frame{
		Address: Address{SAPI: SAPICallControl, TEI: 0},
		Control: Control{Kind: KindU, U: UUI},
	}
	wire, err := Encode(f)
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0xFF

	_, err = Decode(wire)
	require.ErrorIs(t, err, ErrBadFCS)
}

func TestFCSKnownVector(t *testing.T) {
	// CRC-16/X-25 check value for the ASCII string "123456789" is 0x906E.
	got := ComputeFCS([]byte("123456789"))
	require.Equal(t, uint16(0x906E), got)
}
