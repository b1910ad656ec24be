package rtppool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsEvenPortAndPairedRTCP(t *testing.T) {
	p, err := New(10000, 10010)
	require.NoError(t, err)

	pair, err := p.Allocate()
	require.NoError(t, err)
	require.Zero(t, pair.RTP%2)
	require.Equal(t, pair.RTP+1, pair.RTCP)
}

func TestPoolOfSizeTwoYieldsOnePairThenExhausted(t *testing.T) {
	p, err := New(20000, 20001)
	require.NoError(t, err)

	_, err = p.Allocate()
	require.NoError(t, err)

	_, err = p.Allocate()
	require.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestReleaseAllowsReuse(t *testing.T) {
	p, err := New(30000, 30002)
	require.NoError(t, err)

	pair, err := p.Allocate()
	require.NoError(t, err)
	p.Release(pair)

	pair2, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, pair, pair2)
}

func TestNewRejectsOddMin(t *testing.T) {
	_, err := New(10001, 10010)
	require.Error(t, err)
}
