package isup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCicPoolAllocateReleaseFirstFit(t *testing.T) {
	p, err := NewCicPool(1, 4)
	require.NoError(t, err)

	c1, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint16(1), c1)

	c2, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint16(2), c2)

	require.NoError(t, p.Release(c1))

	c3, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint16(1), c3) // lowest free CIC reused
}

func TestCicPoolExhaustion(t *testing.T) {
	p, err := NewCicPool(1, 2)
	require.NoError(t, err)

	_, err = p.Allocate()
	require.NoError(t, err)
	_, err = p.Allocate()
	require.NoError(t, err)

	_, err = p.Allocate()
	require.ErrorIs(t, err, ErrCicExhausted)
}

func TestCicRangeEdgesAllocatable(t *testing.T) {
	p, err := NewCicPool(1, 1000)
	require.NoError(t, err)
	require.NoError(t, p.AllocateSpecific(1))
	require.NoError(t, p.AllocateSpecific(1000))
	require.True(t, p.IsAllocated(1))
	require.True(t, p.IsAllocated(1000))
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		Type: MsgREL,
		CIC:  7,
		Params: []Param{
			NewCauseParam(17),
			{Tag: 0xC1, Value: []byte{0xAA, 0xBB}}, // unknown, must survive
		},
	}
	wire, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(wire)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

type fakeSender struct {
	sent []Message
}

func (s *fakeSender) SendMessage(m Message) error {
	s.sent = append(s.sent, m)
	return nil
}
func (s *fakeSender) last() Message { return s.sent[len(s.sent)-1] }

func TestOutgoingCallLifecycle(t *testing.T) {
	sender := &fakeSender{}
	h, err := NewHandler(1, 1000, sender, nil)
	require.NoError(t, err)

	c, err := h.OriginateCall("5551001", "5551002")
	require.NoError(t, err)
	require.Equal(t, CicOutgoingSetup, c.State)
	require.Equal(t, MsgIAM, sender.last().Type)

	require.NoError(t, h.ReceiveACM(Message{Type: MsgACM, CIC: c.CIC}))
	require.Equal(t, CicCallProgress, c.State)

	require.NoError(t, h.ReceiveANM(Message{Type: MsgANM, CIC: c.CIC}))
	require.Equal(t, CicAnswered, c.State)
}

// TestCauseTranslationScenario reproduces spec §8 scenario 4: REL with
// cause 17 on CIC 7 returns the CIC to the pool after RLC.
func TestCauseTranslationScenario(t *testing.T) {
	sender := &fakeSender{}
	h, err := NewHandler(1, 10, sender, nil)
	require.NoError(t, err)

	require.NoError(t, h.Pool().AllocateSpecific(7))
	h.calls[7] = &Call{CIC: 7, State: CicAnswered}

	cause, err := h.ReceiveREL(Message{Type: MsgREL, CIC: 7, Params: []Param{NewCauseParam(17)}})
	require.NoError(t, err)
	require.Equal(t, byte(17), cause)
	require.Equal(t, MsgRLC, sender.last().Type)
	require.False(t, h.Pool().IsAllocated(7))
}

func TestGlareOnCic(t *testing.T) {
	sender := &fakeSender{}
	h, err := NewHandler(1, 100, sender, nil)
	require.NoError(t, err)

	// We allocate CIC 42 and send IAM.
	require.NoError(t, h.Pool().AllocateSpecific(42))
	h.calls[42] = &Call{CIC: 42, Direction: DirOutgoing, State: CicOutgoingSetup}

	// Inbound IAM arrives on the same CIC before any response.
	_, err = h.ReceiveIAM(Message{Type: MsgIAM, CIC: 42})
	require.ErrorIs(t, err, ErrCicInUse)

	// Higher point code wins; assume we lost, so we REL cause 44 and
	// reallocate for retry.
	require.NoError(t, h.SendREL(42, 44))
	require.Equal(t, MsgREL, sender.last().Type)

	require.NoError(t, h.ReceiveRLC(Message{Type: MsgRLC, CIC: 42}))
	require.False(t, h.Pool().IsAllocated(42))

	retry, err := h.OriginateCall("a", "b")
	require.NoError(t, err)
	require.NotEqual(t, uint16(42), retry.CIC)
}

func TestUnknownMessageDoesNotAffectCicState(t *testing.T) {
	sender := &fakeSender{}
	h, err := NewHandler(1, 10, sender, nil)
	require.NoError(t, err)
	require.NoError(t, h.Pool().AllocateSpecific(3))
	h.calls[3] = &Call{CIC: 3, State: CicAnswered}

	h.HandleUnknown(MessageType(0x99), 3)

	ev := <-h.Events()
	require.Equal(t, EventUnknownMessage, ev.Kind)
	require.Equal(t, CicAnswered, h.calls[3].State)
}
