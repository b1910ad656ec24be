package lapd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSender records every frame handed to it and lets tests decode the
// most recent one for assertions.
type fakeSender struct {
	sent []Frame
}

func (s *fakeSender) Send(octets []byte) error {
	f, err := Decode(octets)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSender) last() Frame { return s.sent[len(s.sent)-1] }

func peerFrame(sapi, tei uint8, ctrl Control) Frame {
	return Frame{Address: Address{SAPI: sapi, TEI: tei, CR: false}, Control: ctrl}
}

func TestEstablishmentHappyPath(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(DefaultConfig(), sender, nil)

	e.Start()
	require.Equal(t, StateAwaitingEstab, e.State())
	require.Equal(t, KindU, sender.last().Control.Kind)
	require.Equal(t, USABME, sender.last().Control.U)

	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindU, U: UUA, PF: true}))
	require.Equal(t, StateEstablished, e.State())

	select {
	case ev := <-e.Events():
		require.Equal(t, EventEstablished, ev.Kind)
	default:
		t.Fatal("expected Established event")
	}
}

func TestEstablishmentFailsAfterN200Retries(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(DefaultConfig(), sender, nil)
	e.Start()

	for i := 0; i < e.cfg.N200; i++ {
		e.HandleT200Expiry()
	}

	require.Equal(t, StateDown, e.State())
	ev := drainLast(t, e)
	require.Equal(t, EventError, ev.Kind)
	require.Equal(t, ErrorEstablishmentFailed, ev.Err)
}

func drainLast(t *testing.T, e *Engine) Event {
	t.Helper()
	var last Event
	for {
		select {
		case ev := <-e.Events():
			last = ev
		default:
			return last
		}
	}
}

// TestRetransmissionScenario reproduces spec §8 scenario 3: three
// I-frames sent, peer RR(N(R)=2), then T200 fires three times.
func TestRetransmissionScenario(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(DefaultConfig(), sender, nil)
	e.Start()
	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindU, U: UUA, PF: true}))
	require.Equal(t, StateEstablished, e.State())

	require.NoError(t, e.SendInfo([]byte("a")))
	require.NoError(t, e.SendInfo([]byte("b")))
	require.NoError(t, e.SendInfo([]byte("c")))
	require.Equal(t, uint8(3), e.vs)

	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindS, S: SRR, NR: 2}))
	require.Equal(t, uint8(2), e.va)
	require.Len(t, e.txQueue, 1)
	require.Equal(t, uint8(2), e.txQueue[0].ns)

	e.HandleT200Expiry()
	require.Equal(t, 1, e.retry)
	require.Equal(t, StateEstablished, e.State())
	require.Equal(t, uint8(2), sender.last().Control.NS)

	e.HandleT200Expiry()
	require.Equal(t, 2, e.retry)
	require.Equal(t, StateEstablished, e.State())

	e.HandleT200Expiry()
	require.Equal(t, StateDown, e.State())
	ev := drainLast(t, e)
	require.Equal(t, EventError, ev.Kind)
	require.Equal(t, ErrorLinkLost, ev.Err)
}

func TestRejOnOutOfOrderIFrame(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(DefaultConfig(), sender, nil)
	e.Start()
	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindU, U: UUA, PF: true}))

	// Peer sends N(S)=1 while we expect 0.
	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindI, NS: 1, NR: 0}))
	require.Equal(t, KindS, sender.last().Control.Kind)
	require.Equal(t, SREJ, sender.last().Control.S)
	require.Equal(t, uint8(0), e.vr)
}

func TestSequenceNumberWrap(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(DefaultConfig(), sender, nil)
	e.Start()
	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindU, U: UUA, PF: true}))

	for i := 0; i < 128; i++ {
		require.NoError(t, e.SendInfo([]byte{byte(i)}))
		e.HandleFrame(peerFrame(0, 0, Control{Kind: KindS, S: SRR, NR: mod128(uint8(i) + 1)}))
	}
	require.Equal(t, uint8(0), e.vs)
	require.Equal(t, uint8(0), e.va)
	require.Empty(t, e.txQueue)
}

func TestWindowFull(t *testing.T) {
	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.K = 2
	e := NewEngine(cfg, sender, nil)
	e.Start()
	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindU, U: UUA, PF: true}))

	require.NoError(t, e.SendInfo([]byte("a")))
	require.NoError(t, e.SendInfo([]byte("b")))
	require.ErrorIs(t, e.SendInfo([]byte("c")), ErrWindowFull)
}

func TestPeerBusySuspendsTransmission(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(DefaultConfig(), sender, nil)
	e.Start()
	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindU, U: UUA, PF: true}))

	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindS, S: SRNR, NR: 0}))
	require.ErrorIs(t, e.SendInfo([]byte("x")), ErrPeerBusy)
}

func TestDISCFromPeerReturnsDown(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(DefaultConfig(), sender, nil)
	e.Start()
	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindU, U: UUA, PF: true}))

	e.HandleFrame(peerFrame(0, 0, Control{Kind: KindU, U: UDISC, PF: true}))
	require.Equal(t, StateDown, e.State())
	require.Equal(t, UUA, sender.last().Control.U)
}
