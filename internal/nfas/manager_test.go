package nfas

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carrierone/redfire-gateway/internal/lapd"
)

// loopbackSender immediately answers SABME with UA and ignores every
// other frame, simulating a healthy peer; it can be switched off to
// simulate a dead span.
type loopbackSender struct {
	mu    sync.Mutex
	dead  bool
	inbox chan []byte
}

func newLoopback() *loopbackSender { return &loopbackSender{inbox: make(chan []byte, 16)} }

func (s *loopbackSender) Send(octets []byte) error {
	s.mu.Lock()
	dead := s.dead
	s.mu.Unlock()
	if dead {
		return nil
	}
	f, err := lapd.Decode(octets)
	if err != nil {
		return nil
	}
	if f.Control.Kind == lapd.KindU && f.Control.U == lapd.USABME {
		s.inbox <- mustEncodeUA()
	}
	return nil
}

func (s *loopbackSender) killLink() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

func mustEncodeUA() []byte {
	f := lapd.Frame{Control: lapd.Control{Kind: lapd.KindU, U: lapd.UUA, PF: true}}
	octets, _ := lapd.Encode(f)
	return octets
}

func newTestEngine(t *testing.T) (*lapd.Engine, *loopbackSender, chan []byte) {
	t.Helper()
	s := newLoopback()
	e := lapd.NewEngine(lapd.DefaultConfig(), s, nil)
	return e, s, s.inbox
}

func runEngine(ctx context.Context, e *lapd.Engine, frameIn <-chan []byte) {
	e.Run(ctx, frameIn)
}

func TestGroupRejectsEmptySpanList(t *testing.T) {
	_, err := NewGroup(DefaultConfig("g1"), nil, nil)
	require.ErrorIs(t, err, ErrNoSpans)
}

func TestGroupBecomesActiveOnPrimaryEstablish(t *testing.T) {
	primary, _, primaryIn := newTestEngine(t)

	cfg := DefaultConfig("g1")
	cfg.HeartbeatInterval = time.Hour // don't let heartbeats fire during this test

	g, err := NewGroup(cfg, []*lapd.Engine{primary}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runEngine(ctx, primary, primaryIn)
	go g.Run(ctx)

	require.Eventually(t, func() bool {
		return g.State() == StateActive
	}, time.Second, time.Millisecond)
}

func TestSwitchoverOnLinkLoss(t *testing.T) {
	primary, primarySender, primaryIn := newTestEngine(t)
	backup1, _, backup1In := newTestEngine(t)
	backup2, _, backup2In := newTestEngine(t)

	cfg := DefaultConfig("g1")
	cfg.HeartbeatInterval = time.Hour
	cfg.SwitchoverTimeout = 2 * time.Second

	g, err := NewGroup(cfg, []*lapd.Engine{primary, backup1, backup2}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runEngine(ctx, primary, primaryIn)
	go runEngine(ctx, backup1, backup1In)
	go runEngine(ctx, backup2, backup2In)
	go g.Run(ctx)

	require.Eventually(t, func() bool { return g.State() == StateActive }, time.Second, time.Millisecond)
	require.Equal(t, "primary", g.Stats().ActiveSpanLabel)

	// Kill the primary's link and disconnect its engine locally; the
	// resulting Released event on the active span triggers switchover.
	primarySender.killLink()
	primary.Do(func() { primary.Disconnect() })

	require.Eventually(t, func() bool {
		return g.State() == StateActive && g.Stats().ActiveSpanLabel == "span1"
	}, 3*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, g.Stats().Switchovers)
}
