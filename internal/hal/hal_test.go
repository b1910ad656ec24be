package hal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeSpanLoopback(t *testing.T) {
	span := NewFakeSpan("span0")
	span.Loopback = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan []byte, 4)
	go span.Recv(ctx, out)

	require.NoError(t, span.Send([]byte{0x01, 0x02}))

	select {
	case got := <-out:
		require.Equal(t, []byte{0x01, 0x02}, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for looped-back frame")
	}
	require.Len(t, span.Sent, 1)
}

func TestFakeSpanKillDropsTraffic(t *testing.T) {
	span := NewFakeSpan("span0")
	span.Kill()
	require.NoError(t, span.Send([]byte{0xAA}))
	require.Empty(t, span.Sent)
}

func TestFakeSpanInject(t *testing.T) {
	span := NewFakeSpan("span0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan []byte, 4)
	go span.Recv(ctx, out)

	span.Inject([]byte{0x7E})
	select {
	case got := <-out:
		require.Equal(t, []byte{0x7E}, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for injected frame")
	}
}
