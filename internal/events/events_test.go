package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelSinkDropsOldestOnOverflow(t *testing.T) {
	sink := NewChannelSink(2)
	sink.Notify(Notification{Source: SourceLAPD, Message: "1"})
	sink.Notify(Notification{Source: SourceLAPD, Message: "2"})
	sink.Notify(Notification{Source: SourceLAPD, Message: "3"})

	first := <-sink.C()
	require.Equal(t, "2", first.Message)
	second := <-sink.C()
	require.Equal(t, "3", second.Message)
}

func TestSeverityString(t *testing.T) {
	require.Equal(t, "alarm", SeverityAlarm.String())
	require.Equal(t, "info", SeverityInfo.String())
}
