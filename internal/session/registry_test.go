package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndLookupAllFourKeys(t *testing.T) {
	reg := NewRegistry()
	rec := NewRecord()
	rec.CallRef = "cr-1"
	rec.CIC, rec.HasCIC = 7, true
	rec.SIPCallID = "abc123@host"
	rec.RTPPort, rec.HasRTPPort = 20000, true

	require.NoError(t, reg.Insert(rec))
	require.Equal(t, 1, reg.Count())

	for _, tc := range []struct {
		kind  KeyKind
		value string
	}{
		{KeyCallRef, "cr-1"},
		{KeyCIC, "7"},
		{KeySIPCallID, "abc123@host"},
		{KeyRTPPort, "20000"},
	} {
		got, ok := reg.Lookup(tc.kind, tc.value)
		require.True(t, ok)
		require.Equal(t, rec.ID, got.ID)
	}
}

// TestKeyCollisionLeavesNoPartialState reproduces spec §8 scenario 6:
// a colliding insert must not mutate the registry at all.
func TestKeyCollisionLeavesNoPartialState(t *testing.T) {
	reg := NewRegistry()

	first := NewRecord()
	first.CallRef = "cr-1"
	first.CIC, first.HasCIC = 7, true
	require.NoError(t, reg.Insert(first))

	second := NewRecord()
	second.CallRef = "cr-2"     // unique
	second.CIC, second.HasCIC = 7, true // collides
	err := reg.Insert(second)
	require.ErrorIs(t, err, ErrKeyCollision)

	// The colliding record must not have claimed cr-2 either.
	_, ok := reg.Lookup(KeyCallRef, "cr-2")
	require.False(t, ok)
	require.Equal(t, 1, reg.Count())
}

func TestReleaseIsReferenceCountedAcrossSlots(t *testing.T) {
	reg := NewRegistry()
	rec := NewRecord()
	rec.CallRef = "cr-1"
	rec.CIC, rec.HasCIC = 9, true
	require.NoError(t, reg.Insert(rec))

	require.NoError(t, reg.Release(KeyCallRef, "cr-1"))
	require.Equal(t, 1, reg.Count()) // CIC key still held

	require.NoError(t, reg.Release(KeyCIC, "9"))
	require.Equal(t, 0, reg.Count())
}

func TestReleaseUnknownKeyErrors(t *testing.T) {
	reg := NewRegistry()
	err := reg.Release(KeyCallRef, "nope")
	require.Error(t, err)
}

func TestReleaseRecordReleasesEveryKey(t *testing.T) {
	reg := NewRegistry()
	rec := NewRecord()
	rec.CallRef = "cr-1"
	rec.CIC, rec.HasCIC = 9, true
	rec.SIPCallID = "abc@host"
	require.NoError(t, reg.Insert(rec))

	require.NoError(t, reg.ReleaseRecord(rec))
	require.Equal(t, 0, reg.Count())
	_, ok := reg.Lookup(KeyCallRef, "cr-1")
	require.False(t, ok)
}

// TestReleaseRecordAggregatesPartialFailures covers the case where one
// key was already released individually before ReleaseRecord is called
// to clean up the rest: the already-gone key's error is aggregated, not
// fatal to releasing what remains.
func TestReleaseRecordAggregatesPartialFailures(t *testing.T) {
	reg := NewRegistry()
	rec := NewRecord()
	rec.CallRef = "cr-1"
	rec.CIC, rec.HasCIC = 9, true
	require.NoError(t, reg.Insert(rec))

	require.NoError(t, reg.Release(KeyCallRef, "cr-1"))

	err := reg.ReleaseRecord(rec)
	require.Error(t, err)
	require.Equal(t, 0, reg.Count())
}
