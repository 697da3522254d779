package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscriberDeliver(t *testing.T) {
	s := newSubscriber("bob", "acct", 2)
	require.NotEmpty(t, s.ID)
	require.Equal(t, "bob", s.StreamID)
	require.Equal(t, "acct", s.AccountID)

	require.NoError(t, s.deliver(controlEnvelope("bob", controlJoin)))
	require.NoError(t, s.deliver(controlEnvelope("bob", controlLeave)))
	require.ErrorIs(t, s.deliver(controlEnvelope("bob", controlEnd)), ErrChannelFull)

	require.Equal(t, controlJoin, nextEnvelope(t, s).Name)
	require.Equal(t, controlLeave, nextEnvelope(t, s).Name)
	requireNoFrame(t, s)
}

func TestSubscriberClose(t *testing.T) {
	s := newSubscriber("bob", "acct", 0)
	require.Equal(t, defaultSendBuffer, cap(s.send))

	s.close()
	s.close()
	require.True(t, s.isClosed())
	require.ErrorIs(t, s.deliver(controlEnvelope("bob", controlJoin)), ErrChannelClosed)
	requireDrained(t, s)
}

func TestSubscriberIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := newSubscriber("bob", "acct", 1)
		require.False(t, seen[s.ID])
		seen[s.ID] = true
	}
}
