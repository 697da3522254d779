package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(d upstreamDialer) *registry {
	return newRegistry(d, registryConfig{SendBuffer: 16})
}

func TestRegistryConcurrentJoinsShareOneSession(t *testing.T) {
	d := newFakeDialer()
	d.connectDelay = 20 * time.Millisecond
	reg := newTestRegistry(d)

	const viewers = 20
	var wg sync.WaitGroup
	errs := make(chan error, viewers)
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.join(context.Background(), "bob", fmt.Sprint("acct-", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, d.connects("bob"))
	require.Equal(t, 1, reg.roomCount())
	require.Equal(t, viewers, reg.room("bob").memberCount())
}

func TestRegistryRoomPerStream(t *testing.T) {
	d := newFakeDialer()
	reg := newTestRegistry(d)

	_, err := reg.join(context.Background(), "bob", "acct")
	require.NoError(t, err)
	_, err = reg.join(context.Background(), "alice", "acct")
	require.NoError(t, err)

	require.Equal(t, 2, reg.roomCount())
	require.Equal(t, 1, d.connects("bob"))
	require.Equal(t, 1, d.connects("alice"))
}

func TestRegistryFailedJoinLeavesNoRoom(t *testing.T) {
	d := newFakeDialer()
	d.setOffline("alice")
	reg := newTestRegistry(d)

	s, err := reg.join(context.Background(), "alice", "acct")
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrStreamOffline)
	require.Equal(t, 0, reg.roomCount())
	require.Nil(t, reg.room("alice"))
}

func TestRegistryJoinSurvivesCanceledCaller(t *testing.T) {
	d := newFakeDialer()
	d.connectDelay = 20 * time.Millisecond
	reg := newTestRegistry(d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.join(ctx, "bob", "acct")
	require.NoError(t, err)
	require.Equal(t, 1, d.connects("bob"))
}

func TestRegistryLeaveUnknownIsNoop(t *testing.T) {
	reg := newTestRegistry(newFakeDialer())
	reg.leave(newSubscriber("ghost", "acct", 1))
	require.Equal(t, 0, reg.roomCount())

	s, err := reg.join(context.Background(), "bob", "acct")
	require.NoError(t, err)
	reg.leave(newSubscriber("bob", "acct", 1))
	require.Equal(t, 1, reg.room("bob").memberCount())
	require.False(t, s.isClosed())
}

func TestRegistryLastLeaveTearsDown(t *testing.T) {
	d := newFakeDialer()
	reg := newTestRegistry(d)

	x, err := reg.join(context.Background(), "bob", "x")
	require.NoError(t, err)
	y, err := reg.join(context.Background(), "bob", "y")
	require.NoError(t, err)

	reg.leave(x)
	require.Equal(t, 1, reg.roomCount())
	require.Equal(t, 1, reg.room("bob").memberCount())
	require.Equal(t, 0, d.client("bob").disconnectCalls())

	reg.leave(y)
	require.Equal(t, 0, reg.roomCount())
	require.Equal(t, 1, d.client("bob").disconnectCalls())
}

func TestRegistryTeardownErrorStillFreesSlot(t *testing.T) {
	d := newFakeDialer()
	d.disconnectErr = errBoom
	reg := newTestRegistry(d)
	before := counter("teardown.errors")

	s, err := reg.join(context.Background(), "bob", "acct")
	require.NoError(t, err)
	reg.leave(s)

	require.Equal(t, 0, reg.roomCount())
	require.Equal(t, before+1, counter("teardown.errors"))
}

func TestRegistryJoinAfterUpstreamEnd(t *testing.T) {
	d := newFakeDialer()
	reg := newTestRegistry(d)

	x, err := reg.join(context.Background(), "bob", "x")
	require.NoError(t, err)
	d.client("bob").emit(kindLiveEnd, `{}`)
	require.Equal(t, controlJoin, nextEnvelope(t, x).Name)
	require.Equal(t, controlEnd, nextEnvelope(t, x).Name)
	requireDrained(t, x)

	y, err := reg.join(context.Background(), "bob", "y")
	require.NoError(t, err)
	require.Equal(t, controlJoin, nextEnvelope(t, y).Name)
	require.Equal(t, 2, d.connects("bob"))
	require.Equal(t, 1, reg.roomCount())
	require.True(t, reg.room("bob").alive())
}

func TestRegistrySweep(t *testing.T) {
	d := newFakeDialer()
	reg := newTestRegistry(d)

	_, err := reg.join(context.Background(), "bob", "acct")
	require.NoError(t, err)
	_, err = reg.join(context.Background(), "alice", "acct")
	require.NoError(t, err)

	d.client("bob").emit(kindLiveEnd, `{}`)
	require.Eventually(t, func() bool { return reg.room("bob").memberCount() == 0 }, waitFor, pollEvery)

	require.Equal(t, 1, reg.sweep())
	require.Equal(t, 1, reg.roomCount())
	require.NotNil(t, reg.room("alice"))
	require.Equal(t, 0, reg.sweep())
}

func TestRegistrySweepContinuesPastFailures(t *testing.T) {
	d := newFakeDialer()
	d.disconnectErr = errBoom
	reg := newTestRegistry(d)

	for _, id := range []string{"a", "b", "c"} {
		r, err := createRoom(context.Background(), d, id, roomConfig{})
		require.NoError(t, err)
		s := newSubscriber(id, "acct", 8)
		require.NoError(t, r.join(s))
		r.leave(s, false)
		reg.rooms[id] = r
	}
	d.client("b").setPanics()

	require.Equal(t, 3, reg.sweep())
	require.Equal(t, 0, reg.roomCount())
}

func TestRegistryPeriodicSweep(t *testing.T) {
	d := newFakeDialer()
	reg := newRegistry(d, registryConfig{CleanupInterval: 10 * time.Millisecond})
	reg.start()
	defer reg.close(context.Background())

	_, err := reg.join(context.Background(), "bob", "acct")
	require.NoError(t, err)
	d.client("bob").emit(kindDisconnect, `{}`)

	require.Eventually(t, func() bool { return reg.roomCount() == 0 }, waitFor, pollEvery)
}

func TestRegistryClose(t *testing.T) {
	d := newFakeDialer()
	reg := newTestRegistry(d)
	reg.start()

	x, err := reg.join(context.Background(), "bob", "x")
	require.NoError(t, err)
	y, err := reg.join(context.Background(), "alice", "y")
	require.NoError(t, err)

	reg.close(context.Background())

	for _, s := range []*subscriber{x, y} {
		require.Equal(t, controlJoin, nextEnvelope(t, s).Name)
		require.Equal(t, controlEnd, nextEnvelope(t, s).Name)
		requireDrained(t, s)
	}
	require.Equal(t, 0, reg.roomCount())
	require.Equal(t, 1, d.client("bob").disconnectCalls())
	require.Equal(t, 1, d.client("alice").disconnectCalls())
}

func TestRegistrySnapshot(t *testing.T) {
	reg := newTestRegistry(newFakeDialer())
	s, err := reg.join(context.Background(), "bob", "acct")
	require.NoError(t, err)

	snap := reg.snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 1, snap["bob"].ClientNum)
	require.Equal(t, s.ID, snap["bob"].Clients[0].ID)
}

func TestRegistrySweepDuringFirstJoins(t *testing.T) {
	d := newFakeDialer()
	reg := newTestRegistry(d)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					reg.sweep()
				}
			}
		}()
	}

	const streams = 1000
	for i := 0; i < streams; i++ {
		_, err := reg.join(context.Background(), fmt.Sprint("stream-", i), "acct")
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	sessions := d.sessions()
	require.Len(t, sessions, streams)
	for id, n := range sessions {
		require.Equal(t, 1, n, id)
	}
	require.Equal(t, streams, reg.roomCount())
}

func TestRegistryKeepsRoomUntilFirstJoin(t *testing.T) {
	d := newFakeDialer()
	reg := newTestRegistry(d)

	r, err := createRoom(context.Background(), d, "bob", roomConfig{})
	require.NoError(t, err)
	reg.rooms["bob"] = r

	// Neither the sweep nor a leave from a viewer of an earlier session
	// may retire a room nobody has joined yet.
	require.Equal(t, 0, reg.sweep())
	reg.leave(newSubscriber("bob", "acct", 1))
	require.True(t, r.alive())
	require.Same(t, r, reg.room("bob"))

	s, err := reg.join(context.Background(), "bob", "acct")
	require.NoError(t, err)
	require.Equal(t, 1, d.connects("bob"))

	reg.leave(s)
	require.Equal(t, 0, reg.roomCount())
}

func TestRegistryReservationBlocksCleanup(t *testing.T) {
	d := newFakeDialer()
	reg := newTestRegistry(d)

	s, err := reg.join(context.Background(), "bob", "acct")
	require.NoError(t, err)
	r := reg.reserve("bob")
	require.NotNil(t, r)

	reg.leave(s)
	require.Same(t, r, reg.room("bob"))
	require.True(t, r.alive())

	r.unreserve()
	require.True(t, reg.cleanup(r))
	require.Equal(t, 0, reg.roomCount())
	require.Nil(t, reg.reserve("bob"))
}

func TestRegistryCloseReleasesSweepListener(t *testing.T) {
	reg := newTestRegistry(newFakeDialer())
	reg.start()
	ticker := reg.ticker
	require.Equal(t, 1, listenerCount(ticker))

	reg.close(context.Background())
	require.Equal(t, 0, listenerCount(ticker))
	require.Nil(t, reg.ticker)
}
