package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisDialer(t *testing.T) (*redisDialer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	d, err := newRedisDialer(redisConfig{Address: mr.Addr(), Prefix: "feed"})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, mr
}

func TestRedisDialerUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := newRedisDialer(redisConfig{Address: addr})
	require.Error(t, err)
}

func TestRedisClientIsLive(t *testing.T) {
	d, mr := newTestRedisDialer(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("feed:bob:live", "1"))

	live, err := d.Dial("bob", "").IsLive(ctx)
	require.NoError(t, err)
	require.True(t, live)

	live, err = d.Dial("alice", "").IsLive(ctx)
	require.NoError(t, err)
	require.False(t, live)
}

func TestRedisClientSession(t *testing.T) {
	d, mr := newTestRedisDialer(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("feed:bob:room_info", `{"title":"bob"}`))
	require.NoError(t, mr.Set("feed:bob:sub_info", `{"tier":2}`))

	c := d.Dial("bob", "tok")
	info, err := c.Connect(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"bob"}`, string(info))
	require.True(t, c.Connected())

	mr.Publish("feed:bob:events", `{"type":"gift","data":{"id":7}}`)
	mr.Publish("feed:bob:events", `{"type":"mystery"}`)
	mr.Publish("feed:bob:events", `{"type":"live_end"}`)

	gift := nextEvent(t, c.Events())
	require.Equal(t, kindGift, gift.Kind)
	require.JSONEq(t, `{"id":7}`, string(gift.Data))
	require.Equal(t, kindLiveEnd, nextEvent(t, c.Events()).Kind)

	sub, err := c.SubInfo(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"tier":2}`, string(sub))

	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Disconnect(ctx))
	require.False(t, c.Connected())
	requireEventsClosed(t, c.Events())
}

func TestRedisClientMissingInfo(t *testing.T) {
	d, _ := newTestRedisDialer(t)
	c := d.Dial("bob", "")

	info, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(info))
	defer c.Disconnect(context.Background())

	_, err = c.SubInfo(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRedisClientInvalidInfo(t *testing.T) {
	d, mr := newTestRedisDialer(t)
	require.NoError(t, mr.Set("feed:bob:room_info", `{broken`))

	_, err := d.Dial("bob", "").Connect(context.Background())
	require.Error(t, err)
}

func TestRedisDriverBacksRoom(t *testing.T) {
	d, mr := newTestRedisDialer(t)
	require.NoError(t, mr.Set("feed:bob:live", "1"))
	gw := newTestGateway(d)

	s, err := gw.join(context.Background(), "acct", "bob", &fakeCloser{})
	require.NoError(t, err)
	require.Equal(t, controlJoin, nextEnvelope(t, s).Name)

	mr.Publish("feed:bob:events", `{"type":"share","data":{"user":"x"}}`)
	e := nextEnvelope(t, s)
	require.Equal(t, streamEvent, e.Type)
	require.Equal(t, "share", e.Name)

	gw.leave(s, "acct")
	require.Equal(t, 0, gw.reg.roomCount())
}
