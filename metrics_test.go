package main

import (
	"context"
	"testing"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	before := counter("test.counter")
	incr("test.counter", 3)
	decr("test.counter", 1)
	require.Equal(t, before+2, counter("test.counter"))

	mark("test.meter", 2)
	meter, ok := m.reg.Get("test.meter").(gometrics.Meter)
	require.True(t, ok)
	require.GreaterOrEqual(t, meter.Count(), int64(2))
}

func TestRoomMetrics(t *testing.T) {
	reg := newTestRegistry(newFakeDialer())
	rooms, subs := counter("rooms"), counter("subscribers")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := reg.join(ctx, "metrics", "acct")
	require.NoError(t, err)
	require.Equal(t, rooms+1, counter("rooms"))
	require.Equal(t, subs+1, counter("subscribers"))

	reg.leave(s)
	require.Equal(t, rooms, counter("rooms"))
	require.Equal(t, subs, counter("subscribers"))
}
