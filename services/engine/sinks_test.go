package engine

import (
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e, r := positioned(t)
	e.AddSink(NewLogSink(zap.New(core)))

	_, err := e.SubmitOrder(r.orders.Limit("USDJPY", SideBuy, d("10"), d("90.000")), "")
	require.NoError(t, err)

	entries := logs.FilterMessage("engine event").All()
	require.Len(t, entries, 3)
	assert.Equal(t, string(EventAccepted), entries[1].ContextMap()["kind"])
	fields := entries[2].ContextMap()
	assert.Equal(t, string(EventRejected), fields["kind"])
	assert.Equal(t, string(ReasonInvalidPrice), fields["reason"])
	assert.Equal(t, "O-S1-1", fields["order_id"])
}

func TestBusSink(t *testing.T) {
	bus := EventBus.New()
	var all, fills []Event
	require.NoError(t, bus.Subscribe(TopicEvent, func(e Event) { all = append(all, e) }))
	require.NoError(t, bus.Subscribe(KindTopic(EventFilled), func(e Event) { fills = append(fills, e) }))

	e, r := positioned(t)
	e.AddSink(NewBusSink(bus))
	_, err := e.SubmitOrder(r.orders.Market("USDJPY", SideBuy, d("10")), "")
	require.NoError(t, err)

	assert.Len(t, all, 4)
	require.Len(t, fills, 1)
	assert.Equal(t, "86.711", fills[0].Price.String())
}

func TestForensicsSink(t *testing.T) {
	e, r := positioned(t)
	fs := NewForensicsSink()
	e.AddSink(fs)

	limit, err := e.SubmitOrder(r.orders.Limit("USDJPY", SideBuy, d("10"), d("86.000")), "")
	require.NoError(t, err)
	market, err := e.SubmitOrder(r.orders.Market("USDJPY", SideBuy, d("10")), "")
	require.NoError(t, err)
	require.NoError(t, e.Step())
	require.NoError(t, e.CancelOrder(limit))
	require.ErrorIs(t, e.CancelOrder(limit), ErrUnknownOrder)

	trail, ok := fs.Trail(limit)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, trail.Final)
	assert.Equal(t, time.Minute, trail.Duration())
	assert.Equal(t, []EventKind{EventSubmitted, EventAccepted, EventWorking, EventCancelled, EventCancelRejected}, kindsOf(trail.Events))

	mt, ok := fs.Trail(market)
	require.True(t, ok)
	assert.Equal(t, StatusFilled, mt.Final)
	assert.Len(t, fs.Trails(), 2)
	assert.Equal(t, map[OrderStatus]int{StatusCancelled: 1, StatusFilled: 1}, fs.Outcomes())
	require.Len(t, fs.Slowest(5), 1)
}
