package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	origin = time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC)
	day2   = time.Date(2013, 1, 2, 0, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func usdjpy() Instrument {
	return Instrument{
		Symbol:      "USDJPY",
		TickSize:    d("0.001"),
		MinQuantity: d("1"),
		MaxQuantity: d("50000000"),
		MarginRate:  d("0.03"),
	}
}

// flatBars returns n one-minute bars from start, all at price.
func flatBars(start time.Time, n int, price string) []Bar {
	out := make([]Bar, n)
	for i := range out {
		out[i] = TickBar(start.Add(time.Duration(i)*time.Minute), d(price))
	}
	return out
}

// flatMarket is USDJPY at bid 86.700 / ask 86.710 for n minutes from origin.
func flatMarket(t *testing.T, n int) MarketData {
	t.Helper()
	sd, err := NewSymbolData(flatBars(origin, n, "86.700"), flatBars(origin, n, "86.710"))
	require.NoError(t, err)
	return MarketData{"USDJPY": sd}
}

func newEngine(t *testing.T, data MarketData, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Instruments:          []Instrument{usdjpy()},
		Data:                 data,
		StartingCapital:      d("1000000"),
		DefaultSlippageTicks: 1,
		RunID:                "test-run",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

// recorder is a strategy that keeps every event it is sent and runs optional
// hooks.
type recorder struct {
	id      StrategyID
	events  []Event
	orders  *OrderFactory
	start   func(Executor)
	step    func(time.Time, MarketView)
	onEvent func(Event)
}

func newRecorder(id StrategyID) *recorder {
	return &recorder{id: id, orders: NewOrderFactory(id)}
}

func (r *recorder) ID() StrategyID { return r.id }

func (r *recorder) OnEvent(e Event) {
	r.events = append(r.events, e)
	if r.onEvent != nil {
		r.onEvent(e)
	}
}

func (r *recorder) OnStart(x Executor) {
	if r.start != nil {
		r.start(x)
	}
}

func (r *recorder) OnStep(now time.Time, view MarketView) {
	if r.step != nil {
		r.step(now, view)
	}
}

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// since returns the events recorded after the first n.
func (r *recorder) since(n int) []Event { return r.events[n:] }

func kindsOf(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

// positioned builds a flat-market engine with one registered recorder,
// positioned at 2013-01-02 on a one-minute step.
func positioned(t *testing.T) (*Engine, *recorder) {
	t.Helper()
	e := newEngine(t, flatMarket(t, 1500))
	r := newRecorder("S1")
	require.NoError(t, e.RegisterStrategy(r))
	require.NoError(t, e.SetInitialIteration(day2, time.Minute))
	return e, r
}
