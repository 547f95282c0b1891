package report

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest-exec/services/engine"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func acct(cash, realized string) *engine.AccountState {
	return &engine.AccountState{StartingCapital: d("1000"), CashBalance: d(cash), RealizedPnL: d(realized)}
}

func sample() *engine.Result {
	return &engine.Result{
		RunID:  "run-1",
		Digest: "00ff",
		Steps:  4,
		Account: engine.AccountState{
			StartingCapital: d("1000"), CashBalance: d("1015"), RealizedPnL: d("20"), Fees: d("5"),
		},
		Orders: []engine.Order{
			{ID: "a", Status: engine.StatusFilled, Type: engine.OrderMarket, Quantity: d("1"), AveragePrice: engine.MustParsePrice("10.5")},
			{ID: "b", Status: engine.StatusFilled, Type: engine.OrderLimit, Quantity: d("1"), Price: engine.MustParsePrice("11.0")},
			{ID: "c", Status: engine.StatusRejected, RejectReason: engine.ReasonInvalidPrice, Type: engine.OrderStopMarket},
			{ID: "d", Status: engine.StatusWorking, Type: engine.OrderLimit},
		},
		Positions: []engine.Position{
			{Key: engine.PositionKey{Strategy: "S", ID: "X"}, Symbol: "X", Quantity: d("2"), AvgPrice: d("10"), UnrealizedPnL: d("3")},
		},
		Events: []engine.Event{
			{Kind: engine.EventAccountState, Account: acct("1000", "0")},
			{Kind: engine.EventFilled, Slippage: d("0.01")},
			{Kind: engine.EventAccountState, Account: acct("999", "0")},
			{Kind: engine.EventFilled, Slippage: d("0.03")},
			{Kind: engine.EventAccountState, Account: acct("1029", "30")},
			{Kind: engine.EventFilled, Slippage: d("0.02")},
			{Kind: engine.EventAccountState, Account: acct("1015", "20")},
		},
	}
}

func TestSummarize(t *testing.T) {
	s, err := Summarize(sample())
	require.NoError(t, err)

	assert.Equal(t, 3, s.Fills)
	assert.Equal(t, 2, s.Orders[engine.StatusFilled])
	assert.Equal(t, 1, s.Rejections[engine.ReasonInvalidPrice])
	assert.True(t, s.UnrealizedPnL.Equal(d("3")))
	assert.True(t, s.NetPnL.Equal(d("18")))
	assert.True(t, s.MaxDrawdown.Equal(d("14")), s.MaxDrawdown.String())

	assert.Equal(t, 2, s.Closes)
	assert.InDelta(t, 0.5, s.WinRate, 1e-9)
	assert.InDelta(t, 10.0, s.MeanClose, 1e-9)
	assert.InDelta(t, 20.0, s.StdDevClose, 1e-9)
	assert.InDelta(t, 0.02, s.MeanSlippage, 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	s, err := Summarize(&engine.Result{})
	require.NoError(t, err)
	assert.Zero(t, s.Closes)
	assert.Zero(t, s.WinRate)

	_, err = Summarize(nil)
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	res := sample()
	s, err := Summarize(res)
	require.NoError(t, err)

	var buf bytes.Buffer
	s.Render(&buf)
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "1,015.00")
	assert.Contains(t, out, "rejected INVALID_PRICE")
	assert.Contains(t, out, "50.0%")

	buf.Reset()
	RenderOrders(&buf, res.Orders)
	assert.Contains(t, buf.String(), "10.5")
	assert.Contains(t, buf.String(), "INVALID_PRICE")

	buf.Reset()
	RenderPositions(&buf, res.Positions)
	assert.Contains(t, buf.String(), "LONG")
}
