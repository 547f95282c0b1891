package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newLedger(t require.TestingT, capital string) *Ledger {
	c, err := NewCatalog(usdjpy())
	require.NoError(t, err)
	l, err := NewLedger(c, decimal.RequireFromString(capital))
	require.NoError(t, err)
	return l
}

func fill(key PositionID, side Side, price, qty string) FillRecord {
	return FillRecord{
		Key:      PositionKey{Strategy: "S", ID: key},
		Symbol:   "USDJPY",
		Side:     side,
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
		Time:     day2,
	}
}

func TestLedgerInitialState(t *testing.T) {
	l := newLedger(t, "1000000")
	a := l.Account()
	assert.Equal(t, 1, a.EventCount)
	assert.True(t, a.CashBalance.Equal(d("1000000")))
	assert.True(t, a.FreeEquity.Equal(d("1000000")))
	assert.True(t, a.MarginUsed.IsZero())

	_, err := NewLedger(nil, d("-1"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLedgerRealizedAndFlip(t *testing.T) {
	l := newLedger(t, "1000000")

	_, err := l.ApplyFill(fill("P", SideBuy, "100", "10"))
	require.NoError(t, err)
	_, err = l.ApplyFill(fill("P", SideBuy, "110", "10"))
	require.NoError(t, err)
	p, _ := l.Position(PositionKey{"S", "P"})
	assert.True(t, p.AvgPrice.Equal(d("105")))

	// sell 30: closes 20 at +5 each, opens 10 short at 120
	a, err := l.ApplyFill(fill("P", SideSell, "110", "30"))
	require.NoError(t, err)
	p, _ = l.Position(PositionKey{"S", "P"})
	assert.True(t, p.Quantity.Equal(d("-10")))
	assert.True(t, p.AvgPrice.Equal(d("110")))
	assert.True(t, p.RealizedPnL.Equal(d("100")))
	assert.True(t, a.CashBalance.Equal(d("1000100")))
	assert.True(t, a.MarginUsed.Equal(d("33")))
	assert.Equal(t, 4, a.EventCount)

	a, err = l.ApplyFill(fill("P", SideBuy, "100", "10"))
	require.NoError(t, err)
	p, _ = l.Position(PositionKey{"S", "P"})
	assert.False(t, p.IsOpen())
	assert.True(t, a.MarginUsed.IsZero())
	assert.True(t, a.CashBalance.Equal(d("1000200")))
	assert.Len(t, l.Positions(), 1)
}

func TestLedgerInsufficientMarginIsAtomic(t *testing.T) {
	l := newLedger(t, "100")
	before := l.Account()

	_, err := l.ApplyFill(fill("P", SideBuy, "100", "100"))
	require.ErrorIs(t, err, ErrInsufficientMargin)
	assert.Equal(t, before, l.Account())
	_, ok := l.Position(PositionKey{"S", "P"})
	assert.False(t, ok)
	assert.Empty(t, l.Positions())
}

func TestLedgerReducingFillAllowedWhenUnderwater(t *testing.T) {
	l := newLedger(t, "1000")
	_, err := l.ApplyFill(fill("P", SideBuy, "100", "300"))
	require.NoError(t, err)

	// a losing close drives cash down but lowers margin, so it is allowed
	a, err := l.ApplyFill(fill("P", SideSell, "96", "300"))
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(d("-200")))
	assert.True(t, a.MarginUsed.IsZero())
}

func TestLedgerInquiryAndMark(t *testing.T) {
	l := newLedger(t, "1000")
	_, err := l.ApplyFill(fill("P", SideBuy, "100", "1"))
	require.NoError(t, err)

	before := l.Account()
	after := l.RecordInquiry()
	assert.Equal(t, before.EventCount+1, after.EventCount)
	assert.True(t, before.CashBalance.Equal(after.CashBalance))

	l.Mark("USDJPY", d("103"), d("104"))
	assert.True(t, l.UnrealizedPnL().Equal(d("3")))
	assert.Equal(t, after, l.Account())
}

func TestPositionShortMark(t *testing.T) {
	var p Position
	p.ApplyFill(SideSell, d("100"), d("2"), day2)
	p.Mark(d("97"), d("98"))
	assert.True(t, p.UnrealizedPnL.Equal(d("4")))
	assert.Equal(t, "SHORT", p.Side())
	assert.True(t, p.OpenedAt.Equal(day2))

	realized := p.ApplyFill(SideBuy, d("99"), d("2"), day2.Add(time.Minute))
	assert.True(t, realized.Equal(d("2")))
	assert.True(t, p.UnrealizedPnL.IsZero())
	assert.Equal(t, "FLAT", p.Side())
}

func TestLedgerFreeEquityNeverExceedsCash(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := newLedger(t, "100000")
		n := rapid.IntRange(1, 40).Draw(t, "fills")
		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]Side{SideBuy, SideSell}).Draw(t, "side")
			ticks := rapid.IntRange(80000, 90000).Draw(t, "price")
			qty := rapid.IntRange(1, 20000).Draw(t, "qty")
			pos := rapid.SampledFrom([]PositionID{"A", "B", "C"}).Draw(t, "position")
			fee := rapid.IntRange(0, 50).Draw(t, "fee")

			before := l.Account()
			r := FillRecord{
				Key:        PositionKey{Strategy: "S", ID: pos},
				Symbol:     "USDJPY",
				Side:       side,
				Price:      decimal.New(int64(ticks), -3),
				Quantity:   decimal.NewFromInt(int64(qty)),
				Commission: decimal.NewFromInt(int64(fee)),
				Time:       day2,
			}
			after, err := l.ApplyFill(r)
			if err != nil {
				if !assert.ErrorIs(t, err, ErrInsufficientMargin) {
					t.FailNow()
				}
				if !assert.Equal(t, before, l.Account()) {
					t.FailNow()
				}
				continue
			}
			if after.FreeEquity.GreaterThan(after.CashBalance) {
				t.Fatalf("free equity %s above cash %s", after.FreeEquity, after.CashBalance)
			}
			if after.EventCount != before.EventCount+1 {
				t.Fatalf("event count %d after %d", after.EventCount, before.EventCount)
			}
		}

		margin := decimal.Zero
		for _, p := range l.Positions() {
			margin = margin.Add(p.Quantity.Abs().Mul(p.AvgPrice).Mul(d("0.03")))
		}
		if !margin.Equal(l.Account().MarginUsed) {
			t.Fatalf("margin %s, recomputed %s", l.Account().MarginUsed, margin)
		}
	})
}
