package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionKey struct {
	Strategy StrategyID `json:"strategy_id"`
	ID       PositionID `json:"position_id"`
}

// Position is a net position. Quantity is signed: positive long, negative
// short, zero flat.
type Position struct {
	Key           PositionKey     `json:"key"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Fees          decimal.Decimal `json:"fees"`
	Fills         int             `json:"fills"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p Position) IsOpen() bool { return !p.Quantity.IsZero() }

// Side reports LONG, SHORT or FLAT.
func (p Position) Side() string {
	switch p.Quantity.Sign() {
	case 1:
		return "LONG"
	case -1:
		return "SHORT"
	}
	return "FLAT"
}

// ApplyFill updates the position with a new fill and returns the P&L it
// realized. A fill larger than the open quantity closes it and opens the
// remainder on the other side at the fill price.
func (p *Position) ApplyFill(side Side, price, qty decimal.Decimal, at time.Time) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	signed := qty.Mul(side.Sign())
	realized := decimal.Zero
	p.Fills++
	p.UpdatedAt = at

	if p.Quantity.IsZero() || p.Quantity.Sign() == signed.Sign() {
		// open or add
		if p.Quantity.IsZero() {
			p.OpenedAt = at
		}
		p.AvgPrice = weightedAvg(p.AvgPrice, p.Quantity.Abs(), price, qty)
		p.Quantity = p.Quantity.Add(signed)
		return realized
	}

	// reduce/flip
	closed := decimal.Min(p.Quantity.Abs(), qty)
	if p.Quantity.IsPositive() {
		realized = price.Sub(p.AvgPrice).Mul(closed)
	} else {
		realized = p.AvgPrice.Sub(price).Mul(closed)
	}
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	prevSign := p.Quantity.Sign()
	p.Quantity = p.Quantity.Add(signed)
	switch {
	case p.Quantity.IsZero():
		p.AvgPrice = decimal.Zero
		p.UnrealizedPnL = decimal.Zero
	case p.Quantity.Sign() != prevSign:
		p.AvgPrice = price
		p.OpenedAt = at
	}
	return realized
}

// Mark revalues the open quantity: longs at the bid, shorts at the ask.
func (p *Position) Mark(bid, ask decimal.Decimal) {
	switch p.Quantity.Sign() {
	case 1:
		p.UnrealizedPnL = bid.Sub(p.AvgPrice).Mul(p.Quantity)
	case -1:
		p.UnrealizedPnL = p.AvgPrice.Sub(ask).Mul(p.Quantity.Abs())
	default:
		p.UnrealizedPnL = decimal.Zero
	}
}

func weightedAvg(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.IsZero() {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}
