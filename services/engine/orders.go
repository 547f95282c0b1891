package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopMarket OrderType = "STOP_MARKET"
)

// HasPrice reports whether the type carries a trigger price.
func (t OrderType) HasPrice() bool { return t == OrderLimit || t == OrderStopMarket }

type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFGTD TimeInForce = "GTD"
)

type OrderStatus string

const (
	StatusInitialized OrderStatus = "INITIALIZED"
	StatusSubmitted   OrderStatus = "SUBMITTED"
	StatusAccepted    OrderStatus = "ACCEPTED"
	StatusRejected    OrderStatus = "REJECTED"
	StatusWorking     OrderStatus = "WORKING"
	StatusCancelled   OrderStatus = "CANCELLED"
	StatusExpired     OrderStatus = "EXPIRED"
	StatusFilled      OrderStatus = "FILLED"
)

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusExpired, StatusFilled:
		return true
	}
	return false
}

type (
	OrderID    string
	StrategyID string
	PositionID string
)

// Order is the shared shape of every order type. Price is the kind-specific
// payload: the limit or stop trigger, zero for market orders.
type Order struct {
	ID          OrderID         `json:"id"`
	Symbol      string          `json:"symbol"`
	Label       string          `json:"label,omitempty"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       Price           `json:"price"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	ExpireAt    time.Time       `json:"expire_at,omitempty"`

	StrategyID StrategyID `json:"strategy_id"`
	PositionID PositionID `json:"position_id"`

	Status         OrderStatus     `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   Price           `json:"average_price"`
	RejectReason   RejectReason    `json:"reject_reason,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at,omitempty"`
}

// expired reports whether a GTD order has reached its expiry at now.
func (o *Order) expired(now time.Time) bool {
	return o.TimeInForce == TIFGTD && !o.ExpireAt.IsZero() && !now.Before(o.ExpireAt)
}

// limitReached returns true if a resting limit is touched by this step's bars.
// Buys rest against the ask, sells against the bid.
func limitReached(side Side, limit Price, q Quote) bool {
	if side == SideBuy {
		return q.AskFresh && q.Ask.Low.LessThanOrEqual(limit.Decimal())
	}
	return q.BidFresh && q.Bid.High.GreaterThanOrEqual(limit.Decimal())
}

// stopTriggered returns true if a stop is breached by this step's bars.
func stopTriggered(side Side, stop Price, q Quote) bool {
	if side == SideBuy { // buy stop breakout up
		return q.AskFresh && q.Ask.High.GreaterThanOrEqual(stop.Decimal())
	}
	return q.BidFresh && q.Bid.Low.LessThanOrEqual(stop.Decimal())
}

// marketSide returns the close an order of side trades against.
func marketSide(side Side, q Quote) decimal.Decimal {
	if side == SideBuy {
		return q.Ask.Close
	}
	return q.Bid.Close
}
