package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Strategy is a consumer registered under its own context.
type Strategy interface {
	ID() StrategyID
	OnEvent(Event)
}

// Starter is implemented by strategies that act once the clock is positioned.
type Starter interface {
	OnStart(Executor)
}

// StepObserver is called after every step, once the step's orders and
// queued commands have been processed.
type StepObserver interface {
	OnStep(now time.Time, view MarketView)
}

// MarketView is the read side of the engine available to strategies.
type MarketView interface {
	Quote(symbol string) (Quote, error)
	Symbols() []string
}

// Executor is the command side of the engine. Commands issued from inside a
// callback are queued and applied at the next step.
type Executor interface {
	SubmitOrder(order Order, position PositionID) (OrderID, error)
	ModifyOrder(id OrderID, price decimal.Decimal) error
	CancelOrder(id OrderID) error
	CollateralInquiry() error
	Order(id OrderID) (Order, bool)
	Account() AccountState
	Position(strategy StrategyID, id PositionID) (Position, bool)
	TimeNow() (time.Time, error)
}

// OrderFactory builds orders with deterministic ids for one strategy.
type OrderFactory struct {
	strategy StrategyID
	next     int
}

func NewOrderFactory(strategy StrategyID) *OrderFactory {
	return &OrderFactory{strategy: strategy}
}

type OrderOption func(*Order)

func WithLabel(label string) OrderOption { return func(o *Order) { o.Label = label } }

// WithID overrides the generated id.
func WithID(id OrderID) OrderOption { return func(o *Order) { o.ID = id } }

// WithExpiry makes the order GTD.
func WithExpiry(at time.Time) OrderOption {
	return func(o *Order) {
		o.TimeInForce = TIFGTD
		o.ExpireAt = at.UTC()
	}
}

func (f *OrderFactory) Market(symbol string, side Side, qty decimal.Decimal, opts ...OrderOption) Order {
	return f.build(symbol, side, OrderMarket, qty, decimal.Zero, opts)
}

func (f *OrderFactory) Limit(symbol string, side Side, qty, price decimal.Decimal, opts ...OrderOption) Order {
	return f.build(symbol, side, OrderLimit, qty, price, opts)
}

func (f *OrderFactory) StopMarket(symbol string, side Side, qty, price decimal.Decimal, opts ...OrderOption) Order {
	return f.build(symbol, side, OrderStopMarket, qty, price, opts)
}

func (f *OrderFactory) build(symbol string, side Side, typ OrderType, qty, price decimal.Decimal, opts []OrderOption) Order {
	f.next++
	o := Order{
		ID:          OrderID(fmt.Sprintf("O-%s-%d", f.strategy, f.next)),
		Symbol:      symbol,
		Side:        side,
		Type:        typ,
		Quantity:    qty,
		Price:       NewPrice(price, 0),
		TimeInForce: TIFGTC,
		StrategyID:  f.strategy,
		Status:      StatusInitialized,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
