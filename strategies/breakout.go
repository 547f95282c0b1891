// Package strategies holds strategies that drive the engine through its
// public API.
package strategies

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"backtest-exec/services/engine"
)

// BreakoutParams configures a Donchian channel breakout.
type BreakoutParams struct {
	Symbol          string
	Tick            decimal.Decimal
	Lookback        int
	Quantity        decimal.Decimal
	TakeProfitTicks int64
	StopLossTicks   int64
	EntryTTL        time.Duration
}

func DefaultBreakoutParams(symbol string, tick decimal.Decimal) BreakoutParams {
	return BreakoutParams{
		Symbol:          symbol,
		Tick:            tick,
		Lookback:        20,
		Quantity:        decimal.NewFromInt(1000),
		TakeProfitTicks: 40,
		StopLossTicks:   20,
		EntryTTL:        30 * time.Minute,
	}
}

type role int

type liveOrder struct {
	id   engine.OrderID
	role role
}

const (
	roleEntryLong role = iota + 1
	roleEntryShort
	roleTakeProfit
	roleStopLoss
	roleFlatten
)

// Trade is one closed round trip.
type Trade struct {
	Side     engine.Side
	Entry    decimal.Decimal
	Exit     decimal.Decimal
	Quantity decimal.Decimal
	OpenedAt time.Time
	ClosedAt time.Time
}

// PnL is the gross price difference times quantity.
func (t Trade) PnL() decimal.Decimal {
	diff := t.Exit.Sub(t.Entry)
	if t.Side == engine.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(t.Quantity)
}

// Breakout brackets the market with stop-market entries just outside the
// Donchian channel of the last Lookback bars. A filled entry cancels its
// sibling and is protected by a limit take-profit and a stop-market stop
// loss; whichever fills first cancels the other.
type Breakout struct {
	id     engine.StrategyID
	p      BreakoutParams
	x      engine.Executor
	orders *engine.OrderFactory

	highs []decimal.Decimal
	lows  []decimal.Decimal

	live   []liveOrder
	open   *Trade
	trades []Trade
}

func NewBreakout(id engine.StrategyID, p BreakoutParams) (*Breakout, error) {
	switch {
	case p.Symbol == "":
		return nil, fmt.Errorf("breakout %s: symbol required", id)
	case !p.Tick.IsPositive():
		return nil, fmt.Errorf("breakout %s: tick must be positive", id)
	case p.Lookback < 2:
		return nil, fmt.Errorf("breakout %s: lookback must be at least 2", id)
	case !p.Quantity.IsPositive():
		return nil, fmt.Errorf("breakout %s: quantity must be positive", id)
	case p.TakeProfitTicks <= 0 || p.StopLossTicks <= 0:
		return nil, fmt.Errorf("breakout %s: exit distances must be positive", id)
	case p.EntryTTL <= 0:
		return nil, fmt.Errorf("breakout %s: entry ttl must be positive", id)
	}
	return &Breakout{
		id:     id,
		p:      p,
		orders: engine.NewOrderFactory(id),
	}, nil
}

func (b *Breakout) ID() engine.StrategyID { return b.id }

func (b *Breakout) OnStart(x engine.Executor) { b.x = x }

// Trades returns the closed round trips so far.
func (b *Breakout) Trades() []Trade {
	out := make([]Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

func (b *Breakout) InPosition() bool { return b.open != nil }

func (b *Breakout) OnStep(now time.Time, view engine.MarketView) {
	q, err := view.Quote(b.p.Symbol)
	if err != nil || !(q.BidFresh || q.AskFresh) {
		return
	}
	defer b.push(q.Ask.High, q.Bid.Low)
	if b.x == nil || len(b.highs) < b.p.Lookback || b.open != nil || len(b.live) > 0 {
		return
	}

	upper := maxOf(b.highs).Add(b.p.Tick)
	lower := minOf(b.lows).Sub(b.p.Tick)
	expiry := engine.WithExpiry(now.Add(b.p.EntryTTL))
	if upper.GreaterThan(q.Ask.Close) {
		b.submit(b.orders.StopMarket(b.p.Symbol, engine.SideBuy, b.p.Quantity, upper, expiry, engine.WithLabel("entry-long")), roleEntryLong)
	}
	if lower.LessThan(q.Bid.Close) && lower.IsPositive() {
		b.submit(b.orders.StopMarket(b.p.Symbol, engine.SideSell, b.p.Quantity, lower, expiry, engine.WithLabel("entry-short")), roleEntryShort)
	}
}

func (b *Breakout) push(high, low decimal.Decimal) {
	b.highs = append(b.highs, high)
	b.lows = append(b.lows, low)
	if len(b.highs) > b.p.Lookback {
		b.highs = b.highs[1:]
		b.lows = b.lows[1:]
	}
}

func (b *Breakout) submit(o engine.Order, r role) {
	id, err := b.x.SubmitOrder(o, "")
	if err != nil {
		return
	}
	b.live = append(b.live, liveOrder{id: id, role: r})
}

// take removes id from the live orders and reports its role.
func (b *Breakout) take(id engine.OrderID) (role, bool) {
	for i, lo := range b.live {
		if lo.id == id {
			b.live = append(b.live[:i], b.live[i+1:]...)
			return lo.role, true
		}
	}
	return 0, false
}

func (b *Breakout) has(r role) bool {
	for _, lo := range b.live {
		if lo.role == r {
			return true
		}
	}
	return false
}

func (b *Breakout) cancelRole(r role) {
	for _, lo := range b.live {
		if lo.role == r {
			_ = b.x.CancelOrder(lo.id)
		}
	}
}

func (b *Breakout) OnEvent(e engine.Event) {
	switch e.Kind {
	case engine.EventFilled:
		if r, ok := b.take(e.OrderID); ok {
			b.filled(r, e)
		}
	case engine.EventRejected:
		if r, ok := b.take(e.OrderID); ok && (r == roleTakeProfit || r == roleStopLoss) {
			b.flatten()
		}
	case engine.EventCancelled, engine.EventExpired:
		b.take(e.OrderID)
	}
}

func (b *Breakout) filled(r role, e engine.Event) {
	px := e.Price.Decimal()
	switch r {
	case roleEntryLong, roleEntryShort:
		if b.open != nil {
			// both entries triggered on one bar; the second nets the first out
			b.cancelRole(roleTakeProfit)
			b.cancelRole(roleStopLoss)
			b.close(px, e.Timestamp)
			return
		}
		sibling := roleEntryShort
		if r == roleEntryShort {
			sibling = roleEntryLong
		}
		b.cancelRole(sibling)
		b.open = &Trade{Side: e.Side, Entry: px, Quantity: e.Quantity, OpenedAt: e.Timestamp}

		exit := engine.SideSell
		tp := px.Add(b.ticks(b.p.TakeProfitTicks))
		sl := px.Sub(b.ticks(b.p.StopLossTicks))
		if e.Side == engine.SideSell {
			exit = engine.SideBuy
			tp = px.Sub(b.ticks(b.p.TakeProfitTicks))
			sl = px.Add(b.ticks(b.p.StopLossTicks))
		}
		b.submit(b.orders.Limit(b.p.Symbol, exit, e.Quantity, tp, engine.WithLabel("take-profit")), roleTakeProfit)
		b.submit(b.orders.StopMarket(b.p.Symbol, exit, e.Quantity, sl, engine.WithLabel("stop-loss")), roleStopLoss)
	case roleTakeProfit, roleStopLoss, roleFlatten:
		if r == roleTakeProfit {
			b.cancelRole(roleStopLoss)
		} else if r == roleStopLoss {
			b.cancelRole(roleTakeProfit)
		}
		if b.open == nil {
			// both protective orders filled on one bar and reversed the position
			b.open = &Trade{Side: e.Side, Entry: px, Quantity: e.Quantity, OpenedAt: e.Timestamp}
			b.flatten()
			return
		}
		b.close(px, e.Timestamp)
	}
}

func (b *Breakout) close(px decimal.Decimal, at time.Time) {
	if b.open == nil {
		return
	}
	t := *b.open
	t.Exit = px
	t.ClosedAt = at
	b.trades = append(b.trades, t)
	b.open = nil
}

// flatten closes the open trade at market once a protective order could
// not be placed.
func (b *Breakout) flatten() {
	if b.open == nil || b.has(roleFlatten) {
		return
	}
	b.cancelRole(roleTakeProfit)
	b.cancelRole(roleStopLoss)
	side := engine.SideSell
	if b.open.Side == engine.SideSell {
		side = engine.SideBuy
	}
	b.submit(b.orders.Market(b.p.Symbol, side, b.open.Quantity, engine.WithLabel("flatten")), roleFlatten)
}

func (b *Breakout) ticks(n int64) decimal.Decimal { return b.p.Tick.Mul(decimal.NewFromInt(n)) }

func maxOf(xs []decimal.Decimal) decimal.Decimal {
	m := xs[0]
	for _, x := range xs[1:] {
		if x.GreaterThan(m) {
			m = x
		}
	}
	return m
}

func minOf(xs []decimal.Decimal) decimal.Decimal {
	m := xs[0]
	for _, x := range xs[1:] {
		if x.LessThan(m) {
			m = x
		}
	}
	return m
}

// Build constructs a named strategy from string parameters, as found in run
// files and API requests.
func Build(kind string, id engine.StrategyID, symbol string, params map[string]string, catalog *engine.Catalog) (engine.Strategy, error) {
	inst, err := catalog.Get(symbol)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "breakout":
		p := DefaultBreakoutParams(symbol, inst.TickSize)
		if err := parseBreakout(&p, params); err != nil {
			return nil, fmt.Errorf("breakout %s: %w", id, err)
		}
		return NewBreakout(id, p)
	default:
		return nil, fmt.Errorf("%w: unknown strategy kind %q", engine.ErrInvalidConfig, kind)
	}
}

func parseBreakout(p *BreakoutParams, params map[string]string) error {
	for k, v := range params {
		var err error
		switch k {
		case "lookback":
			p.Lookback, err = strconv.Atoi(v)
		case "quantity":
			p.Quantity, err = decimal.NewFromString(v)
		case "take_profit_ticks":
			p.TakeProfitTicks, err = strconv.ParseInt(v, 10, 64)
		case "stop_loss_ticks":
			p.StopLossTicks, err = strconv.ParseInt(v, 10, 64)
		case "entry_ttl":
			p.EntryTTL, err = time.ParseDuration(v)
		default:
			return fmt.Errorf("%w: unknown parameter %q", engine.ErrInvalidConfig, k)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", engine.ErrInvalidConfig, k, err)
		}
	}
	return nil
}
