package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Fill is a pending execution produced by the matcher. It becomes an
// ORDER_FILLED event only once the ledger has accepted it.
type Fill struct {
	Price    Price
	Quantity decimal.Decimal
	Slippage decimal.Decimal
	Maker    bool
}

// Outcome is what one state-machine input produced.
type Outcome struct {
	Events []Event
	Fill   *Fill
}

var transitions = map[OrderStatus][]OrderStatus{
	StatusInitialized: {StatusSubmitted},
	StatusSubmitted:   {StatusAccepted, StatusRejected},
	StatusAccepted:    {StatusWorking, StatusFilled, StatusRejected},
	StatusWorking:     {StatusWorking, StatusFilled, StatusCancelled, StatusExpired, StatusRejected},
}

func transition(o *Order, to OrderStatus, now time.Time) error {
	for _, next := range transitions[o.Status] {
		if next == to {
			o.Status = to
			o.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, o.ID, o.Status, to)
}

// Matcher is the order state machine. It is synchronous and knows nothing
// about the clock or the ledger: every call takes the order, the current
// quote of its symbol and now, and returns the events to emit.
type Matcher struct {
	catalog  *Catalog
	slippage *SlippageModel

	// Guard, when set, runs after the built-in submission checks. A non-nil
	// error rejects the order with ReasonFor(err).
	Guard func(o *Order) error
}

func NewMatcher(catalog *Catalog, slippage *SlippageModel) *Matcher {
	return &Matcher{catalog: catalog, slippage: slippage}
}

// Submit takes an INITIALIZED order through SUBMITTED. Orders that are
// malformed on their own (unknown instrument, side, quantity or type) are
// REJECTED from there. The rest are ACCEPTED and then checked against the
// market: a failure there rejects the accepted order, otherwise market
// orders carry a pending fill and the others go WORKING. q may be the zero
// Quote when the symbol has no market.
func (m *Matcher) Submit(o *Order, q Quote, now time.Time) (Outcome, error) {
	var out Outcome
	if o.Status == "" {
		o.Status = StatusInitialized
	}
	if err := transition(o, StatusSubmitted, now); err != nil {
		return out, err
	}
	o.SubmittedAt = now
	out.Events = append(out.Events, orderEvent(EventSubmitted, o, now))

	reject := func(cause error) (Outcome, error) {
		ev, err := m.Reject(o, ReasonFor(cause), now)
		if err != nil {
			return out, err
		}
		out.Events = append(out.Events, ev)
		return out, nil
	}
	if err := m.admit(o); err != nil {
		return reject(err)
	}

	if err := transition(o, StatusAccepted, now); err != nil {
		return out, err
	}
	out.Events = append(out.Events, orderEvent(EventAccepted, o, now))

	if err := m.validate(o, q); err != nil {
		return reject(err)
	}
	if o.Type == OrderMarket {
		fill, err := m.marketFill(o, q)
		if err != nil {
			return out, err
		}
		out.Fill = fill
		return out, nil
	}
	if err := transition(o, StatusWorking, now); err != nil {
		return out, err
	}
	out.Events = append(out.Events, orderEvent(EventWorking, o, now))
	return out, nil
}

// admit runs the checks that need nothing but the order and its instrument.
func (m *Matcher) admit(o *Order) error {
	inst, err := m.catalog.Get(o.Symbol)
	if err != nil {
		return err
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSide, o.Side)
	}
	if err := inst.CheckQuantity(o.Quantity); err != nil {
		return err
	}
	switch o.Type {
	case OrderMarket, OrderLimit, OrderStopMarket:
	default:
		return fmt.Errorf("%w: order type %q", ErrInvalidOrder, o.Type)
	}
	if o.TimeInForce == "" {
		o.TimeInForce = TIFGTC
	}
	return nil
}

// validate checks an accepted order against the current market.
func (m *Matcher) validate(o *Order, q Quote) error {
	if q.Symbol == "" {
		return fmt.Errorf("%w: %s", ErrNoMarket, o.Symbol)
	}
	inst, err := m.catalog.Get(o.Symbol)
	if err != nil {
		return err
	}
	if o.Type == OrderMarket {
		o.Price = Price{}
	} else {
		p, err := m.checkPrice(inst, o.Side, o.Type, o.Price.Decimal(), q)
		if err != nil {
			return err
		}
		o.Price = p
	}
	if err := checkExpiry(o, q.Timestamp); err != nil {
		return err
	}
	if m.Guard != nil {
		return m.Guard(o)
	}
	return nil
}

func checkExpiry(o *Order, now time.Time) error {
	if o.TimeInForce != TIFGTD {
		return nil
	}
	if o.ExpireAt.IsZero() || !o.ExpireAt.After(now) {
		return fmt.Errorf("%w: %s expires at %s", ErrInvalidExpiry, o.ID, o.ExpireAt.Format(time.RFC3339))
	}
	return nil
}

// checkPrice applies the tick policy, then the side rule against the current
// closes: limits may not cross the market, stops may not already be
// satisfied.
func (m *Matcher) checkPrice(inst Instrument, side Side, typ OrderType, d decimal.Decimal, q Quote) (Price, error) {
	p, err := inst.Price(d)
	if err != nil {
		return Price{}, err
	}
	if q.Symbol == "" {
		return Price{}, fmt.Errorf("%w: %s", ErrNoMarket, inst.Symbol)
	}
	ask := q.Ask.Close
	bid := q.Bid.Close
	v := p.Decimal()
	var ok bool
	switch {
	case typ == OrderLimit && side == SideBuy:
		ok = v.LessThanOrEqual(ask)
	case typ == OrderLimit && side == SideSell:
		ok = v.GreaterThanOrEqual(bid)
	case typ == OrderStopMarket && side == SideBuy:
		ok = v.GreaterThanOrEqual(ask)
	case typ == OrderStopMarket && side == SideSell:
		ok = v.LessThanOrEqual(bid)
	}
	if !ok {
		return Price{}, fmt.Errorf("%w: %s %s %s at %s against bid %s ask %s",
			ErrInvalidPrice, side, typ, inst.Symbol, p, bid, ask)
	}
	return p, nil
}

func (m *Matcher) marketFill(o *Order, q Quote) (*Fill, error) {
	inst, err := m.catalog.Get(o.Symbol)
	if err != nil {
		return nil, err
	}
	return m.takerFill(o, inst.Quantize(marketSide(o.Side, q)))
}

func (m *Matcher) takerFill(o *Order, base Price) (*Fill, error) {
	px, err := m.slippage.Apply(o.Side, o.Symbol, base)
	if err != nil {
		return nil, err
	}
	return &Fill{
		Price:    px,
		Quantity: o.Quantity,
		Slippage: px.Decimal().Sub(base.Decimal()).Abs(),
	}, nil
}

// Evaluate checks a WORKING order against the step's quote. GTD expiry is
// applied before matching.
func (m *Matcher) Evaluate(o *Order, q Quote, now time.Time) (Outcome, error) {
	var out Outcome
	if o.Status != StatusWorking {
		return out, nil
	}
	if o.expired(now) {
		if err := transition(o, StatusExpired, now); err != nil {
			return out, err
		}
		out.Events = append(out.Events, orderEvent(EventExpired, o, now))
		return out, nil
	}
	switch o.Type {
	case OrderLimit:
		if limitReached(o.Side, o.Price, q) {
			out.Fill = &Fill{Price: o.Price, Quantity: o.Quantity, Maker: true}
		}
	case OrderStopMarket:
		if stopTriggered(o.Side, o.Price, q) {
			fill, err := m.takerFill(o, o.Price)
			if err != nil {
				return out, err
			}
			out.Fill = fill
		}
	}
	return out, nil
}

// Modify replaces the trigger price of a WORKING order. A price that fails
// validation leaves the order untouched and yields a MODIFY_REJECTED
// notification plus the error.
func (m *Matcher) Modify(o *Order, price decimal.Decimal, q Quote, now time.Time) (Outcome, error) {
	var out Outcome
	if o.Status != StatusWorking || !o.Type.HasPrice() {
		out.Events = append(out.Events, m.notice(EventModifyRejected, o, ReasonUnknownOrder, now))
		return out, fmt.Errorf("%w: %s is %s", ErrUnknownOrder, o.ID, o.Status)
	}
	inst, err := m.catalog.Get(o.Symbol)
	if err != nil {
		return out, err
	}
	p, err := m.checkPrice(inst, o.Side, o.Type, price, q)
	if err != nil {
		out.Events = append(out.Events, m.notice(EventModifyRejected, o, ReasonFor(err), now))
		return out, err
	}
	if err := transition(o, StatusWorking, now); err != nil {
		return out, err
	}
	o.Price = p
	out.Events = append(out.Events, orderEvent(EventModified, o, now))
	return out, nil
}

// Cancel moves a WORKING order to CANCELLED.
func (m *Matcher) Cancel(o *Order, now time.Time) (Outcome, error) {
	var out Outcome
	if o.Status != StatusWorking {
		out.Events = append(out.Events, m.notice(EventCancelRejected, o, ReasonUnknownOrder, now))
		return out, fmt.Errorf("%w: %s is %s", ErrUnknownOrder, o.ID, o.Status)
	}
	if err := transition(o, StatusCancelled, now); err != nil {
		return out, err
	}
	out.Events = append(out.Events, orderEvent(EventCancelled, o, now))
	return out, nil
}

// Filled commits a fill the ledger has accepted.
func (m *Matcher) Filled(o *Order, f *Fill, commission decimal.Decimal, now time.Time) (Event, error) {
	if err := transition(o, StatusFilled, now); err != nil {
		return Event{}, err
	}
	o.FilledQuantity = f.Quantity
	o.AveragePrice = f.Price
	ev := orderEvent(EventFilled, o, now)
	ev.Price = f.Price
	ev.Quantity = f.Quantity
	ev.Slippage = f.Slippage
	ev.Commission = commission
	return ev, nil
}

// Reject forces the order to REJECTED with reason.
func (m *Matcher) Reject(o *Order, reason RejectReason, now time.Time) (Event, error) {
	if err := transition(o, StatusRejected, now); err != nil {
		return Event{}, err
	}
	o.RejectReason = reason
	ev := orderEvent(EventRejected, o, now)
	ev.Reason = reason
	return ev, nil
}

// notice builds a rejection notification that does not change the order.
func (m *Matcher) notice(kind EventKind, o *Order, reason RejectReason, now time.Time) Event {
	ev := orderEvent(kind, o, now)
	ev.Reason = reason
	return ev
}
