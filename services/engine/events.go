package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventSubmitted      EventKind = "ORDER_SUBMITTED"
	EventAccepted       EventKind = "ORDER_ACCEPTED"
	EventRejected       EventKind = "ORDER_REJECTED"
	EventWorking        EventKind = "ORDER_WORKING"
	EventModified       EventKind = "ORDER_MODIFIED"
	EventCancelled      EventKind = "ORDER_CANCELLED"
	EventExpired        EventKind = "ORDER_EXPIRED"
	EventFilled         EventKind = "ORDER_FILLED"
	EventModifyRejected EventKind = "ORDER_MODIFY_REJECTED"
	EventCancelRejected EventKind = "ORDER_CANCEL_REJECTED"
	EventAccountState   EventKind = "ACCOUNT_STATE"
)

// IsOrderEvent reports whether the kind belongs to an order's lifecycle.
func (k EventKind) IsOrderEvent() bool { return k != EventAccountState }

// AccountState is the ledger's view after an account-affecting event.
type AccountState struct {
	StartingCapital decimal.Decimal `json:"starting_capital"`
	CashBalance     decimal.Decimal `json:"cash_balance"`
	MarginUsed      decimal.Decimal `json:"margin_used"`
	FreeEquity      decimal.Decimal `json:"free_equity"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Fees            decimal.Decimal `json:"fees"`
	EventCount      int             `json:"event_count"`
}

// Event is one state transition. Seq and ID are stamped by the engine at
// emission; everything else by the component that produced it.
type Event struct {
	Seq       uint64    `json:"seq"`
	ID        uuid.UUID `json:"id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"ts"`

	OrderID    OrderID     `json:"order_id,omitempty"`
	StrategyID StrategyID  `json:"strategy_id,omitempty"`
	PositionID PositionID  `json:"position_id,omitempty"`
	Symbol     string      `json:"symbol,omitempty"`
	Side       Side        `json:"side,omitempty"`
	OrderType  OrderType   `json:"order_type,omitempty"`
	Status     OrderStatus `json:"status,omitempty"`

	Price      Price           `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Slippage   decimal.Decimal `json:"slippage"`
	Commission decimal.Decimal `json:"commission"`
	Reason     RejectReason    `json:"reason,omitempty"`

	Account *AccountState `json:"account,omitempty"`
}

func orderEvent(kind EventKind, o *Order, now time.Time) Event {
	return Event{
		Kind:       kind,
		Timestamp:  now,
		OrderID:    o.ID,
		StrategyID: o.StrategyID,
		PositionID: o.PositionID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		OrderType:  o.Type,
		Status:     o.Status,
		Price:      o.Price,
		Quantity:   o.Quantity,
	}
}

func accountEvent(state AccountState, strategy StrategyID, now time.Time) Event {
	s := state
	return Event{
		Kind:       EventAccountState,
		Timestamp:  now,
		StrategyID: strategy,
		Account:    &s,
	}
}

// EventLog keeps every recorded event in order.
type EventLog struct {
	Events []Event
}

func (l *EventLog) Append(e Event) { l.Events = append(l.Events, e) }

// Record makes EventLog an audit sink.
func (l *EventLog) Record(e Event) { l.Append(e) }

func (l *EventLog) Len() int { return len(l.Events) }

// Snapshot returns a copy of the recorded events.
func (l *EventLog) Snapshot() []Event {
	out := make([]Event, len(l.Events))
	copy(out, l.Events)
	return out
}

// Digest is the sha256 of the JSON encoding of every event, one per line.
// Two replays of the same inputs produce the same digest.
func (l *EventLog) Digest() string {
	return DigestEvents(l.Events)
}

func DigestEvents(events []Event) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, e := range events {
		// Encode only fails on unsupported types, none of which Event has.
		_ = enc.Encode(e)
	}
	return hex.EncodeToString(h.Sum(nil))
}
