package engine

import (
	"sort"
	"time"
)

// Per-order lifecycle replay built from the audit stream

type OrderTrail struct {
	OrderID    OrderID     `json:"order_id"`
	StrategyID StrategyID  `json:"strategy_id"`
	Symbol     string      `json:"symbol"`
	Events     []Event     `json:"events"`
	Final      OrderStatus `json:"final"`
	OpenedAt   time.Time   `json:"opened_at"`
	ClosedAt   time.Time   `json:"closed_at,omitempty"`
}

// Duration is the time from submission to the terminal event, zero while the
// order is still live.
func (t *OrderTrail) Duration() time.Duration {
	if t.ClosedAt.IsZero() {
		return 0
	}
	return t.ClosedAt.Sub(t.OpenedAt)
}

type ForensicsSink struct {
	trails map[OrderID]*OrderTrail
	order  []OrderID
}

func NewForensicsSink() *ForensicsSink {
	return &ForensicsSink{trails: make(map[OrderID]*OrderTrail)}
}

func (fs *ForensicsSink) Record(e Event) {
	if !e.Kind.IsOrderEvent() || e.OrderID == "" {
		return
	}
	trail, exists := fs.trails[e.OrderID]
	if !exists {
		trail = &OrderTrail{
			OrderID:    e.OrderID,
			StrategyID: e.StrategyID,
			Symbol:     e.Symbol,
			OpenedAt:   e.Timestamp,
		}
		fs.trails[e.OrderID] = trail
		fs.order = append(fs.order, e.OrderID)
	}
	trail.Events = append(trail.Events, e)
	switch e.Kind {
	case EventModifyRejected, EventCancelRejected:
		return
	}
	trail.Final = e.Status
	if e.Status.IsTerminal() {
		trail.ClosedAt = e.Timestamp
	}
}

func (fs *ForensicsSink) Trail(id OrderID) (*OrderTrail, bool) {
	trail, exists := fs.trails[id]
	return trail, exists
}

// Trails returns every trail in first-seen order.
func (fs *ForensicsSink) Trails() []*OrderTrail {
	out := make([]*OrderTrail, 0, len(fs.order))
	for _, id := range fs.order {
		out = append(out, fs.trails[id])
	}
	return out
}

// Outcomes counts trails per final status.
func (fs *ForensicsSink) Outcomes() map[OrderStatus]int {
	out := make(map[OrderStatus]int)
	for _, t := range fs.trails {
		out[t.Final]++
	}
	return out
}

// Slowest returns up to n filled orders that rested the longest.
func (fs *ForensicsSink) Slowest(n int) []*OrderTrail {
	var filled []*OrderTrail
	for _, id := range fs.order {
		if t := fs.trails[id]; t.Final == StatusFilled {
			filled = append(filled, t)
		}
	}
	sort.SliceStable(filled, func(i, j int) bool { return filled[i].Duration() > filled[j].Duration() })
	if len(filled) > n {
		filled = filled[:n]
	}
	return filled
}
