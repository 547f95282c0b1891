// Package report summarises replay results and renders them as text tables.
package report

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/montanaflynn/stats"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"backtest-exec/services/engine"
)

// Summary is the headline view of one run.
type Summary struct {
	RunID  string `json:"run_id"`
	Digest string `json:"digest"`
	Steps  int    `json:"steps"`
	Events int    `json:"events"`

	Orders     map[engine.OrderStatus]int  `json:"orders"`
	Rejections map[engine.RejectReason]int `json:"rejections,omitempty"`
	Fills      int                         `json:"fills"`

	StartingCapital decimal.Decimal `json:"starting_capital"`
	CashBalance     decimal.Decimal `json:"cash_balance"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	Fees            decimal.Decimal `json:"fees"`
	NetPnL          decimal.Decimal `json:"net_pnl"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`

	// Closes are the realized P&L increments, one per reducing fill.
	Closes       int     `json:"closes"`
	WinRate      float64 `json:"win_rate"`
	MeanClose    float64 `json:"mean_close"`
	MedianClose  float64 `json:"median_close"`
	StdDevClose  float64 `json:"stddev_close"`
	MeanSlippage float64 `json:"mean_slippage"`
}

// Summarize walks the event log of res.
func Summarize(res *engine.Result) (Summary, error) {
	if res == nil {
		return Summary{}, errors.New("nil result")
	}
	s := Summary{
		RunID:           res.RunID,
		Digest:          res.Digest,
		Steps:           res.Steps,
		Events:          len(res.Events),
		Orders:          make(map[engine.OrderStatus]int),
		Rejections:      make(map[engine.RejectReason]int),
		StartingCapital: res.Account.StartingCapital,
		CashBalance:     res.Account.CashBalance,
		RealizedPnL:     res.Account.RealizedPnL,
		Fees:            res.Account.Fees,
	}
	for _, o := range res.Orders {
		s.Orders[o.Status]++
		if o.Status == engine.StatusRejected {
			s.Rejections[o.RejectReason]++
		}
	}
	for _, p := range res.Positions {
		s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL)
	}
	s.NetPnL = s.CashBalance.Sub(s.StartingCapital).Add(s.UnrealizedPnL)

	var (
		closes   []float64
		slips    []float64
		realized = decimal.Zero
		peak     = s.StartingCapital
	)
	for _, e := range res.Events {
		switch e.Kind {
		case engine.EventFilled:
			s.Fills++
			slips = append(slips, e.Slippage.InexactFloat64())
		case engine.EventAccountState:
			a := e.Account
			if a == nil {
				continue
			}
			if delta := a.RealizedPnL.Sub(realized); !delta.IsZero() {
				closes = append(closes, delta.InexactFloat64())
				realized = a.RealizedPnL
			}
			if a.CashBalance.GreaterThan(peak) {
				peak = a.CashBalance
			}
			if dd := peak.Sub(a.CashBalance); dd.GreaterThan(s.MaxDrawdown) {
				s.MaxDrawdown = dd
			}
		}
	}

	s.Closes = len(closes)
	if len(closes) > 0 {
		wins := 0
		for _, c := range closes {
			if c > 0 {
				wins++
			}
		}
		s.WinRate = float64(wins) / float64(len(closes))
		var err error
		if s.MeanClose, err = stats.Mean(closes); err != nil {
			return Summary{}, fmt.Errorf("mean: %w", err)
		}
		if s.MedianClose, err = stats.Median(closes); err != nil {
			return Summary{}, fmt.Errorf("median: %w", err)
		}
		if s.StdDevClose, err = stats.StandardDeviation(closes); err != nil {
			return Summary{}, fmt.Errorf("stddev: %w", err)
		}
	}
	if len(slips) > 0 {
		m, err := stats.Mean(slips)
		if err != nil {
			return Summary{}, fmt.Errorf("slippage mean: %w", err)
		}
		s.MeanSlippage = m
	}
	return s, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAlignment(tablewriter.ALIGN_RIGHT)
	return t
}

// Render writes the summary as a two-column table.
func (s Summary) Render(w io.Writer) {
	p := message.NewPrinter(language.English)
	money := func(d decimal.Decimal) string { return p.Sprintf("%.2f", d.InexactFloat64()) }

	t := newTable(w, "metric", "value")
	t.Append([]string{"run", s.RunID})
	t.Append([]string{"digest", s.Digest})
	t.Append([]string{"steps", p.Sprintf("%d", s.Steps)})
	t.Append([]string{"events", p.Sprintf("%d", s.Events)})
	t.Append([]string{"fills", p.Sprintf("%d", s.Fills)})
	for _, st := range sortedKeys(s.Orders) {
		t.Append([]string{"orders " + st, strconv.Itoa(s.Orders[engine.OrderStatus(st)])})
	}
	for _, r := range sortedKeys(s.Rejections) {
		t.Append([]string{"rejected " + r, strconv.Itoa(s.Rejections[engine.RejectReason(r)])})
	}
	t.Append([]string{"starting capital", money(s.StartingCapital)})
	t.Append([]string{"cash balance", money(s.CashBalance)})
	t.Append([]string{"realized pnl", money(s.RealizedPnL)})
	t.Append([]string{"unrealized pnl", money(s.UnrealizedPnL)})
	t.Append([]string{"fees", money(s.Fees)})
	t.Append([]string{"net pnl", money(s.NetPnL)})
	t.Append([]string{"max drawdown", money(s.MaxDrawdown)})
	t.Append([]string{"closes", strconv.Itoa(s.Closes)})
	t.Append([]string{"win rate", p.Sprintf("%.1f%%", s.WinRate*100)})
	t.Append([]string{"mean close", p.Sprintf("%.2f", s.MeanClose)})
	t.Append([]string{"median close", p.Sprintf("%.2f", s.MedianClose)})
	t.Append([]string{"stddev close", p.Sprintf("%.2f", s.StdDevClose)})
	t.Append([]string{"mean slippage", p.Sprintf("%.5f", s.MeanSlippage)})
	t.Render()
}

// RenderOrders writes one row per order in submission order.
func RenderOrders(w io.Writer, orders []engine.Order) {
	t := newTable(w, "id", "strategy", "symbol", "side", "type", "qty", "price", "status", "avg fill", "reason")
	for _, o := range orders {
		avg := ""
		if o.Status == engine.StatusFilled {
			avg = o.AveragePrice.String()
		}
		price := ""
		if o.Type.HasPrice() {
			price = o.Price.String()
		}
		t.Append([]string{
			string(o.ID), string(o.StrategyID), o.Symbol, string(o.Side), string(o.Type),
			o.Quantity.String(), price, string(o.Status), avg, string(o.RejectReason),
		})
	}
	t.Render()
}

// RenderPositions writes one row per position.
func RenderPositions(w io.Writer, positions []engine.Position) {
	t := newTable(w, "strategy", "position", "symbol", "side", "qty", "avg", "realized", "unrealized", "fees", "fills")
	for _, p := range positions {
		t.Append([]string{
			string(p.Key.Strategy), string(p.Key.ID), p.Symbol, p.Side(), p.Quantity.String(),
			p.AvgPrice.String(), p.RealizedPnL.StringFixed(2), p.UnrealizedPnL.StringFixed(2),
			p.Fees.StringFixed(2), strconv.Itoa(p.Fills),
		})
	}
	t.Render()
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
