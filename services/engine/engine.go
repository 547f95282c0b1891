package engine

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdModify
	cmdCancel
	cmdInquiry
)

type command struct {
	kind     commandKind
	order    Order
	position PositionID
	id       OrderID
	price    decimal.Decimal
}

// Engine drives the replay: it owns the clock, the orders, the ledger and
// the dispatcher. Step and the command methods may be called from any
// goroutine; a command issued while the engine is busy is queued and applied
// at the next step. Read accessors are meant for callbacks and the driving
// goroutine.
type Engine struct {
	log        *zap.Logger
	catalog    *Catalog
	data       MarketData
	index      *TimeIndex
	matcher    *Matcher
	ledger     *Ledger
	dispatcher *Dispatcher
	events     *EventLog
	snapshot   ConfigSnapshot
	runID      string
	namespace  uuid.UUID

	strategies []Strategy
	orders     map[OrderID]*Order
	orderSeq   []OrderID
	working    []*Order
	seq        uint64
	steps      int
	started    bool
	startedAt  time.Time
	autoID     atomic.Uint64

	busy     atomic.Bool
	mu       sync.Mutex
	queue    []command
	reserved map[OrderID]struct{}
}

func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog, err := NewCatalog(cfg.Instruments...)
	if err != nil {
		return nil, err
	}
	data := make(MarketData, len(cfg.Data))
	for symbol, sd := range cfg.Data {
		inst, err := catalog.Get(symbol)
		if err != nil {
			return nil, fmt.Errorf("market data: %w", err)
		}
		if data[symbol], err = quantizeSymbol(inst, sd); err != nil {
			return nil, fmt.Errorf("market data %s: %w", symbol, err)
		}
	}
	index, err := NewTimeIndex(data)
	if err != nil {
		return nil, err
	}
	slippage, err := NewSlippageModel(catalog, cfg.SlippageTicks, cfg.DefaultSlippageTicks)
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedger(catalog, cfg.StartingCapital)
	if err != nil {
		return nil, err
	}

	snapshot := cfg.Snapshot()
	runID := cfg.RunID
	if runID == "" {
		runID = snapshot.ConfigHash[:16]
	}
	e := &Engine{
		log:        logger.With(zap.String("run_id", runID)),
		catalog:    catalog,
		data:       data,
		index:      index,
		matcher:    NewMatcher(catalog, slippage),
		ledger:     ledger,
		dispatcher: NewDispatcher(),
		events:     &EventLog{},
		snapshot:   snapshot,
		runID:      runID,
		namespace:  uuid.NewSHA1(uuid.NameSpaceURL, []byte("backtest-exec/run/"+runID)),
		orders:     make(map[OrderID]*Order),
		reserved:   make(map[OrderID]struct{}),
	}
	e.matcher.Guard = func(o *Order) error {
		return e.ledger.CheckPosition(PositionKey{Strategy: o.StrategyID, ID: o.PositionID}, o.Symbol)
	}

	if gaps := index.Gaps(); len(gaps) > 0 {
		e.log.Warn("gaps in time index", zap.Int("gaps", len(gaps)), zap.Time("first_gap", gaps[0]), zap.Duration("step", index.Step()))
	}
	e.log.Info("engine created",
		zap.Strings("symbols", catalog.Symbols()),
		zap.Int("observations", index.Len()),
		zap.Time("first", index.First()),
		zap.Time("last", index.Last()),
		zap.String("config_hash", snapshot.ConfigHash))
	return e, nil
}

// quantizeSymbol snaps every bar to the instrument's tick grid.
func quantizeSymbol(inst Instrument, sd SymbolData) (SymbolData, error) {
	q := func(s Series) []Bar {
		out := make([]Bar, len(s.bars))
		for i, b := range s.bars {
			out[i] = Bar{
				Timestamp: b.Timestamp,
				Open:      inst.Quantize(b.Open).Decimal(),
				High:      inst.Quantize(b.High).Decimal(),
				Low:       inst.Quantize(b.Low).Decimal(),
				Close:     inst.Quantize(b.Close).Decimal(),
			}
		}
		return out
	}
	return NewSymbolData(q(sd.Bid), q(sd.Ask))
}

func (e *Engine) RunID() string                  { return e.runID }
func (e *Engine) Snapshot() ConfigSnapshot       { return e.snapshot }
func (e *Engine) Catalog() *Catalog              { return e.catalog }
func (e *Engine) Index() *TimeIndex              { return e.index }
func (e *Engine) Steps() int                     { return e.steps }
func (e *Engine) Account() AccountState          { return e.ledger.Account() }
func (e *Engine) Positions() []Position          { return e.ledger.Positions() }
func (e *Engine) Events() []Event                { return e.events.Snapshot() }
func (e *Engine) Digest() string                 { return e.events.Digest() }
func (e *Engine) TimeNow() (time.Time, error)    { return e.index.TimeNow() }
func (e *Engine) Iteration() (int, error)        { return e.index.Iteration() }
func (e *Engine) Symbols() []string              { return e.catalog.Symbols() }
func (e *Engine) UnrealizedPnL() decimal.Decimal { return e.ledger.UnrealizedPnL() }

// RegisterStrategy subscribes s to its own context.
func (e *Engine) RegisterStrategy(s Strategy) error {
	if e.busy.Load() {
		return ErrBusy
	}
	id := s.ID()
	if id == "" {
		return fmt.Errorf("%w: strategy without id", ErrInvalidConfig)
	}
	for _, existing := range e.strategies {
		if existing.ID() == id {
			return fmt.Errorf("%w: duplicate strategy %s", ErrInvalidConfig, id)
		}
	}
	e.mu.Lock()
	e.strategies = append(e.strategies, s)
	e.mu.Unlock()
	e.dispatcher.Subscribe(id, s)
	e.log.Debug("strategy registered", zap.String("strategy_id", string(id)))
	return nil
}

// Subscribe adds a consumer to an existing strategy context.
func (e *Engine) Subscribe(ctx StrategyID, c Consumer) error {
	if !e.registered(ctx) {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, ctx)
	}
	e.dispatcher.Subscribe(ctx, c)
	return nil
}

func (e *Engine) AddSink(s Sink) { e.dispatcher.AddSink(s) }

func (e *Engine) registered(id StrategyID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.strategies {
		if s.ID() == id {
			return true
		}
	}
	return false
}

// SetInitialIteration positions the clock before the run starts.
func (e *Engine) SetInitialIteration(start time.Time, step time.Duration) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.busy.Store(false)
	if e.index.Exhausted() {
		return ErrEndOfData
	}
	if e.started {
		return fmt.Errorf("%w: engine already started at %s", ErrInvalidConfig, e.startedAt.Format(time.RFC3339))
	}
	if err := e.index.SetInitialIteration(start, step); err != nil {
		return err
	}
	now, _ := e.index.TimeNow()
	e.start(now)
	return e.apply(e.takeQueue(), now)
}

// start emits the initial account state and lets strategies place their
// first orders. It runs once, at the first positioning of the clock.
func (e *Engine) start(now time.Time) {
	if e.started {
		return
	}
	e.started = true
	e.startedAt = now
	e.emit(accountEvent(e.ledger.Account(), "", now))
	for _, s := range e.strategies {
		if st, ok := s.(Starter); ok {
			st.OnStart(e)
		}
	}
}

// Step advances the clock by one index entry, evaluates working orders in
// submission order, marks positions, applies the commands queued before the
// step and finally notifies step observers.
func (e *Engine) Step() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer e.busy.Store(false)

	now, err := e.index.Advance()
	if err != nil {
		return err
	}
	e.steps++
	e.start(now)
	pending := e.takeQueue()

	if err := e.evaluate(now); err != nil {
		return err
	}
	e.mark(now)
	if err := e.apply(pending, now); err != nil {
		return err
	}
	for _, s := range e.strategies {
		if obs, ok := s.(StepObserver); ok {
			obs.OnStep(now, e)
		}
	}
	return nil
}

func (e *Engine) evaluate(now time.Time) error {
	live := make([]*Order, 0, len(e.working))
	for _, o := range e.working {
		if o.Status != StatusWorking {
			continue
		}
		q, _ := e.quote(o.Symbol, now)
		out, err := e.matcher.Evaluate(o, q, now)
		e.emitAll(out.Events)
		if err != nil {
			return err
		}
		if out.Fill != nil {
			if err := e.settle(o, out.Fill, now); err != nil {
				return err
			}
		}
		if o.Status == StatusWorking {
			live = append(live, o)
		}
	}
	e.working = live
	return nil
}

func (e *Engine) mark(now time.Time) {
	for _, symbol := range e.catalog.Symbols() {
		q, err := e.quote(symbol, now)
		if err != nil {
			continue
		}
		e.ledger.Mark(symbol, q.Bid.Close, q.Ask.Close)
	}
}

func (e *Engine) takeQueue() []command {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queue
	e.queue = nil
	return q
}

func (e *Engine) enqueue(c command) {
	e.mu.Lock()
	e.queue = append(e.queue, c)
	e.mu.Unlock()
}

// Pending is the number of queued commands.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// apply runs queued commands. Only fatal errors stop the batch.
func (e *Engine) apply(cmds []command, now time.Time) error {
	for _, c := range cmds {
		if err := e.exec(c, now); err != nil {
			if IsFatal(err) {
				return err
			}
			e.log.Warn("queued command failed", zap.Error(err))
		}
	}
	return nil
}

// run executes c now when the engine is idle, or queues it.
func (e *Engine) run(c command) (queued bool, err error) {
	if !e.busy.CompareAndSwap(false, true) {
		e.enqueue(c)
		return true, nil
	}
	defer e.busy.Store(false)
	now, err := e.index.TimeNow()
	if err != nil {
		return false, err
	}
	return false, e.exec(c, now)
}

func (e *Engine) exec(c command, now time.Time) error {
	switch c.kind {
	case cmdSubmit:
		return e.submit(c.order, c.position, now)
	case cmdModify:
		return e.modify(c.id, c.price, now)
	case cmdCancel:
		return e.cancel(c.id, now)
	case cmdInquiry:
		state := e.ledger.RecordInquiry()
		e.emit(accountEvent(state, "", now))
		return nil
	}
	return fmt.Errorf("unknown command %d", c.kind)
}

// SubmitOrder submits o under position. An empty position nets the order
// with the strategy's other orders in the same symbol. Validation failures
// are reported as REJECTED events, not errors. A duplicate id or an
// unregistered strategy fails here, even when the command is queued.
func (e *Engine) SubmitOrder(o Order, position PositionID) (OrderID, error) {
	if o.ID == "" {
		o.ID = OrderID(fmt.Sprintf("O-%s-auto-%d", o.StrategyID, e.autoID.Add(1)))
	}
	if !e.registered(o.StrategyID) {
		return o.ID, fmt.Errorf("%w: %q submitting %s", ErrUnknownStrategy, o.StrategyID, o.ID)
	}
	if err := e.reserve(o.ID); err != nil {
		return o.ID, err
	}
	if _, err := e.run(command{kind: cmdSubmit, order: o, position: position}); err != nil {
		e.mu.Lock()
		delete(e.reserved, o.ID)
		e.mu.Unlock()
		return o.ID, err
	}
	return o.ID, nil
}

// reserve claims id for one submission.
func (e *Engine) reserve(id OrderID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.reserved[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, id)
	}
	e.reserved[id] = struct{}{}
	return nil
}

// ModifyOrder changes the trigger price of a WORKING order. When the command
// is queued, failures surface only as MODIFY_REJECTED events.
func (e *Engine) ModifyOrder(id OrderID, price decimal.Decimal) error {
	_, err := e.run(command{kind: cmdModify, id: id, price: price})
	return err
}

func (e *Engine) CancelOrder(id OrderID) error {
	_, err := e.run(command{kind: cmdCancel, id: id})
	return err
}

// CollateralInquiry emits the current account state to every context.
func (e *Engine) CollateralInquiry() error {
	_, err := e.run(command{kind: cmdInquiry})
	return err
}

// submit runs o through the state machine as a new order. Lifecycle fields
// carried over from a copy of another order are cleared first.
func (e *Engine) submit(o Order, position PositionID, now time.Time) error {
	if _, dup := e.orders[o.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	if position == "" {
		position = PositionID(o.Symbol)
	}
	o.PositionID = position
	o.Status = StatusInitialized
	o.FilledQuantity = decimal.Zero
	o.AveragePrice = Price{}
	o.RejectReason = ReasonNone
	o.SubmittedAt = time.Time{}
	o.UpdatedAt = time.Time{}
	order := &o

	q, _ := e.quote(o.Symbol, now)
	out, err := e.matcher.Submit(order, q, now)
	if err != nil {
		return err
	}
	e.orders[o.ID] = order
	e.orderSeq = append(e.orderSeq, o.ID)
	e.emitAll(out.Events)
	if out.Fill != nil {
		return e.settle(order, out.Fill, now)
	}
	if order.Status == StatusWorking {
		e.working = append(e.working, order)
	}
	if order.Status == StatusRejected {
		e.log.Debug("order rejected", zap.String("order_id", string(o.ID)), zap.String("reason", string(order.RejectReason)))
	}
	return nil
}

func (e *Engine) modify(id OrderID, price decimal.Decimal, now time.Time) error {
	o, ok := e.orders[id]
	if !ok {
		e.log.Warn("modify of unknown order", zap.String("order_id", string(id)))
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	q, _ := e.quote(o.Symbol, now)
	out, err := e.matcher.Modify(o, price, q, now)
	e.emitAll(out.Events)
	return err
}

func (e *Engine) cancel(id OrderID, now time.Time) error {
	o, ok := e.orders[id]
	if !ok {
		e.log.Warn("cancel of unknown order", zap.String("order_id", string(id)))
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	out, err := e.matcher.Cancel(o, now)
	e.emitAll(out.Events)
	return err
}

// settle books a pending fill. A fill the ledger refuses turns into a
// rejection of the order.
func (e *Engine) settle(o *Order, f *Fill, now time.Time) error {
	inst, err := e.catalog.Get(o.Symbol)
	if err != nil {
		return err
	}
	commission := inst.Fee(f.Price.Decimal().Mul(f.Quantity), f.Maker)
	state, err := e.ledger.ApplyFill(FillRecord{
		Key:        PositionKey{Strategy: o.StrategyID, ID: o.PositionID},
		Symbol:     o.Symbol,
		Side:       o.Side,
		Price:      f.Price.Decimal(),
		Quantity:   f.Quantity,
		Commission: commission,
		Time:       now,
	})
	if errors.Is(err, ErrInsufficientMargin) || errors.Is(err, ErrInvalidPosition) {
		e.log.Info("fill refused by ledger", zap.String("order_id", string(o.ID)), zap.Error(err))
		ev, terr := e.matcher.Reject(o, ReasonFor(err), now)
		if terr != nil {
			return terr
		}
		e.emit(ev)
		return nil
	}
	if err != nil {
		return err
	}
	ev, err := e.matcher.Filled(o, f, commission, now)
	if err != nil {
		return err
	}
	e.emit(ev)
	e.emit(accountEvent(state, o.StrategyID, now))
	return nil
}

func (e *Engine) emit(ev Event) {
	e.seq++
	ev.Seq = e.seq
	ev.ID = uuid.NewSHA1(e.namespace, []byte(strconv.FormatUint(e.seq, 10)))
	e.events.Append(ev)
	e.dispatcher.Dispatch(ev)
}

func (e *Engine) emitAll(evs []Event) {
	for _, ev := range evs {
		e.emit(ev)
	}
}

func (e *Engine) quote(symbol string, now time.Time) (Quote, error) {
	sd, ok := e.data[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoMarket, symbol)
	}
	return sd.QuoteAt(symbol, now)
}

// Quote returns the current bid/ask of symbol.
func (e *Engine) Quote(symbol string) (Quote, error) {
	now, err := e.index.TimeNow()
	if err != nil {
		return Quote{}, err
	}
	return e.quote(symbol, now)
}

// Order returns a copy of the order.
func (e *Engine) Order(id OrderID) (Order, bool) {
	o, ok := e.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Orders returns copies of every order in submission order.
func (e *Engine) Orders() []Order {
	out := make([]Order, 0, len(e.orderSeq))
	for _, id := range e.orderSeq {
		out = append(out, *e.orders[id])
	}
	return out
}

// WorkingOrders returns copies of the live resting orders.
func (e *Engine) WorkingOrders() []Order {
	var out []Order
	for _, o := range e.working {
		if o.Status == StatusWorking {
			out = append(out, *o)
		}
	}
	return out
}

func (e *Engine) Position(strategy StrategyID, id PositionID) (Position, bool) {
	return e.ledger.Position(PositionKey{Strategy: strategy, ID: id})
}
