package engine

// Consumer receives the events of the context it subscribed to.
type Consumer interface {
	OnEvent(Event)
}

type ConsumerFunc func(Event)

func (f ConsumerFunc) OnEvent(e Event) { f(e) }

// Sink receives every event, unfiltered.
type Sink interface {
	Record(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Record(e Event) { f(e) }

// Dispatcher routes events to the consumers of their strategy context and
// copies all of them to the audit sinks. Delivery is synchronous.
type Dispatcher struct {
	contexts  []StrategyID
	consumers map[StrategyID][]Consumer
	sinks     []Sink
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{consumers: make(map[StrategyID][]Consumer)}
}

// Subscribe adds c to the context. Several consumers may share a context;
// each sees the full sequence in subscription order.
func (d *Dispatcher) Subscribe(ctx StrategyID, c Consumer) {
	if _, ok := d.consumers[ctx]; !ok {
		d.contexts = append(d.contexts, ctx)
	}
	d.consumers[ctx] = append(d.consumers[ctx], c)
}

func (d *Dispatcher) AddSink(s Sink) { d.sinks = append(d.sinks, s) }

// Contexts lists the subscribed contexts in registration order.
func (d *Dispatcher) Contexts() []StrategyID {
	out := make([]StrategyID, len(d.contexts))
	copy(out, d.contexts)
	return out
}

// Dispatch records e in every sink, then delivers it. Events without a
// strategy context go to every consumer.
func (d *Dispatcher) Dispatch(e Event) {
	for _, s := range d.sinks {
		s.Record(e)
	}
	if e.StrategyID != "" {
		for _, c := range d.consumers[e.StrategyID] {
			c.OnEvent(e)
		}
		return
	}
	for _, ctx := range d.contexts {
		for _, c := range d.consumers[ctx] {
			c.OnEvent(e)
		}
	}
}
