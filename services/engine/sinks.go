package engine

import (
	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

// LogSink writes each event as a structured log line at Level.
type LogSink struct {
	Logger *zap.Logger
	Level  zap.AtomicLevel
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{Logger: logger, Level: zap.NewAtomicLevelAt(zap.DebugLevel)}
}

func (s *LogSink) Record(e Event) {
	fields := []zap.Field{
		zap.Uint64("seq", e.Seq),
		zap.String("kind", string(e.Kind)),
		zap.Time("ts", e.Timestamp),
	}
	if e.OrderID != "" {
		fields = append(fields,
			zap.String("order_id", string(e.OrderID)),
			zap.String("strategy_id", string(e.StrategyID)),
			zap.String("symbol", e.Symbol),
			zap.String("side", string(e.Side)),
			zap.Stringer("price", e.Price),
			zap.String("quantity", e.Quantity.String()),
		)
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", string(e.Reason)))
	}
	if e.Account != nil {
		fields = append(fields,
			zap.String("cash", e.Account.CashBalance.String()),
			zap.String("margin", e.Account.MarginUsed.String()),
			zap.String("free_equity", e.Account.FreeEquity.String()),
			zap.Int("event_count", e.Account.EventCount),
		)
	}
	if ce := s.Logger.Check(s.Level.Level(), "engine event"); ce != nil {
		ce.Write(fields...)
	}
}

// Bus topics. Every event is published on TopicEvent and on its kind.
const TopicEvent = "engine:event"

func KindTopic(k EventKind) string { return "engine:" + string(k) }

// BusSink republishes events on an in-process EventBus so that unrelated
// components can observe a run without being registered as strategies.
type BusSink struct {
	bus EventBus.Bus
}

func NewBusSink(bus EventBus.Bus) *BusSink {
	if bus == nil {
		bus = EventBus.New()
	}
	return &BusSink{bus: bus}
}

func (s *BusSink) Bus() EventBus.Bus { return s.bus }

func (s *BusSink) Record(e Event) {
	s.bus.Publish(TopicEvent, e)
	s.bus.Publish(KindTopic(e.Kind), e)
}
