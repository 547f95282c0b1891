package engine

import "errors"

// Submission failures surface as REJECTED events, modify/cancel failures as
// returned errors. Time index misuse and ledger violations abort the run.
var (
	ErrInvalidPrice       = errors.New("invalid price")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrOutOfRange         = errors.New("time outside index range")
	ErrUnpositioned       = errors.New("time index not positioned")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrUnknownOrder       = errors.New("unknown order")

	ErrEndOfData         = errors.New("end of data")
	ErrInvalidStep       = errors.New("invalid iteration step")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrNoMarket          = errors.New("no market data")
	ErrDuplicateOrder    = errors.New("duplicate order id")
	ErrInvalidPosition   = errors.New("position belongs to another symbol")
	ErrInvalidConfig     = errors.New("invalid engine config")
	ErrLedgerViolation   = errors.New("ledger invariant violated")
	ErrBusy              = errors.New("engine is mid-step")
	ErrIllegalTransition = errors.New("illegal order transition")
	ErrInvalidExpiry     = errors.New("invalid order expiry")
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrInvalidSide       = errors.New("invalid order side")
	ErrInvalidOrder      = errors.New("invalid order")
)

// RejectReason is the code carried by rejection events.
type RejectReason string

const (
	ReasonNone               RejectReason = ""
	ReasonInvalidPrice       RejectReason = "INVALID_PRICE"
	ReasonInvalidQuantity    RejectReason = "INVALID_QUANTITY"
	ReasonInsufficientMargin RejectReason = "INSUFFICIENT_MARGIN"
	ReasonUnknownInstrument  RejectReason = "UNKNOWN_INSTRUMENT"
	ReasonNoMarket           RejectReason = "NO_MARKET"
	ReasonUnknownOrder       RejectReason = "UNKNOWN_ORDER"
	ReasonInvalidPosition    RejectReason = "INVALID_POSITION"
	ReasonInvalidExpiry      RejectReason = "INVALID_EXPIRY"
	ReasonInvalidSide        RejectReason = "INVALID_SIDE"
	ReasonInvalidOrder       RejectReason = "INVALID_ORDER"
)

// ReasonFor maps an error to the rejection code reported to strategies.
func ReasonFor(err error) RejectReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrInvalidPrice):
		return ReasonInvalidPrice
	case errors.Is(err, ErrInvalidQuantity):
		return ReasonInvalidQuantity
	case errors.Is(err, ErrInsufficientMargin):
		return ReasonInsufficientMargin
	case errors.Is(err, ErrUnknownInstrument):
		return ReasonUnknownInstrument
	case errors.Is(err, ErrNoMarket):
		return ReasonNoMarket
	case errors.Is(err, ErrInvalidPosition):
		return ReasonInvalidPosition
	case errors.Is(err, ErrInvalidExpiry):
		return ReasonInvalidExpiry
	case errors.Is(err, ErrInvalidSide):
		return ReasonInvalidSide
	case errors.Is(err, ErrUnknownOrder):
		return ReasonUnknownOrder
	default:
		return ReasonInvalidOrder
	}
}

// IsFatal reports whether err means the replay is corrupted and must stop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrUnpositioned) ||
		errors.Is(err, ErrLedgerViolation) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInvalidConfig)
}
