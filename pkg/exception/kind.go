package exception

import (
	"errors"
	"strings"
)

// Kind classifies an engine failure. Callers branch on the kind, never on
// the message.
type Kind uint8

const (
	_kind_beg Kind = iota
	KindConnectorUnavailable
	KindInsufficientBalance
	KindRateLimited
	KindAckTimeout
	KindNotFoundOnExchange
	KindDrift
	KindFatal
	KindInvalidRequest
	KindUnknownOrder
	KindOrderTerminal
	KindExchangeRejected
	_kind_end
)

func (k Kind) IsAvailable() bool {
	return k > _kind_beg && k < _kind_end
}

func (k Kind) String() string {
	switch k {
	case KindConnectorUnavailable:
		return "ConnectorUnavailable"
	case KindInsufficientBalance:
		return "InsufficientBalance"
	case KindRateLimited:
		return "RateLimited"
	case KindAckTimeout:
		return "AckTimeout"
	case KindNotFoundOnExchange:
		return "NotFoundOnExchange"
	case KindDrift:
		return "Drift"
	case KindFatal:
		return "Fatal"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindUnknownOrder:
		return "UnknownOrder"
	case KindOrderTerminal:
		return "OrderTerminal"
	case KindExchangeRejected:
		return "ExchangeRejected"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the failed operation may be attempted again
// without operator intervention.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectorUnavailable, KindRateLimited, KindAckTimeout:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrConnectorUnavailable = &Error{Kind: KindConnectorUnavailable}
	ErrInsufficientBalance  = &Error{Kind: KindInsufficientBalance}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrAckTimeout           = &Error{Kind: KindAckTimeout}
	ErrNotFoundOnExchange   = &Error{Kind: KindNotFoundOnExchange}
	ErrDrift                = &Error{Kind: KindDrift}
	ErrFatal                = &Error{Kind: KindFatal}
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
	ErrUnknownOrder         = &Error{Kind: KindUnknownOrder}
	ErrOrderTerminal        = &Error{Kind: KindOrderTerminal}
	ErrExchangeRejected     = &Error{Kind: KindExchangeRejected}
)

// Error is the typed failure returned across engine boundaries.
type Error struct {
	Kind     Kind
	Op       string
	Exchange string
	OrderID  string
	Err      error
}

// New creates a typed error. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) WithExchange(exchange string) *Error {
	e.Exchange = exchange
	return e
}

func (e *Error) WithOrder(orderID string) *Error {
	e.OrderID = orderID
	return e
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	if e.Exchange != "" {
		sb.WriteString(", exchange: ")
		sb.WriteString(e.Exchange)
	}
	if e.OrderID != "" {
		sb.WriteString(", order: ")
		sb.WriteString(e.OrderID)
	}
	if e.Err != nil {
		sb.WriteString(", err: ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return _kind_beg
}

// IsKind reports whether err carries one of kinds.
func IsKind(err error, kinds ...Kind) bool {
	k := KindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
