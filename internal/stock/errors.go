package stock

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies ledger failures.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindInsufficientStock Kind = "INSUFFICIENT_STOCK"
	KindInvalidAdjustment Kind = "INVALID_ADJUSTMENT"
	KindInvalidState      Kind = "INVALID_STATE"
	KindContention        Kind = "CONTENTION"
	KindValidation        Kind = "VALIDATION_ERROR"
	KindInternal          Kind = "INTERNAL"
)

// Error is the ledger's domain error. It matches the sentinel of its kind under errors.Is.
type Error struct {
	Kind        Kind
	Op          string
	Message     string
	ProductID   int64
	WarehouseID int64
	OrderID     int64
	Requested   int64
	Available   int64
	Reserved    int64
	Err         error
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "stock: not found"}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock, Message: "stock: insufficient stock"}
	ErrInvalidAdjustment = &Error{Kind: KindInvalidAdjustment, Message: "stock: invalid adjustment"}
	ErrInvalidState      = &Error{Kind: KindInvalidState, Message: "stock: invalid state"}
	ErrContention        = &Error{Kind: KindContention, Message: "stock: contention"}
	ErrValidation        = &Error{Kind: KindValidation, Message: "stock: validation failed"}
	ErrInternal          = &Error{Kind: KindInternal, Message: "stock: internal error"}
)

// Repository level sentinels, translated by the service.
var (
	// ErrEntryNotFound indicates a missing stock_entries row.
	ErrEntryNotFound = errors.New("stock entry not found")
	// ErrEntryExists indicates a duplicate (product, warehouse) pair.
	ErrEntryExists = errors.New("stock entry already exists")
)

func (e *Error) Error() string {
	if e.Kind == KindInternal && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientStock, KindInvalidState:
		return http.StatusConflict
	case KindInvalidAdjustment:
		return http.StatusUnprocessableEntity
	case KindContention:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether repeating the call may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindContention
}

// KindOf extracts the kind of err; unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

func notFound(key EntryKey) *Error {
	return &Error{
		Kind:        KindNotFound,
		Message:     fmt.Sprintf("stock: no entry for product %d at warehouse %d", key.ProductID, key.WarehouseID),
		ProductID:   key.ProductID,
		WarehouseID: key.WarehouseID,
	}
}

func notFoundID(id int64) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("stock: entry %d not found", id)}
}

func insufficientStock(key EntryKey, requested int64, e Entry) *Error {
	return &Error{
		Kind: KindInsufficientStock,
		Message: fmt.Sprintf("stock: product %d at warehouse %d has %d available (%d reserved), %d requested",
			key.ProductID, key.WarehouseID, e.Available(), e.Reserved, requested),
		ProductID:   key.ProductID,
		WarehouseID: key.WarehouseID,
		Requested:   requested,
		Available:   e.Available(),
		Reserved:    e.Reserved,
	}
}

func invalidAdjustment(e Entry, delta int64) *Error {
	return &Error{
		Kind: KindInvalidAdjustment,
		Message: fmt.Sprintf("stock: adjusting product %d at warehouse %d by %d leaves %d units, below the %d reserved",
			e.ProductID, e.WarehouseID, delta, e.Quantity+delta, e.Reserved),
		ProductID:   e.ProductID,
		WarehouseID: e.WarehouseID,
		Requested:   delta,
		Available:   e.Available(),
		Reserved:    e.Reserved,
	}
}

func invalidState(orderID int64, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, OrderID: orderID, Message: "stock: " + fmt.Sprintf(format, args...)}
}

func validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: "stock: " + fmt.Sprintf(format, args...)}
}

func contention(op string, err error) *Error {
	return &Error{Kind: KindContention, Op: op, Message: fmt.Sprintf("stock: %s: stock rows are busy, retry later", op), Err: err}
}

func internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: fmt.Sprintf("stock: %s failed", op), Err: err}
}
