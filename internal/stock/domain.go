package stock

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultLowStockThreshold flags entries whose available stock drops below 20 units.
const DefaultLowStockThreshold int64 = 20

// EntryKey is the composite identity of a stock entry.
type EntryKey struct {
	ProductID   int64
	WarehouseID int64
}

// Less orders keys by product then warehouse. Rows are always locked in this order.
func (k EntryKey) Less(other EntryKey) bool {
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	return k.WarehouseID < other.WarehouseID
}

func sortKeys(keys []EntryKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// Entry is the (product, warehouse) record holding physical and reserved units.
// 0 <= Reserved <= Quantity holds at rest and after every ledger transition.
type Entry struct {
	ID          int64     `json:"id"`
	ProductID   int64     `json:"product_id"`
	WarehouseID int64     `json:"warehouse_id"`
	Quantity    int64     `json:"quantity"`
	Reserved    int64     `json:"reserved"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key returns the composite key of the entry.
func (e Entry) Key() EntryKey {
	return EntryKey{ProductID: e.ProductID, WarehouseID: e.WarehouseID}
}

// Available is the sellable remainder.
func (e Entry) Available() int64 {
	return e.Quantity - e.Reserved
}

// MarshalJSON adds the derived available field.
func (e Entry) MarshalJSON() ([]byte, error) {
	type entry Entry
	return json.Marshal(struct {
		entry
		Available int64 `json:"available"`
	}{entry: entry(e), Available: e.Available()})
}

// LineItem is one order line supplied by the order collaborator.
type LineItem struct {
	OrderID     int64 `json:"order_id"`
	ProductID   int64 `json:"product_id"`
	WarehouseID int64 `json:"warehouse_id"`
	Quantity    int64 `json:"quantity"`
}

// Key returns the stock entry the line draws from.
func (l LineItem) Key() EntryKey {
	return EntryKey{ProductID: l.ProductID, WarehouseID: l.WarehouseID}
}

// ReservationState tracks one reserved order line.
type ReservationState string

const (
	// ReservationReserved holds units against an unpaid order.
	ReservationReserved ReservationState = "RESERVED"
	// ReservationConsumed means payment was confirmed and the units left stock.
	ReservationConsumed ReservationState = "CONSUMED"
	// ReservationReleased means the hold was returned to available stock.
	ReservationReleased ReservationState = "RELEASED"
	// ReservationRefunded means consumed units were returned to stock.
	ReservationRefunded ReservationState = "REFUNDED"
)

// Reservation attributes reserved units to a specific order line.
type Reservation struct {
	ID          uuid.UUID        `json:"id"`
	OrderID     int64            `json:"order_id"`
	ProductID   int64            `json:"product_id"`
	WarehouseID int64            `json:"warehouse_id"`
	Quantity    int64            `json:"quantity"`
	State       ReservationState `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Key returns the stock entry the reservation is held against.
func (r Reservation) Key() EntryKey {
	return EntryKey{ProductID: r.ProductID, WarehouseID: r.WarehouseID}
}

// MovementKind enumerates ledger movements.
type MovementKind string

const (
	MovementCreate      MovementKind = "CREATE"
	MovementReserve     MovementKind = "RESERVE"
	MovementConsume     MovementKind = "CONSUME"
	MovementRelease     MovementKind = "RELEASE"
	MovementRefund      MovementKind = "REFUND"
	MovementAdjust      MovementKind = "ADJUST"
	MovementTransferOut MovementKind = "TRANSFER_OUT"
	MovementTransferIn  MovementKind = "TRANSFER_IN"
)

// Movement is one row of the stock card: how a single entry changed and why.
type Movement struct {
	ID            int64        `json:"id"`
	EntryID       int64        `json:"entry_id"`
	ProductID     int64        `json:"product_id"`
	WarehouseID   int64        `json:"warehouse_id"`
	OrderID       int64        `json:"order_id,omitempty"`
	Kind          MovementKind `json:"kind"`
	QuantityDelta int64        `json:"quantity_delta"`
	ReservedDelta int64        `json:"reserved_delta"`
	QuantityAfter int64        `json:"quantity_after"`
	ReservedAfter int64        `json:"reserved_after"`
	Reason        string       `json:"reason"`
	Actor         string       `json:"actor"`
	CreatedAt     time.Time    `json:"created_at"`
}

// WarehouseStock is the per-warehouse line of a summary.
type WarehouseStock struct {
	EntryID     int64 `json:"entry_id"`
	WarehouseID int64 `json:"warehouse_id"`
	Quantity    int64 `json:"quantity"`
	Reserved    int64 `json:"reserved"`
	Available   int64 `json:"available"`
	LowStock    bool  `json:"low_stock"`
	OutOfStock  bool  `json:"out_of_stock"`
}

// Summary aggregates a product across warehouses.
type Summary struct {
	ProductID      int64            `json:"product_id"`
	TotalQuantity  int64            `json:"total_quantity"`
	TotalReserved  int64            `json:"total_reserved"`
	TotalAvailable int64            `json:"total_available"`
	Threshold      int64            `json:"low_stock_threshold"`
	LowStock       bool             `json:"low_stock"`
	OutOfStock     bool             `json:"out_of_stock"`
	Warehouses     []WarehouseStock `json:"warehouses"`
}

// SearchFilter narrows a paginated entry listing. Zero values mean "any".
// LowStock matches 0 < available < Threshold, OutOfStock matches available == 0 and
// BelowThreshold matches both.
type SearchFilter struct {
	ProductID      int64
	WarehouseID    int64
	LowStock       bool
	OutOfStock     bool
	BelowThreshold bool
	Threshold      int64
	Page           int
	PerPage        int
}

// MovementFilter selects stock card rows.
type MovementFilter struct {
	ProductID   int64
	WarehouseID int64
	OrderID     int64
	Limit       int
}

// Drift reports an entry whose reserved counter disagrees with its open reservations.
type Drift struct {
	EntryID         int64 `json:"entry_id"`
	ProductID       int64 `json:"product_id"`
	WarehouseID     int64 `json:"warehouse_id"`
	Reserved        int64 `json:"reserved"`
	OpenReservation int64 `json:"open_reservation"`
}

// LowStockAlert is emitted after a mutation leaves an entry below the threshold.
type LowStockAlert struct {
	EntryID     int64     `json:"entry_id"`
	ProductID   int64     `json:"product_id"`
	WarehouseID int64     `json:"warehouse_id"`
	Available   int64     `json:"available"`
	Threshold   int64     `json:"threshold"`
	At          time.Time `json:"at"`
}

// OrderInput addresses an order-keyed ledger operation.
type OrderInput struct {
	OrderID int64
	Reason  string
	Actor   string
}

// RefundInput carries the caller's view of the payment state.
type RefundInput struct {
	OrderInput
	PaymentConfirmed bool
}

// AdjustmentInput describes a manual correction of physical stock.
type AdjustmentInput struct {
	ProductID   int64
	WarehouseID int64
	Delta       int64
	Reason      string
	Actor       string
}

// TransferInput describes moving units between two warehouses.
type TransferInput struct {
	ProductID       int64
	FromWarehouseID int64
	ToWarehouseID   int64
	Quantity        int64
	Reason          string
	Actor           string
}

// CreateEntryInput registers a new (product, warehouse) pair.
type CreateEntryInput struct {
	ProductID   int64
	WarehouseID int64
	Quantity    int64
	Reason      string
	Actor       string
}

// DeleteEntryInput removes an entry without reservations.
type DeleteEntryInput struct {
	ID     int64
	Reason string
	Actor  string
}

// OrderResult is returned by order-keyed operations.
type OrderResult struct {
	OrderID      int64         `json:"order_id"`
	Entries      []Entry       `json:"entries"`
	Reservations []Reservation `json:"reservations"`
}

// TransferResult holds both sides of a transfer after commit.
type TransferResult struct {
	Source      Entry `json:"source"`
	Destination Entry `json:"destination"`
	Created     bool  `json:"destination_created"`
}
