package stock

import (
	"context"
	"errors"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Movement listing bounds.
const (
	DefaultMovementLimit = 100
	MaxMovementLimit     = 500
)

// GetByID loads an entry by surrogate id.
func (s *Service) GetByID(ctx context.Context, id int64) (Entry, error) {
	if id <= 0 {
		return Entry{}, validation("entry id must be positive")
	}
	entry, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return Entry{}, notFoundID(id)
	}
	if err != nil {
		return Entry{}, s.queryFailed(ctx, "get_entry", err)
	}
	return entry, nil
}

// GetByProductWarehouse loads the entry of one (product, warehouse) pair.
func (s *Service) GetByProductWarehouse(ctx context.Context, productID, warehouseID int64) (Entry, error) {
	if productID <= 0 || warehouseID <= 0 {
		return Entry{}, validation("product and warehouse are required")
	}
	key := EntryKey{ProductID: productID, WarehouseID: warehouseID}
	entry, err := s.repo.GetByKey(ctx, key)
	if errors.Is(err, ErrEntryNotFound) {
		return Entry{}, notFound(key)
	}
	if err != nil {
		return Entry{}, s.queryFailed(ctx, "get_entry", err)
	}
	return entry, nil
}

// ListByProduct lists the entries of a product across warehouses.
func (s *Service) ListByProduct(ctx context.Context, productID int64) ([]Entry, error) {
	if productID <= 0 {
		return nil, validation("product id must be positive")
	}
	entries, err := s.repo.ListByProduct(ctx, productID)
	if err != nil {
		return nil, s.queryFailed(ctx, "list_by_product", err)
	}
	return entries, nil
}

// ListByWarehouse lists the entries held by a warehouse.
func (s *Service) ListByWarehouse(ctx context.Context, warehouseID int64) ([]Entry, error) {
	if warehouseID <= 0 {
		return nil, validation("warehouse id must be positive")
	}
	entries, err := s.repo.ListByWarehouse(ctx, warehouseID)
	if err != nil {
		return nil, s.queryFailed(ctx, "list_by_warehouse", err)
	}
	return entries, nil
}

// Search returns one page of entries. Threshold defaults to the service threshold.
func (s *Service) Search(ctx context.Context, filter SearchFilter) ([]Entry, shared.Pagination, error) {
	if filter.ProductID < 0 || filter.WarehouseID < 0 {
		return nil, shared.Pagination{}, validation("product and warehouse filters must not be negative")
	}
	if filter.Threshold <= 0 {
		filter.Threshold = s.threshold
	}
	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	filter.Page, filter.PerPage = page, perPage
	offset := (page - 1) * perPage
	entries, total, err := s.repo.Search(ctx, filter, perPage, offset)
	if err != nil {
		return nil, shared.Pagination{}, s.queryFailed(ctx, "search", err)
	}
	return entries, shared.NewPagination(page, perPage, total), nil
}

// ListLowStock pages through entries whose available stock is below the threshold, out-of-stock included.
func (s *Service) ListLowStock(ctx context.Context, page, perPage int) ([]Entry, shared.Pagination, error) {
	return s.Search(ctx, SearchFilter{BelowThreshold: true, Page: page, PerPage: perPage})
}

// GetAvailableStock sums available units of a product over all warehouses.
func (s *Service) GetAvailableStock(ctx context.Context, productID int64) (int64, error) {
	summary, err := s.GetStockSummary(ctx, productID)
	if err != nil {
		return 0, err
	}
	return summary.TotalAvailable, nil
}

// GetStockSummary aggregates a product across warehouses. Results are cached until the next mutation.
func (s *Service) GetStockSummary(ctx context.Context, productID int64) (Summary, error) {
	if productID <= 0 {
		return Summary{}, validation("product id must be positive")
	}
	summary, err := s.cache.Summary(ctx, productID, s.threshold, func(ctx context.Context) (Summary, error) {
		entries, err := s.repo.ListByProduct(ctx, productID)
		if err != nil {
			return Summary{}, err
		}
		return BuildSummary(productID, entries, s.threshold), nil
	})
	if err != nil {
		return Summary{}, s.queryFailed(ctx, "summary", err)
	}
	return summary, nil
}

// BuildSummary totals entries of one product and flags low and empty stock.
func BuildSummary(productID int64, entries []Entry, threshold int64) Summary {
	summary := Summary{ProductID: productID, Threshold: threshold, Warehouses: make([]WarehouseStock, 0, len(entries))}
	for _, e := range entries {
		available := e.Available()
		summary.TotalQuantity += e.Quantity
		summary.TotalReserved += e.Reserved
		summary.TotalAvailable += available
		summary.Warehouses = append(summary.Warehouses, WarehouseStock{
			EntryID:     e.ID,
			WarehouseID: e.WarehouseID,
			Quantity:    e.Quantity,
			Reserved:    e.Reserved,
			Available:   available,
			LowStock:    isLowStock(available, threshold),
			OutOfStock:  available == 0,
		})
	}
	summary.LowStock = isLowStock(summary.TotalAvailable, threshold)
	summary.OutOfStock = summary.TotalAvailable == 0
	return summary
}

func isLowStock(available, threshold int64) bool {
	return available > 0 && available < threshold
}

// ListReservations returns every reservation record of an order.
func (s *Service) ListReservations(ctx context.Context, orderID int64) ([]Reservation, error) {
	if orderID <= 0 {
		return nil, validation("order id must be positive")
	}
	reservations, err := s.repo.ListReservations(ctx, orderID)
	if err != nil {
		return nil, s.queryFailed(ctx, "list_reservations", err)
	}
	return reservations, nil
}

// ListMovements returns the stock card of one entry, newest first.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.ProductID <= 0 || filter.WarehouseID <= 0 {
		return nil, validation("product and warehouse are required")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultMovementLimit
	case filter.Limit > MaxMovementLimit:
		filter.Limit = MaxMovementLimit
	}
	movements, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, s.queryFailed(ctx, "list_movements", err)
	}
	return movements, nil
}

// CheckReservationIntegrity lists entries whose reserved counter disagrees with open reservations.
func (s *Service) CheckReservationIntegrity(ctx context.Context) ([]Drift, error) {
	drifts, err := s.repo.ReservationDrift(ctx)
	if err != nil {
		return nil, s.queryFailed(ctx, "reservation_integrity", err)
	}
	return drifts, nil
}

func (s *Service) queryFailed(ctx context.Context, op string, err error) error {
	err = classify(op, err)
	s.logFailure(ctx, op, shared.ActorFromContext(ctx), err)
	return err
}
