package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetByID(ctx context.Context, id int64) (Entry, error)
	GetByKey(ctx context.Context, key EntryKey) (Entry, error)
	ListByProduct(ctx context.Context, productID int64) ([]Entry, error)
	ListByWarehouse(ctx context.Context, warehouseID int64) ([]Entry, error)
	Search(ctx context.Context, filter SearchFilter, limit, offset int) ([]Entry, int, error)
	ListReservations(ctx context.Context, orderID int64) ([]Reservation, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	ReservationDrift(ctx context.Context) ([]Drift, error)
}

// OrderLinesPort resolves the line items of an order.
type OrderLinesPort interface {
	Lines(ctx context.Context, orderID int64) ([]LineItem, error)
}

// CatalogPort validates product and warehouse ids.
type CatalogPort interface {
	ProductExists(ctx context.Context, productID int64) (bool, error)
	WarehouseExists(ctx context.Context, warehouseID int64) (bool, error)
}

// AuditSink receives one record per committed mutation.
type AuditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LowStockNotifier is told when a mutation leaves an entry below the threshold.
type LowStockNotifier interface {
	NotifyLowStock(ctx context.Context, alert LowStockAlert) error
}

// ServiceConfig groups optional collaborators and settings.
type ServiceConfig struct {
	LowStockThreshold int64
	Catalog           CatalogPort
	Notifier          LowStockNotifier
	Cache             *SummaryCache
	Metrics           *Metrics
	Logger            *slog.Logger
}

// Service is the inventory ledger. It is the only writer of stock entries.
type Service struct {
	repo      RepositoryPort
	orders    OrderLinesPort
	audit     AuditSink
	catalog   CatalogPort
	notifier  LowStockNotifier
	cache     *SummaryCache
	metrics   *Metrics
	logger    *slog.Logger
	threshold int64
	tracer    trace.Tracer
	printer   *message.Printer
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, orders OrderLinesPort, audit AuditSink, cfg ServiceConfig) *Service {
	threshold := cfg.LowStockThreshold
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		orders:    orders,
		audit:     audit,
		catalog:   cfg.Catalog,
		notifier:  cfg.Notifier,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		logger:    logger,
		threshold: threshold,
		tracer:    otel.Tracer("github.com/odyssey-erp/stockledger/internal/stock"),
		printer:   message.NewPrinter(language.English),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Threshold returns the configured low-stock threshold.
func (s *Service) Threshold() int64 {
	return s.threshold
}

// Reserve holds stock for every line of the order. The call is not idempotent:
// reserving the same order twice holds the units twice.
func (s *Service) Reserve(ctx context.Context, in OrderInput) (OrderResult, error) {
	if in.OrderID <= 0 {
		return OrderResult{}, validation("order id must be positive")
	}
	start := time.Now()
	lines, requested, keys, err := s.orderLines(ctx, in.OrderID)
	if err != nil {
		return OrderResult{}, s.reject(ctx, "reserve", in.Actor, start, err)
	}
	result := OrderResult{OrderID: in.OrderID}
	ch, err := s.mutate(ctx, "reserve", in.Actor, in.Reason, []attribute.KeyValue{attribute.Int64("order.id", in.OrderID)},
		func(ctx context.Context, tx TxRepository, ch *change) error {
			locked := make([]Entry, len(keys))
			for i, key := range keys {
				entry, err := tx.LockEntry(ctx, key)
				if errors.Is(err, ErrEntryNotFound) {
					return notFound(key)
				}
				if err != nil {
					return err
				}
				locked[i] = entry
			}
			for i, key := range keys {
				if locked[i].Available() < requested[key] {
					return insufficientStock(key, requested[key], locked[i])
				}
			}
			for i, key := range keys {
				updated, err := s.apply(ctx, tx, ch, locked[i], 0, requested[key], MovementReserve, in.OrderID)
				if err != nil {
					return err
				}
				result.Entries = append(result.Entries, updated)
			}

			now := s.now()
			reservations := make([]Reservation, 0, len(lines))
			for _, line := range lines {
				reservations = append(reservations, Reservation{
					ID:          uuid.New(),
					OrderID:     in.OrderID,
					ProductID:   line.ProductID,
					WarehouseID: line.WarehouseID,
					Quantity:    line.Quantity,
					State:       ReservationReserved,
					CreatedAt:   now,
					UpdatedAt:   now,
				})
			}
			if err := tx.InsertReservations(ctx, reservations); err != nil {
				return err
			}
			result.Reservations = reservations

			units := sumReservations(reservations)
			ch.audit("stock.reserve", "order", in.OrderID,
				s.printer.Sprintf("Reserved %d units for order %d across %d stock entries", units, in.OrderID, len(keys)),
				map[string]any{"order_id": in.OrderID, "units": units, "lines": len(lines)})
			return nil
		})
	if err != nil {
		return OrderResult{}, err
	}
	s.finish(ctx, ch)
	return result, nil
}

// orderLines resolves the order's lines and aggregates them per entry, keys sorted
// in lock order. It runs before the transaction so no pool connection is held twice.
func (s *Service) orderLines(ctx context.Context, orderID int64) ([]LineItem, map[EntryKey]int64, []EntryKey, error) {
	lines, err := s.orders.Lines(ctx, orderID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load order lines: %w", err)
	}
	if len(lines) == 0 {
		return nil, nil, nil, validation("order %d has no line items", orderID)
	}
	requested := make(map[EntryKey]int64, len(lines))
	for _, line := range lines {
		if line.ProductID <= 0 || line.WarehouseID <= 0 {
			return nil, nil, nil, validation("order %d has a line without product or warehouse", orderID)
		}
		if line.Quantity <= 0 {
			return nil, nil, nil, validation("order %d line for product %d has non-positive quantity %d", orderID, line.ProductID, line.Quantity)
		}
		requested[line.Key()] += line.Quantity
	}
	keys := make([]EntryKey, 0, len(requested))
	for key := range requested {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return lines, requested, keys, nil
}

// ConfirmPayment consumes the open reservations of the order: quantity and reserved
// drop by the reserved amount and available is unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, in OrderInput) (OrderResult, error) {
	return s.settle(ctx, "confirm_payment", in, settlement{
		from:     ReservationReserved,
		to:       ReservationConsumed,
		kind:     MovementConsume,
		action:   "stock.confirm_payment",
		verb:     "Consumed",
		missing:  "order %d has no open reservations to consume",
		quantity: -1,
		reserved: -1,
	})
}

// CancelOrder releases the open reservations of the order back to available stock.
func (s *Service) CancelOrder(ctx context.Context, in OrderInput) (OrderResult, error) {
	return s.settle(ctx, "cancel", in, settlement{
		from:     ReservationReserved,
		to:       ReservationReleased,
		kind:     MovementRelease,
		action:   "stock.cancel",
		verb:     "Released",
		missing:  "order %d has no open reservations to release",
		reserved: -1,
	})
}

// RefundOrder returns stock for an order. With PaymentConfirmed the consumed units go
// back into quantity; without it the open reservations are released as on cancel.
// A PaymentConfirmed flag that disagrees with the recorded reservations is InvalidState.
func (s *Service) RefundOrder(ctx context.Context, in RefundInput) (OrderResult, error) {
	if in.PaymentConfirmed {
		return s.settle(ctx, "refund", in.OrderInput, settlement{
			from:     ReservationConsumed,
			to:       ReservationRefunded,
			kind:     MovementRefund,
			action:   "stock.refund",
			verb:     "Returned",
			missing:  "order %d has no consumed reservations to refund",
			mismatch: ReservationReserved,
			conflict: "order %d payment is not confirmed in the ledger; its reservations are still open",
			quantity: 1,
			restore:  true,
		})
	}
	return s.settle(ctx, "refund", in.OrderInput, settlement{
		from:     ReservationReserved,
		to:       ReservationReleased,
		kind:     MovementRelease,
		action:   "stock.refund",
		verb:     "Released",
		missing:  "order %d has no open reservations to release",
		mismatch: ReservationConsumed,
		conflict: "order %d payment is already confirmed in the ledger; refund it as paid",
		reserved: -1,
	})
}

type settlement struct {
	from     ReservationState
	to       ReservationState
	kind     MovementKind
	action   string
	verb     string
	missing  string
	mismatch ReservationState
	conflict string
	quantity int64
	reserved int64
	// restore recreates an entry deleted after its stock was consumed.
	restore bool
}

func (s *Service) settle(ctx context.Context, op string, in OrderInput, st settlement) (OrderResult, error) {
	if in.OrderID <= 0 {
		return OrderResult{}, validation("order id must be positive")
	}
	result := OrderResult{OrderID: in.OrderID}
	ch, err := s.mutate(ctx, op, in.Actor, in.Reason, []attribute.KeyValue{attribute.Int64("order.id", in.OrderID)},
		func(ctx context.Context, tx TxRepository, ch *change) error {
			records, err := tx.LockReservations(ctx, in.OrderID)
			if err != nil {
				return err
			}
			var selected []Reservation
			hasMismatch := false
			for _, rec := range records {
				switch {
				case rec.State == st.from:
					selected = append(selected, rec)
				case st.mismatch != "" && rec.State == st.mismatch:
					hasMismatch = true
				}
			}
			if len(selected) == 0 {
				if hasMismatch {
					return invalidState(in.OrderID, st.conflict, in.OrderID)
				}
				return invalidState(in.OrderID, st.missing, in.OrderID)
			}

			amounts := make(map[EntryKey]int64)
			for _, rec := range selected {
				amounts[rec.Key()] += rec.Quantity
			}
			keys := make([]EntryKey, 0, len(amounts))
			for key := range amounts {
				keys = append(keys, key)
			}
			sortKeys(keys)

			locked := make([]Entry, len(keys))
			for i, key := range keys {
				var (
					entry   Entry
					created bool
					err     error
				)
				if st.restore {
					entry, created, err = tx.LockOrCreateEntry(ctx, key)
				} else {
					entry, err = tx.LockEntry(ctx, key)
				}
				if errors.Is(err, ErrEntryNotFound) {
					return invalidState(in.OrderID, "order %d holds reservations on missing entry product %d warehouse %d",
						in.OrderID, key.ProductID, key.WarehouseID)
				}
				if err != nil {
					return err
				}
				if created {
					ch.created[key] = true
				}
				locked[i] = entry
			}
			for i, key := range keys {
				amount := amounts[key]
				entry := locked[i]
				if st.reserved < 0 && entry.Reserved < amount {
					return invalidState(in.OrderID, "order %d releases %d units of product %d at warehouse %d but only %d are reserved",
						in.OrderID, amount, key.ProductID, key.WarehouseID, entry.Reserved)
				}
				if st.quantity < 0 && entry.Quantity < amount {
					return invalidState(in.OrderID, "order %d consumes %d units of product %d at warehouse %d but only %d are on hand",
						in.OrderID, amount, key.ProductID, key.WarehouseID, entry.Quantity)
				}
			}
			for i, key := range keys {
				amount := amounts[key]
				updated, err := s.apply(ctx, tx, ch, locked[i], st.quantity*amount, st.reserved*amount, st.kind, in.OrderID)
				if err != nil {
					return err
				}
				result.Entries = append(result.Entries, updated)
			}

			ids := make([]uuid.UUID, len(selected))
			now := s.now()
			for i := range selected {
				ids[i] = selected[i].ID
				selected[i].State = st.to
				selected[i].UpdatedAt = now
			}
			if err := tx.UpdateReservationStates(ctx, ids, st.to); err != nil {
				return err
			}
			result.Reservations = selected

			units := sumReservations(selected)
			ch.audit(st.action, "order", in.OrderID,
				s.printer.Sprintf("%s %d units for order %d across %d stock entries", st.verb, units, in.OrderID, len(keys)),
				map[string]any{"order_id": in.OrderID, "units": units, "state": string(st.to)})
			return nil
		})
	if err != nil {
		return OrderResult{}, err
	}
	s.finish(ctx, ch)
	return result, nil
}

// AdjustStock corrects the physical quantity of an entry by delta.
func (s *Service) AdjustStock(ctx context.Context, in AdjustmentInput) (Entry, error) {
	if in.ProductID <= 0 || in.WarehouseID <= 0 {
		return Entry{}, validation("product and warehouse are required")
	}
	if in.Delta == 0 {
		return Entry{}, validation("adjustment delta must not be zero")
	}
	key := EntryKey{ProductID: in.ProductID, WarehouseID: in.WarehouseID}
	var result Entry
	ch, err := s.mutate(ctx, "adjust", in.Actor, in.Reason, keyAttributes(key),
		func(ctx context.Context, tx TxRepository, ch *change) error {
			entry, err := tx.LockEntry(ctx, key)
			if errors.Is(err, ErrEntryNotFound) {
				return notFound(key)
			}
			if err != nil {
				return err
			}
			if in.Delta > 0 && in.Delta > math.MaxInt64-entry.Quantity {
				return validation("adjustment of %d units overflows the quantity of product %d at warehouse %d", in.Delta, key.ProductID, key.WarehouseID)
			}
			if entry.Quantity+in.Delta < entry.Reserved {
				return invalidAdjustment(entry, in.Delta)
			}
			result, err = s.apply(ctx, tx, ch, entry, in.Delta, 0, MovementAdjust, 0)
			if err != nil {
				return err
			}
			ch.audit("stock.adjust", "stock_entry", result.ID,
				s.printer.Sprintf("Adjusted product %d at warehouse %d by %+d units to %d", in.ProductID, in.WarehouseID, in.Delta, result.Quantity),
				map[string]any{"product_id": in.ProductID, "warehouse_id": in.WarehouseID, "delta": in.Delta})
			return nil
		})
	if err != nil {
		return Entry{}, err
	}
	s.finish(ctx, ch)
	return result, nil
}

// TransferStock moves available units of a product between two warehouses in one transaction,
// creating the destination entry when absent.
func (s *Service) TransferStock(ctx context.Context, in TransferInput) (TransferResult, error) {
	if in.ProductID <= 0 || in.FromWarehouseID <= 0 || in.ToWarehouseID <= 0 {
		return TransferResult{}, validation("product, source and destination warehouse are required")
	}
	if in.FromWarehouseID == in.ToWarehouseID {
		return TransferResult{}, validation("source and destination warehouse must differ")
	}
	if in.Quantity <= 0 {
		return TransferResult{}, validation("transfer quantity must be positive")
	}
	src := EntryKey{ProductID: in.ProductID, WarehouseID: in.FromWarehouseID}
	dst := EntryKey{ProductID: in.ProductID, WarehouseID: in.ToWarehouseID}
	attrs := []attribute.KeyValue{
		attribute.Int64("product.id", in.ProductID),
		attribute.Int64("warehouse.from", in.FromWarehouseID),
		attribute.Int64("warehouse.to", in.ToWarehouseID),
	}
	var result TransferResult
	ch, err := s.mutate(ctx, "transfer", in.Actor, in.Reason, attrs,
		func(ctx context.Context, tx TxRepository, ch *change) error {
			lockSource := func() (Entry, error) {
				entry, err := tx.LockEntry(ctx, src)
				if errors.Is(err, ErrEntryNotFound) {
					return Entry{}, notFound(src)
				}
				return entry, err
			}
			lockDestination := func() (Entry, error) {
				entry, created, err := tx.LockOrCreateEntry(ctx, dst)
				if created {
					ch.created[dst] = true
					result.Created = true
				}
				return entry, err
			}
			var (
				source, destination Entry
				err                 error
			)
			if src.WarehouseID < dst.WarehouseID {
				if source, err = lockSource(); err != nil {
					return err
				}
				if destination, err = lockDestination(); err != nil {
					return err
				}
			} else {
				if destination, err = lockDestination(); err != nil {
					return err
				}
				if source, err = lockSource(); err != nil {
					return err
				}
			}
			if source.Available() < in.Quantity {
				return insufficientStock(src, in.Quantity, source)
			}
			if result.Source, err = s.apply(ctx, tx, ch, source, -in.Quantity, 0, MovementTransferOut, 0); err != nil {
				return err
			}
			if result.Destination, err = s.apply(ctx, tx, ch, destination, in.Quantity, 0, MovementTransferIn, 0); err != nil {
				return err
			}
			ch.audit("stock.transfer", "product", in.ProductID,
				s.printer.Sprintf("Transferred %d units of product %d from warehouse %d to warehouse %d", in.Quantity, in.ProductID, in.FromWarehouseID, in.ToWarehouseID),
				map[string]any{"from_warehouse_id": in.FromWarehouseID, "to_warehouse_id": in.ToWarehouseID, "quantity": in.Quantity, "destination_created": result.Created})
			return nil
		})
	if err != nil {
		return TransferResult{}, err
	}
	s.finish(ctx, ch)
	return result, nil
}

// CreateEntry registers a (product, warehouse) pair with an opening quantity.
func (s *Service) CreateEntry(ctx context.Context, in CreateEntryInput) (Entry, error) {
	if in.ProductID <= 0 || in.WarehouseID <= 0 {
		return Entry{}, validation("product and warehouse are required")
	}
	if in.Quantity < 0 {
		return Entry{}, validation("opening quantity must not be negative")
	}
	key := EntryKey{ProductID: in.ProductID, WarehouseID: in.WarehouseID}
	start := time.Now()
	if err := s.checkCatalog(ctx, key); err != nil {
		return Entry{}, s.reject(ctx, "create_entry", in.Actor, start, err)
	}
	var result Entry
	ch, err := s.mutate(ctx, "create_entry", in.Actor, in.Reason, keyAttributes(key),
		func(ctx context.Context, tx TxRepository, ch *change) error {
			entry, err := tx.InsertEntry(ctx, key, in.Quantity)
			if errors.Is(err, ErrEntryExists) {
				return validation("entry for product %d at warehouse %d already exists", key.ProductID, key.WarehouseID)
			}
			if err != nil {
				return err
			}
			ch.created[key] = true
			if err := s.record(ctx, tx, ch, Entry{}, entry, MovementCreate, 0); err != nil {
				return err
			}
			result = entry
			ch.audit("stock.create_entry", "stock_entry", entry.ID,
				s.printer.Sprintf("Created stock entry for product %d at warehouse %d with %d units", key.ProductID, key.WarehouseID, in.Quantity),
				map[string]any{"product_id": key.ProductID, "warehouse_id": key.WarehouseID, "quantity": in.Quantity})
			return nil
		})
	if err != nil {
		return Entry{}, err
	}
	s.finish(ctx, ch)
	return result, nil
}

// DeleteEntry removes an entry that holds no reserved units.
func (s *Service) DeleteEntry(ctx context.Context, in DeleteEntryInput) (Entry, error) {
	if in.ID <= 0 {
		return Entry{}, validation("entry id must be positive")
	}
	var result Entry
	ch, err := s.mutate(ctx, "delete_entry", in.Actor, in.Reason, []attribute.KeyValue{attribute.Int64("entry.id", in.ID)},
		func(ctx context.Context, tx TxRepository, ch *change) error {
			entry, err := tx.LockEntryByID(ctx, in.ID)
			if errors.Is(err, ErrEntryNotFound) {
				return notFoundID(in.ID)
			}
			if err != nil {
				return err
			}
			if entry.Reserved > 0 {
				return invalidState(0, "entry %d still holds %d reserved units", entry.ID, entry.Reserved)
			}
			if err := tx.DeleteEntry(ctx, entry.ID); err != nil {
				return err
			}
			result = entry
			ch.audit("stock.delete_entry", "stock_entry", entry.ID,
				s.printer.Sprintf("Deleted stock entry for product %d at warehouse %d holding %d units", entry.ProductID, entry.WarehouseID, entry.Quantity),
				map[string]any{"product_id": entry.ProductID, "warehouse_id": entry.WarehouseID, "quantity": entry.Quantity})
			return nil
		})
	if err != nil {
		return Entry{}, err
	}
	s.finish(ctx, ch)
	return result, nil
}

func (s *Service) checkCatalog(ctx context.Context, key EntryKey) error {
	if s.catalog == nil {
		return nil
	}
	ok, err := s.catalog.ProductExists(ctx, key.ProductID)
	if err != nil {
		return fmt.Errorf("catalog product lookup: %w", err)
	}
	if !ok {
		return validation("unknown product %d", key.ProductID)
	}
	ok, err = s.catalog.WarehouseExists(ctx, key.WarehouseID)
	if err != nil {
		return fmt.Errorf("catalog warehouse lookup: %w", err)
	}
	if !ok {
		return validation("unknown warehouse %d", key.WarehouseID)
	}
	return nil
}

// change collects what a transaction did so it can be published after commit.
type change struct {
	op        string
	actor     string
	reason    string
	movements []Movement
	before    map[EntryKey]Entry
	after     map[EntryKey]Entry
	created   map[EntryKey]bool
	log       shared.AuditLog
}

func (c *change) audit(action, entity string, entityID int64, detail string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	if c.reason != "" {
		meta["reason"] = c.reason
	}
	c.log = shared.AuditLog{
		Actor:    c.actor,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Detail:   detail,
		Meta:     meta,
	}
}

func (s *Service) mutate(ctx context.Context, op, actor, reason string, attrs []attribute.KeyValue, fn func(context.Context, TxRepository, *change) error) (*change, error) {
	if actor == "" {
		actor = shared.ActorFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "stock."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	var ch *change
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ch = &change{
			op:      op,
			actor:   actor,
			reason:  reason,
			before:  map[EntryKey]Entry{},
			after:   map[EntryKey]Entry{},
			created: map[EntryKey]bool{},
		}
		return fn(ctx, tx, ch)
	})
	err = classify(op, err)
	s.metrics.observe(op, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		s.logFailure(ctx, op, actor, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("stock.movements", len(ch.movements)))
	return ch, nil
}

// reject records a failure raised before the transaction opened.
func (s *Service) reject(ctx context.Context, op, actor string, start time.Time, err error) error {
	if actor == "" {
		actor = shared.ActorFromContext(ctx)
	}
	err = classify(op, err)
	s.metrics.observe(op, start, err)
	s.logFailure(ctx, op, actor, err)
	return err
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if db.IsContention(err) {
		return contention(op, err)
	}
	if db.IsCheckViolation(err) {
		return &Error{Kind: KindInvalidState, Op: op, Message: "stock: the ledger rejected a change that breaks 0 <= reserved <= quantity", Err: err}
	}
	if db.IsForeignKeyViolation(err) {
		return &Error{Kind: KindValidation, Op: op, Message: "stock: unknown product or warehouse", Err: err}
	}
	return internal(op, err)
}

func (s *Service) logFailure(ctx context.Context, op, actor string, err error) {
	kind := KindOf(err)
	level := slog.LevelWarn
	if kind == KindInternal {
		level = slog.LevelError
	}
	s.logger.LogAttrs(ctx, level, "stock operation failed",
		slog.String("operation", op),
		slog.String("actor", actor),
		slog.String("kind", string(kind)),
		slog.Any("error", err),
	)
}

// apply updates a locked entry by the given deltas and writes its movement.
func (s *Service) apply(ctx context.Context, tx TxRepository, ch *change, entry Entry, quantityDelta, reservedDelta int64, kind MovementKind, orderID int64) (Entry, error) {
	if quantityDelta > 0 && quantityDelta > math.MaxInt64-entry.Quantity {
		return Entry{}, validation("%s of %d units overflows the quantity of product %d at warehouse %d", kind, quantityDelta, entry.ProductID, entry.WarehouseID)
	}
	next := entry
	next.Quantity += quantityDelta
	next.Reserved += reservedDelta
	if next.Reserved < 0 || next.Reserved > next.Quantity {
		return Entry{}, &Error{
			Kind:        KindInvalidState,
			Op:          ch.op,
			ProductID:   entry.ProductID,
			WarehouseID: entry.WarehouseID,
			Message: fmt.Sprintf("stock: %s on product %d at warehouse %d would leave quantity %d with %d reserved",
				kind, entry.ProductID, entry.WarehouseID, next.Quantity, next.Reserved),
		}
	}
	updated, err := tx.UpdateEntry(ctx, next)
	if err != nil {
		return Entry{}, err
	}
	if err := s.record(ctx, tx, ch, entry, updated, kind, orderID); err != nil {
		return Entry{}, err
	}
	return updated, nil
}

func (s *Service) record(ctx context.Context, tx TxRepository, ch *change, before, after Entry, kind MovementKind, orderID int64) error {
	mv := Movement{
		EntryID:       after.ID,
		ProductID:     after.ProductID,
		WarehouseID:   after.WarehouseID,
		OrderID:       orderID,
		Kind:          kind,
		QuantityDelta: after.Quantity - before.Quantity,
		ReservedDelta: after.Reserved - before.Reserved,
		QuantityAfter: after.Quantity,
		ReservedAfter: after.Reserved,
		Reason:        ch.reason,
		Actor:         ch.actor,
		CreatedAt:     s.now(),
	}
	if err := tx.InsertMovement(ctx, mv); err != nil {
		return err
	}
	key := after.Key()
	if _, seen := ch.before[key]; !seen {
		ch.before[key] = before
	}
	ch.after[key] = after
	ch.movements = append(ch.movements, mv)
	return nil
}

// finish publishes a committed change. Failures here are logged and never undo the commit.
func (s *Service) finish(ctx context.Context, ch *change) {
	if ch == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("stock summary cache bump failed", slog.String("operation", ch.op), slog.Any("error", err))
	}
	s.metrics.addMovements(ch.movements)

	if s.audit != nil && ch.log.Action != "" {
		log := ch.log
		log.At = s.now()
		if err := s.audit.Record(ctx, log); err != nil {
			s.logger.Error("stock audit sink failed",
				slog.String("action", log.Action),
				slog.String("entity_id", log.EntityID),
				slog.Any("error", err))
		}
	}

	for _, alert := range s.lowStockAlerts(ch) {
		s.logger.Info("stock entry below threshold",
			slog.Int64("product_id", alert.ProductID),
			slog.Int64("warehouse_id", alert.WarehouseID),
			slog.Int64("available", alert.Available))
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.NotifyLowStock(ctx, alert); err != nil {
			s.logger.Warn("stock low-stock notification failed",
				slog.Int64("product_id", alert.ProductID),
				slog.Int64("warehouse_id", alert.WarehouseID),
				slog.Any("error", err))
		}
	}

	s.logger.Info("stock operation committed",
		slog.String("operation", ch.op),
		slog.String("actor", ch.actor),
		slog.Int("movements", len(ch.movements)))
}

// lowStockAlerts returns entries that crossed below the threshold in this change.
func (s *Service) lowStockAlerts(ch *change) []LowStockAlert {
	keys := make([]EntryKey, 0, len(ch.after))
	for key := range ch.after {
		keys = append(keys, key)
	}
	sortKeys(keys)
	now := s.now()
	var alerts []LowStockAlert
	for _, key := range keys {
		after := ch.after[key]
		if after.Available() >= s.threshold {
			continue
		}
		if !ch.created[key] && ch.before[key].Available() < s.threshold {
			continue
		}
		alerts = append(alerts, LowStockAlert{
			EntryID:     after.ID,
			ProductID:   after.ProductID,
			WarehouseID: after.WarehouseID,
			Available:   after.Available(),
			Threshold:   s.threshold,
			At:          now,
		})
	}
	return alerts
}

func keyAttributes(key EntryKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("product.id", key.ProductID),
		attribute.Int64("warehouse.id", key.WarehouseID),
	}
}

func sumReservations(reservations []Reservation) int64 {
	var total int64
	for _, r := range reservations {
		total += r.Quantity
	}
	return total
}
