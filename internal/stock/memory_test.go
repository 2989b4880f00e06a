package stock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// memoryRepo serialises transactions and restores a snapshot when the callback fails.
type memoryRepo struct {
	mu           sync.Mutex
	entries      map[int64]Entry
	reservations []Reservation
	movements    []Movement
	nextEntryID  int64
	nextMoveID   int64

	txErr      error
	failUpdate map[EntryKey]error
	lockLog    []EntryKey
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{entries: make(map[int64]Entry), failUpdate: make(map[EntryKey]error)}
}

func (r *memoryRepo) seed(productID, warehouseID, quantity, reserved int64) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextEntryID++
	now := time.Now().UTC()
	e := Entry{ID: r.nextEntryID, ProductID: productID, WarehouseID: warehouseID, Quantity: quantity, Reserved: reserved, CreatedAt: now, UpdatedAt: now}
	r.entries[e.ID] = e
	return e
}

func (r *memoryRepo) entry(productID, warehouseID int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(EntryKey{ProductID: productID, WarehouseID: warehouseID})
}

func (r *memoryRepo) findLocked(key EntryKey) (Entry, bool) {
	for _, e := range r.entries {
		if e.Key() == key {
			return e, true
		}
	}
	return Entry{}, false
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r.txErr != nil {
		return r.txErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make(map[int64]Entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	reservations := append([]Reservation(nil), r.reservations...)
	movements := append([]Movement(nil), r.movements...)
	nextEntryID, nextMoveID := r.nextEntryID, r.nextMoveID

	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.entries = entries
		r.reservations = reservations
		r.movements = movements
		r.nextEntryID, r.nextMoveID = nextEntryID, nextMoveID
		return err
	}
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id int64) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (r *memoryRepo) GetByKey(ctx context.Context, key EntryKey) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.findLocked(key)
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (r *memoryRepo) sorted(match func(Entry) bool) []Entry {
	out := []Entry{}
	for _, e := range r.entries {
		if match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

func (r *memoryRepo) ListByProduct(ctx context.Context, productID int64) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(e Entry) bool { return e.ProductID == productID }), nil
}

func (r *memoryRepo) ListByWarehouse(ctx context.Context, warehouseID int64) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(e Entry) bool { return e.WarehouseID == warehouseID }), nil
}

func (r *memoryRepo) Search(ctx context.Context, filter SearchFilter, limit, offset int) ([]Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted(func(e Entry) bool {
		available := e.Available()
		switch {
		case filter.ProductID > 0 && e.ProductID != filter.ProductID:
			return false
		case filter.WarehouseID > 0 && e.WarehouseID != filter.WarehouseID:
			return false
		case filter.LowStock && !(available > 0 && available < filter.Threshold):
			return false
		case filter.OutOfStock && available != 0:
			return false
		case filter.BelowThreshold && available >= filter.Threshold:
			return false
		}
		return true
	})
	total := len(all)
	if offset >= total {
		return []Entry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memoryRepo) ListReservations(ctx context.Context, orderID int64) ([]Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Reservation{}
	for _, res := range r.reservations {
		if res.OrderID == orderID {
			out = append(out, res)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Movement{}
	for i := len(r.movements) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		m := r.movements[i]
		if m.ProductID != filter.ProductID || m.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.OrderID > 0 && m.OrderID != filter.OrderID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *memoryRepo) ReservationDrift(ctx context.Context) ([]Drift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := map[EntryKey]int64{}
	for _, res := range r.reservations {
		if res.State == ReservationReserved {
			open[res.Key()] += res.Quantity
		}
	}
	drifts := []Drift{}
	for _, e := range r.sorted(func(Entry) bool { return true }) {
		if e.Reserved != open[e.Key()] {
			drifts = append(drifts, Drift{EntryID: e.ID, ProductID: e.ProductID, WarehouseID: e.WarehouseID, Reserved: e.Reserved, OpenReservation: open[e.Key()]})
		}
	}
	return drifts, nil
}

func (tx *memoryTx) LockEntry(ctx context.Context, key EntryKey) (Entry, error) {
	e, ok := tx.repo.findLocked(key)
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	tx.repo.lockLog = append(tx.repo.lockLog, key)
	return e, nil
}

func (tx *memoryTx) LockEntryByID(ctx context.Context, id int64) (Entry, error) {
	e, ok := tx.repo.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	tx.repo.lockLog = append(tx.repo.lockLog, e.Key())
	return e, nil
}

func (tx *memoryTx) LockOrCreateEntry(ctx context.Context, key EntryKey) (Entry, bool, error) {
	if e, ok := tx.repo.findLocked(key); ok {
		tx.repo.lockLog = append(tx.repo.lockLog, key)
		return e, false, nil
	}
	e, err := tx.InsertEntry(ctx, key, 0)
	return e, err == nil, err
}

func (tx *memoryTx) InsertEntry(ctx context.Context, key EntryKey, quantity int64) (Entry, error) {
	if _, ok := tx.repo.findLocked(key); ok {
		return Entry{}, ErrEntryExists
	}
	tx.repo.nextEntryID++
	now := time.Now().UTC()
	e := Entry{ID: tx.repo.nextEntryID, ProductID: key.ProductID, WarehouseID: key.WarehouseID, Quantity: quantity, CreatedAt: now, UpdatedAt: now}
	tx.repo.entries[e.ID] = e
	tx.repo.lockLog = append(tx.repo.lockLog, key)
	return e, nil
}

func (tx *memoryTx) UpdateEntry(ctx context.Context, entry Entry) (Entry, error) {
	if err := tx.repo.failUpdate[entry.Key()]; err != nil {
		return Entry{}, err
	}
	if entry.Reserved < 0 || entry.Reserved > entry.Quantity {
		return Entry{}, errors.New("check constraint stock_entries_reserved_check violated")
	}
	entry.UpdatedAt = time.Now().UTC()
	tx.repo.entries[entry.ID] = entry
	return entry, nil
}

func (tx *memoryTx) DeleteEntry(ctx context.Context, id int64) error {
	e, ok := tx.repo.entries[id]
	if !ok || e.Reserved > 0 {
		return ErrEntryNotFound
	}
	delete(tx.repo.entries, id)
	return nil
}

func (tx *memoryTx) LockReservations(ctx context.Context, orderID int64) ([]Reservation, error) {
	out := []Reservation{}
	for _, res := range tx.repo.reservations {
		if res.OrderID == orderID {
			out = append(out, res)
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertReservations(ctx context.Context, reservations []Reservation) error {
	tx.repo.reservations = append(tx.repo.reservations, reservations...)
	return nil
}

func (tx *memoryTx) UpdateReservationStates(ctx context.Context, ids []uuid.UUID, state ReservationState) error {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	updated := make([]Reservation, len(tx.repo.reservations))
	copy(updated, tx.repo.reservations)
	for i := range updated {
		if want[updated[i].ID] {
			updated[i].State = state
		}
	}
	tx.repo.reservations = updated
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) error {
	tx.repo.nextMoveID++
	m.ID = tx.repo.nextMoveID
	tx.repo.movements = append(tx.repo.movements, m)
	return nil
}

type memoryOrders map[int64][]LineItem

func (o memoryOrders) Lines(ctx context.Context, orderID int64) ([]LineItem, error) {
	return o[orderID], nil
}

type fakeAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (f *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
	return f.err
}

type fakeNotifier struct {
	alerts []LowStockAlert
}

func (f *fakeNotifier) NotifyLowStock(ctx context.Context, alert LowStockAlert) error {
	f.alerts = append(f.alerts, alert)
	return nil
}

type fakeCatalog struct {
	products   map[int64]bool
	warehouses map[int64]bool
}

func (c fakeCatalog) ProductExists(ctx context.Context, id int64) (bool, error) {
	return c.products[id], nil
}

func (c fakeCatalog) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	return c.warehouses[id], nil
}

// txAwareOrders notes whether lines were requested while a transaction held the repo.
type txAwareOrders struct {
	repo     *memoryRepo
	orders   memoryOrders
	calls    int
	insideTx bool
}

func (o *txAwareOrders) Lines(ctx context.Context, orderID int64) ([]LineItem, error) {
	o.calls++
	if o.repo.mu.TryLock() {
		o.repo.mu.Unlock()
	} else {
		o.insideTx = true
	}
	return o.orders[orderID], nil
}

type txAwareCatalog struct {
	repo     *memoryRepo
	calls    int
	insideTx bool
}

func (c *txAwareCatalog) note() {
	c.calls++
	if c.repo.mu.TryLock() {
		c.repo.mu.Unlock()
	} else {
		c.insideTx = true
	}
}

func (c *txAwareCatalog) ProductExists(ctx context.Context, id int64) (bool, error) {
	c.note()
	return true, nil
}

func (c *txAwareCatalog) WarehouseExists(ctx context.Context, id int64) (bool, error) {
	c.note()
	return true, nil
}
