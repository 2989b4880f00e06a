package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository. lockTimeout bounds each row-lock wait.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// TxRepository exposes the locked, transactional operations used by the service.
type TxRepository interface {
	LockEntry(ctx context.Context, key EntryKey) (Entry, error)
	LockEntryByID(ctx context.Context, id int64) (Entry, error)
	LockOrCreateEntry(ctx context.Context, key EntryKey) (Entry, bool, error)
	InsertEntry(ctx context.Context, key EntryKey, quantity int64) (Entry, error)
	UpdateEntry(ctx context.Context, entry Entry) (Entry, error)
	DeleteEntry(ctx context.Context, id int64) error
	LockReservations(ctx context.Context, orderID int64) ([]Reservation, error)
	InsertReservations(ctx context.Context, reservations []Reservation) error
	UpdateReservationStates(ctx context.Context, ids []uuid.UUID, state ReservationState) error
	InsertMovement(ctx context.Context, m Movement) error
}

type txRepository struct {
	tx pgx.Tx
}

const entryColumns = `id, product_id, warehouse_id, quantity, reserved, created_at, updated_at`

const reservationColumns = `id, order_id, product_id, warehouse_id, quantity, state, created_at, updated_at`

const movementColumns = `id, entry_id, product_id, warehouse_id, COALESCE(order_id, 0), kind, quantity_delta, reserved_delta, quantity_after, reserved_after, reason, actor, created_at`

// WithTx executes the callback inside a read-committed transaction with a bounded lock wait.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, db.TxOptions{LockTimeout: r.lockTimeout}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetByID loads one entry by surrogate id.
func (r *Repository) GetByID(ctx context.Context, id int64) (Entry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_entries WHERE id=$1`, id)
	return scanEntry(row)
}

// GetByKey loads one entry by (product, warehouse).
func (r *Repository) GetByKey(ctx context.Context, key EntryKey) (Entry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_entries WHERE product_id=$1 AND warehouse_id=$2`, key.ProductID, key.WarehouseID)
	return scanEntry(row)
}

// ListByProduct lists every warehouse entry of a product.
func (r *Repository) ListByProduct(ctx context.Context, productID int64) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM stock_entries WHERE product_id=$1 ORDER BY warehouse_id`, productID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListByWarehouse lists every product entry held by a warehouse.
func (r *Repository) ListByWarehouse(ctx context.Context, warehouseID int64) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM stock_entries WHERE warehouse_id=$1 ORDER BY product_id`, warehouseID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// Search returns one page of entries matching filter and the total match count.
func (r *Repository) Search(ctx context.Context, filter SearchFilter, limit, offset int) ([]Entry, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProductID > 0 {
		add("product_id=$%d", filter.ProductID)
	}
	if filter.WarehouseID > 0 {
		add("warehouse_id=$%d", filter.WarehouseID)
	}
	if filter.LowStock {
		add("quantity - reserved < $%d", filter.Threshold)
		where = append(where, "quantity - reserved > 0")
	}
	if filter.OutOfStock {
		where = append(where, "quantity - reserved = 0")
	}
	if filter.BelowThreshold {
		add("quantity - reserved < $%d", filter.Threshold)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_entries`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM stock_entries%s ORDER BY product_id, warehouse_id LIMIT $%d OFFSET $%d`,
		entryColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListReservations returns every reservation ever written for an order.
func (r *Repository) ListReservations(ctx context.Context, orderID int64) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

// ListMovements returns the newest stock card rows first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+movementColumns+` FROM stock_movements
WHERE product_id=$1 AND warehouse_id=$2 AND ($3 = 0 OR order_id = $3)
ORDER BY id DESC
LIMIT $4`, filter.ProductID, filter.WarehouseID, filter.OrderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.EntryID, &m.ProductID, &m.WarehouseID, &m.OrderID, &m.Kind, &m.QuantityDelta, &m.ReservedDelta, &m.QuantityAfter, &m.ReservedAfter, &m.Reason, &m.Actor, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// ReservationDrift lists entries whose reserved counter differs from the sum of open reservations.
func (r *Repository) ReservationDrift(ctx context.Context) ([]Drift, error) {
	rows, err := r.pool.Query(ctx, `SELECT e.id, e.product_id, e.warehouse_id, e.reserved, COALESCE(o.open_qty, 0)::bigint
FROM stock_entries e
LEFT JOIN (
	SELECT product_id, warehouse_id, SUM(quantity) AS open_qty
	FROM stock_reservations
	WHERE state = 'RESERVED'
	GROUP BY product_id, warehouse_id
) o ON o.product_id = e.product_id AND o.warehouse_id = e.warehouse_id
WHERE e.reserved <> COALESCE(o.open_qty, 0)
ORDER BY e.product_id, e.warehouse_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	drifts := []Drift{}
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.EntryID, &d.ProductID, &d.WarehouseID, &d.Reserved, &d.OpenReservation); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

func (r *txRepository) LockEntry(ctx context.Context, key EntryKey) (Entry, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_entries WHERE product_id=$1 AND warehouse_id=$2 FOR UPDATE`, key.ProductID, key.WarehouseID)
	return scanEntry(row)
}

func (r *txRepository) LockEntryByID(ctx context.Context, id int64) (Entry, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_entries WHERE id=$1 FOR UPDATE`, id)
	return scanEntry(row)
}

func (r *txRepository) LockOrCreateEntry(ctx context.Context, key EntryKey) (Entry, bool, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO stock_entries (product_id, warehouse_id, quantity, reserved, created_at, updated_at)
VALUES ($1, $2, 0, 0, NOW(), NOW())
ON CONFLICT (product_id, warehouse_id) DO NOTHING
RETURNING `+entryColumns, key.ProductID, key.WarehouseID)
	entry, err := scanEntry(row)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return Entry{}, false, err
	}
	entry, err = r.LockEntry(ctx, key)
	return entry, false, err
}

func (r *txRepository) InsertEntry(ctx context.Context, key EntryKey, quantity int64) (Entry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO stock_entries (product_id, warehouse_id, quantity, reserved, created_at, updated_at)
VALUES ($1, $2, $3, 0, NOW(), NOW())
RETURNING `+entryColumns, key.ProductID, key.WarehouseID, quantity)
	entry, err := scanEntry(row)
	if db.IsUniqueViolation(err) {
		return Entry{}, ErrEntryExists
	}
	return entry, err
}

func (r *txRepository) UpdateEntry(ctx context.Context, entry Entry) (Entry, error) {
	row := r.tx.QueryRow(ctx, `UPDATE stock_entries SET quantity=$2, reserved=$3, updated_at=NOW()
WHERE id=$1
RETURNING `+entryColumns, entry.ID, entry.Quantity, entry.Reserved)
	return scanEntry(row)
}

func (r *txRepository) DeleteEntry(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_entries WHERE id=$1 AND reserved = 0`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *txRepository) LockReservations(ctx context.Context, orderID int64) ([]Reservation, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE order_id=$1 ORDER BY created_at, id FOR UPDATE`, orderID)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func (r *txRepository) InsertReservations(ctx context.Context, reservations []Reservation) error {
	batch := &pgx.Batch{}
	for _, res := range reservations {
		batch.Queue(`INSERT INTO stock_reservations (id, order_id, product_id, warehouse_id, quantity, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`, res.ID, res.OrderID, res.ProductID, res.WarehouseID, res.Quantity, string(res.State), res.CreatedAt)
	}
	results := r.tx.SendBatch(ctx, batch)
	for range reservations {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

func (r *txRepository) UpdateReservationStates(ctx context.Context, ids []uuid.UUID, state ReservationState) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	tag, err := r.tx.Exec(ctx, `UPDATE stock_reservations SET state=$2, updated_at=NOW() WHERE id = ANY($1::uuid[])`, raw, string(state))
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("update reservation states: %d of %d rows updated", tag.RowsAffected(), len(ids))
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_movements (entry_id, product_id, warehouse_id, order_id, kind, quantity_delta, reserved_delta, quantity_after, reserved_after, reason, actor, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.EntryID, m.ProductID, m.WarehouseID, nullInt(m.OrderID), string(m.Kind), m.QuantityDelta, m.ReservedDelta, m.QuantityAfter, m.ReservedAfter, m.Reason, m.Actor, m.CreatedAt)
	return err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.ProductID, &e.WarehouseID, &e.Quantity, &e.Reserved, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ProductID, &e.WarehouseID, &e.Quantity, &e.Reserved, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()
	reservations := []Reservation{}
	for rows.Next() {
		var res Reservation
		var state string
		if err := rows.Scan(&res.ID, &res.OrderID, &res.ProductID, &res.WarehouseID, &res.Quantity, &state, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		res.State = ReservationState(state)
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
