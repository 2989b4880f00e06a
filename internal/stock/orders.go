package stock

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderLines resolves the line items of an order from the order store.
type OrderLines struct {
	pool *pgxpool.Pool
}

// NewOrderLines constructs the Postgres order line reader.
func NewOrderLines(pool *pgxpool.Pool) *OrderLines {
	return &OrderLines{pool: pool}
}

// Lines returns the lines of orderID. An unknown order yields no lines.
func (o *OrderLines) Lines(ctx context.Context, orderID int64) ([]LineItem, error) {
	rows, err := o.pool.Query(ctx, `SELECT order_id, product_id, warehouse_id, quantity
FROM order_lines
WHERE order_id=$1
ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LineItem
	for rows.Next() {
		var line LineItem
		if err := rows.Scan(&line.OrderID, &line.ProductID, &line.WarehouseID, &line.Quantity); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Catalog checks product and warehouse ids against the master data tables.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog constructs the Postgres catalog lookup.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// ProductExists reports whether the product id is known.
func (c *Catalog) ProductExists(ctx context.Context, productID int64) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id=$1)`, productID).Scan(&exists)
	return exists, err
}

// WarehouseExists reports whether the warehouse id is known.
func (c *Catalog) WarehouseExists(ctx context.Context, warehouseID int64) (bool, error) {
	var exists bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM warehouses WHERE id=$1)`, warehouseID).Scan(&exists)
	return exists, err
}
