package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/rajatrajputdev/megance-inventory/internal/orders"
	"github.com/rajatrajputdev/megance-inventory/internal/stock"
)

// Reconciliation is the read-only view served by the status endpoint.
type Reconciliation struct {
	OrderID      string     `json:"order_id"`
	UserID       string     `json:"-"`
	Reconciled   bool       `json:"reconciled"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
}

func (s *Store) Reconciliation(ctx context.Context, orderID string) (Reconciliation, error) {
	var (
		r      = Reconciliation{OrderID: orderID}
		userID *string
	)
	err := s.DB.QueryRow(ctx, `
		SELECT user_id, stock_decremented, stock_decremented_at FROM orders WHERE id=$1`, orderID).
		Scan(&userID, &r.Reconciled, &r.ReconciledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, orders.ErrOrderNotFound
	}
	if err != nil {
		return r, fmt.Errorf("query reconciliation: %w", err)
	}
	if userID != nil {
		r.UserID = *userID
	}
	return r, nil
}

const normalizeBatch = 500

// NormalizeShapes tags every untagged product with the shape its legacy
// fields classify as. Rows are walked in id order so an unreadable record is
// logged once and left untagged.
func (s *Store) NormalizeShapes(ctx context.Context) (map[stock.Shape]int, error) {
	counts := make(map[stock.Shape]int)
	after := ""
	for {
		batch, err := s.untagged(ctx, after)
		if err != nil {
			return counts, err
		}
		if len(batch) == 0 {
			return counts, nil
		}
		for _, p := range batch {
			after = p.id
			inv, err := stock.Classify(p.quantity, p.sizeQuantities, p.sizes)
			if err != nil {
				log.Warn().Err(err).Str("product_id", p.id).Msg("postgres: cannot classify product")
				continue
			}
			for _, a := range inv.Anomalies {
				log.Warn().Str("product_id", p.id).Str("shape", string(inv.Shape)).Msg("postgres: " + a)
			}
			if _, err := s.DB.Exec(ctx, `
				UPDATE products SET inventory_shape=$2 WHERE id=$1 AND inventory_shape IS NULL`,
				p.id, string(inv.Shape)); err != nil {
				return counts, fmt.Errorf("tag product %s: %w", p.id, err)
			}
			counts[inv.Shape]++
		}
	}
}

type legacyProduct struct {
	id                    string
	quantity              int
	sizeQuantities, sizes []byte
}

func (s *Store) untagged(ctx context.Context, after string) ([]legacyProduct, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, quantity, size_quantities, sizes FROM products
		WHERE inventory_shape IS NULL AND id > $1
		ORDER BY id LIMIT $2`, after, normalizeBatch)
	if err != nil {
		return nil, fmt.Errorf("query untagged products: %w", err)
	}
	defer rows.Close()

	var out []legacyProduct
	for rows.Next() {
		var p legacyProduct
		if err := rows.Scan(&p.id, &p.quantity, &p.sizeQuantities, &p.sizes); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
