package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/rajatrajputdev/megance-inventory/internal/inventory"
	"github.com/rajatrajputdev/megance-inventory/internal/orders"
	"github.com/rajatrajputdev/megance-inventory/internal/stock"
)

// Store is the Postgres implementation of inventory.Store. Orders and
// products are locked with SELECT ... FOR UPDATE, so concurrent attempts for
// one order serialize on the order row.
type Store struct {
	DB          *pgxpool.Pool
	MaxAttempts int
}

const defaultMaxAttempts = 5

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = s.runTx(ctx, fn); err == nil || !Retryable(err) {
			return err
		}
		log.Warn().Err(err).Int("attempt", i).Msg("postgres: transaction conflict, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i*25) * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction gave up after %d attempts: %w", attempts, err)
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &stockTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Retryable reports whether err is a serialization failure or deadlock that
// a fresh transaction may not hit.
func Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return true
	}
	return false
}

type stockTx struct{ tx pgx.Tx }

func (t *stockTx) OrderForUpdate(ctx context.Context, orderID string) (*orders.Order, error) {
	var (
		o              orders.Order
		userID, status *string
		items          []byte
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, status, items, stock_decremented, stock_decremented_at
		FROM orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&o.ID, &userID, &status, &items, &o.Reconciled, &o.ReconciledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != nil {
		o.UserID = *userID
	}
	if status != nil {
		o.Status = orders.Status(*status)
	}
	if o.Items, err = orders.DecodeItems(items); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *stockTx) ProductForUpdate(ctx context.Context, productID string) (stock.Inventory, error) {
	var (
		qty                   int
		sizeQuantities, sizes []byte
		tag                   *string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT quantity, size_quantities, sizes, inventory_shape
		FROM products WHERE id=$1 FOR UPDATE`, productID).
		Scan(&qty, &sizeQuantities, &sizes, &tag)
	if errors.Is(err, pgx.ErrNoRows) {
		return stock.Inventory{}, orders.ErrProductNotFound
	}
	if err != nil {
		return stock.Inventory{}, err
	}
	return stock.Decode(shapeTag(productID, tag), qty, sizeQuantities, sizes)
}

func (t *stockTx) SaveProduct(ctx context.Context, productID string, u stock.Update) error {
	var (
		tag  = string(u.Shape)
		err  error
		ct   pgconn.CommandTag
		body []byte
	)
	switch u.Field {
	case stock.FieldSizeQuantities, stock.FieldSizes:
		if _, body, err = u.Inventory.Encode(); err != nil {
			return err
		}
		column := "sizes"
		if u.Field == stock.FieldSizeQuantities {
			column = "size_quantities"
		}
		ct, err = t.tx.Exec(ctx, `UPDATE products SET `+column+`=$2, quantity=$3, inventory_shape=$4, updated_at=$5 WHERE id=$1`,
			productID, body, u.Quantity, tag, u.UpdatedAt)
	default:
		ct, err = t.tx.Exec(ctx, `UPDATE products SET quantity=$2, inventory_shape=$3, updated_at=$4 WHERE id=$1`,
			productID, u.Quantity, tag, u.UpdatedAt)
	}
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrProductNotFound
	}
	return nil
}

func (t *stockTx) MarkReconciled(ctx context.Context, orderID string, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET stock_decremented=true, stock_decremented_at=$2, updated_at=$2
		WHERE id=$1 AND NOT stock_decremented`, orderID, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("order %s changed under lock", orderID)
	}
	return nil
}

func shapeTag(productID string, tag *string) stock.Shape {
	if tag == nil || *tag == "" {
		return ""
	}
	sh, err := stock.ParseShape(*tag)
	if err != nil {
		log.Warn().Err(err).Str("product_id", productID).Msg("postgres: ignoring stored inventory shape")
		return ""
	}
	return sh
}
