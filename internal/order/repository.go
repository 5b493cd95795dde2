package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrOrderNotFound           = errors.New("order not found")
	ErrDuplicateIdempotencyKey = errors.New("order with this idempotency key already exists")
	ErrDuplicatePaymentRef     = errors.New("order with this payment reference already exists")
	ErrInvalidReference        = errors.New("order item references an unknown product or variant")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrUnknownStatus           = errors.New("unknown order status")
)

const idempotencyConstraint = "orders_user_idempotency_key"

type Repository interface {
	Create(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByPaymentRef(ctx context.Context, ref string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error)
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	SetCheckoutURL(ctx context.Context, id uuid.UUID, checkoutURL string) error
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)
	ClaimStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Order, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const (
	orderColumns          = `id, user_id, total, currency, status, payment_ref, idempotency_key, checkout_url, created_at, updated_at`
	qualifiedOrderColumns = `o.id, o.user_id, o.total, o.currency, o.status, o.payment_ref, o.idempotency_key, o.checkout_url, o.created_at, o.updated_at`
)

// Create stores the order row and all of its items in one transaction. The
// caller assigns order.ID; item ids are generated when unset.
func (r *postgresRepository) Create(ctx context.Context, orderInput *Order) (err error) {
	if orderInput.ID == uuid.Nil {
		return errors.New("repository: order id must be set before create")
	}

	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Stringer("order_id", orderInput.ID).Msg("repository: panic during order create, rolling back")
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.Error().Err(rbErr).Stringer("order_id", orderInput.ID).Msg("repository: failed to rollback transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	now := time.Now().UTC()

	queryOrder := `
		INSERT INTO orders (id, user_id, total, currency, status, payment_ref, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err = tx.Exec(ctx, queryOrder,
		orderInput.ID,
		orderInput.UserID,
		orderInput.Total,
		orderInput.Currency,
		string(orderInput.Status),
		orderInput.PaymentRef,
		orderInput.IdempotencyKey,
		now,
	)
	if err != nil {
		return mapWriteError(fmt.Errorf("repository: failed to insert order %s: %w", orderInput.ID, err))
	}

	queryItem := `
		INSERT INTO order_items (id, order_id, product_id, variant_id, quantity, price)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for i := range orderInput.Items {
		item := &orderInput.Items[i]
		if item.ID == uuid.Nil {
			item.ID, err = uuid.NewV4()
			if err != nil {
				return fmt.Errorf("repository: failed to generate order item id: %w", err)
			}
		}
		item.OrderID = orderInput.ID

		_, err = tx.Exec(ctx, queryItem,
			item.ID,
			item.OrderID,
			item.ProductID,
			item.VariantID,
			item.Quantity,
			item.Price,
		)
		if err != nil {
			return mapWriteError(fmt.Errorf("repository: failed to insert order item for order %s: %w", orderInput.ID, err))
		}
	}

	orderInput.CreatedAt = now
	orderInput.UpdatedAt = now
	return nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == idempotencyConstraint {
			return fmt.Errorf("%w: %w", ErrDuplicateIdempotencyKey, err)
		}
		return fmt.Errorf("%w: %w", ErrDuplicatePaymentRef, err)
	case pgerrcode.ForeignKeyViolation:
		return fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	return err
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *postgresRepository) GetByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1`, ref)
}

func (r *postgresRepository) GetByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (r *postgresRepository) getOne(ctx context.Context, query string, args ...any) (*Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order: %w", err)
	}

	items, err := r.loadItems(ctx, []uuid.UUID{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]
	if o.Items == nil {
		o.Items = []Item{}
	}

	return o, nil
}

func (r *postgresRepository) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`

	orders, err := r.list(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list orders for user %s: %w", userID, err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]uuid.UUID, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
		if orders[i].Items == nil {
			orders[i].Items = []Item{}
		}
	}

	return orders, nil
}

// ClaimStalePending picks up to limit pending orders created before the cutoff
// and stamps them as swept. Orders never swept come first, then the ones
// checked longest ago, so a backlog larger than limit is worked through in
// rotation. Rows claimed by a concurrent sweeper are skipped. Items are not
// loaded.
func (r *postgresRepository) ClaimStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Order, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM orders
			WHERE status = $1 AND created_at < $2
			ORDER BY swept_at NULLS FIRST, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE orders o
		SET swept_at = NOW()
		FROM due
		WHERE o.id = due.id
		RETURNING ` + qualifiedOrderColumns
	orders, err := r.list(ctx, query, string(StatusPending), createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to claim stale pending orders: %w", err)
	}
	return orders, nil
}

func (r *postgresRepository) list(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *postgresRepository) loadItems(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]Item, error) {
	query := `
		SELECT id, order_id, product_id, variant_id, quantity, price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, id
	`
	rows, err := r.db.Query(ctx, query, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items: %w", err)
	}
	defer rows.Close()

	items := make(map[uuid.UUID][]Item, len(orderIDs))
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.VariantID, &it.Quantity, &it.Price); err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item: %w", err)
		}
		items[it.OrderID] = append(items[it.OrderID], it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items: %w", err)
	}
	return items, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.Total,
		&o.Currency,
		&o.Status,
		&o.PaymentRef,
		&o.IdempotencyKey,
		&o.CheckoutURL,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if !o.Status.Valid() {
		return nil, fmt.Errorf("%w: order %s has status %q", ErrUnknownStatus, o.ID, o.Status)
	}
	return &o, nil
}

func (r *postgresRepository) SetCheckoutURL(ctx context.Context, id uuid.UUID, checkoutURL string) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE orders SET checkout_url = $1, updated_at = NOW() WHERE id = $2`,
		checkoutURL, id,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to set checkout url for order %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// TransitionStatus moves the order from one status to another only if it is
// still in the expected status. It reports whether this call changed the row.
func (r *postgresRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}

	cmdTag, err := r.db.Exec(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", id).Stringer("new_status", to).Msg("repository: failed to update order status")
		return false, fmt.Errorf("repository: failed to update order status %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("repository: failed to check order %s: %w", id, err)
	}
	if !exists {
		return false, ErrOrderNotFound
	}
	return false, nil
}
