package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrStoreUnavailable indicates the database dependency is not configured.
var ErrStoreUnavailable = errors.New("order: store unavailable")

const orderColumns = `id, order_key, number, status, payment_status, currency, total::text,
email, first_name, last_name, phone, COALESCE(transaction_id, ''), paid_at, version, created_at, updated_at`

// PostgresStore is the Adapter backed by the storefront database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store on pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) ready() error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Order, error) {
	if err := s.ready(); err != nil {
		return Order{}, err
	}
	if !validID(id) {
		return Order{}, ErrNotFound
	}
	return s.loadOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (s *PostgresStore) FindByMeta(ctx context.Context, key, value string) (Order, error) {
	if err := s.ready(); err != nil {
		return Order{}, err
	}
	if strings.TrimSpace(value) == "" {
		return Order{}, ErrNotFound
	}
	return s.loadOne(ctx, `SELECT `+orderColumns+` FROM orders
WHERE id = (SELECT order_id FROM order_meta WHERE meta_key = $1 AND meta_value = $2 ORDER BY order_id LIMIT 1)`, key, value)
}

func (s *PostgresStore) FindByKey(ctx context.Context, key string) (Order, error) {
	if err := s.ready(); err != nil {
		return Order{}, err
	}
	if strings.TrimSpace(key) == "" {
		return Order{}, ErrNotFound
	}
	return s.loadOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_key = $1`, key)
}

// Apply runs the check-then-set in one transaction. The UPDATE's WHERE clause
// carries the expected payment state, so a concurrent winner leaves zero
// affected rows and nothing else is written.
func (s *PostgresStore) Apply(ctx context.Context, id string, expected PaymentState, change Change) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if err := change.validate(expected); err != nil {
		return false, err
	}
	if !validID(id) {
		return false, ErrNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE orders SET
  payment_status = $2,
  status = COALESCE(NULLIF($3::text, ''), status),
  transaction_id = CASE WHEN $2 = 'completed' AND paid_at IS NULL THEN $4::text ELSE transaction_id END,
  paid_at = CASE WHEN $2 = 'completed' AND paid_at IS NULL THEN now() ELSE paid_at END,
  version = version + 1,
  updated_at = now()
WHERE id = $1 AND payment_status = $5`,
		id, string(change.Status), string(change.OrderStatus), change.TransactionID, string(expected))
	if err != nil {
		return false, fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("check order: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}

	batch := &pgx.Batch{}
	for k, v := range change.Meta {
		batch.Queue(`INSERT INTO order_meta (order_id, meta_key, meta_value) VALUES ($1, $2, $3)
ON CONFLICT (order_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value`, id, k, v)
	}
	if change.Note != nil && strings.TrimSpace(change.Note.Text) != "" {
		batch.Queue(`INSERT INTO order_notes (order_id, note, customer_visible) VALUES ($1, $2, $3)`,
			id, change.Note.Text, change.Note.CustomerVisible)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("write payment metadata: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RestoreCart(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !validID(id) {
		return ErrNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cartID uuid.UUID
	err = tx.QueryRow(ctx, `INSERT INTO carts (id, order_id, email)
SELECT $1, o.id, o.email FROM orders o WHERE o.id = $2
ON CONFLICT (order_id) DO NOTHING
RETURNING id`, uuid.New(), id).Scan(&cartID)
	if errors.Is(err, pgx.ErrNoRows) {
		// either already restored or the order is unknown
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check order: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("create cart: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO cart_items (cart_id, product_id, name, quantity, unit_price)
SELECT $1, product_id, name, quantity, unit_price FROM order_items WHERE order_id = $2`, cartID, id); err != nil {
		return fmt.Errorf("copy cart items: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListAwaiting(ctx context.Context, olderThan time.Time, limit int) ([]Order, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
WHERE payment_status IN ('awaiting', 'processing') AND updated_at < $1
ORDER BY created_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list awaiting: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.loadDetails(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) Notes(ctx context.Context, id string) ([]Note, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id, note, customer_visible, created_at FROM order_notes WHERE order_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Text, &n.CustomerVisible, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Insert stores a new order with its lines. It is used by the seeding tool;
// the storefront owns order creation in production.
func (s *PostgresStore) Insert(ctx context.Context, o Order) (Order, error) {
	if err := s.ready(); err != nil {
		return Order{}, err
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Key == "" {
		o.Key = "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:13]
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = PaymentNone
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `INSERT INTO orders (id, order_key, status, payment_status, currency, total, email, first_name, last_name, phone)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10) RETURNING number, created_at, updated_at`,
		o.ID, o.Key, string(o.Status), string(o.PaymentStatus), strings.ToUpper(o.Currency), o.Total.StringFixed(2),
		o.Email, o.FirstName, o.LastName, o.Phone).Scan(&o.Number, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, product_id, name, quantity, unit_price) VALUES ($1, $2, $3, $4, $5::numeric)`,
			o.ID, it.ProductID, it.Name, it.Quantity, it.UnitPrice.StringFixed(2))
	}
	for k, v := range o.Meta {
		batch.Queue(`INSERT INTO order_meta (order_id, meta_key, meta_value) VALUES ($1, $2, $3)`, o.ID, k, v)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Order{}, fmt.Errorf("insert order details: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("commit: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) loadOne(ctx context.Context, query string, args ...any) (Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	if err := s.loadDetails(ctx, &o); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *PostgresStore) loadDetails(ctx context.Context, o *Order) error {
	rows, err := s.pool.Query(ctx, `SELECT product_id, name, quantity, unit_price::text FROM order_items WHERE order_id = $1 ORDER BY name`, o.ID)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	for rows.Next() {
		var it Item
		var price string
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Quantity, &price); err != nil {
			rows.Close()
			return err
		}
		it.UnitPrice, _ = decimal.NewFromString(price)
		o.Items = append(o.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx, `SELECT meta_key, meta_value FROM order_meta WHERE order_id = $1`, o.ID)
	if err != nil {
		return fmt.Errorf("load meta: %w", err)
	}
	defer rows.Close()
	o.Meta = make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		o.Meta[k] = v
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o           Order
		status, pay string
		total       string
		paidAt      *time.Time
	)
	err := row.Scan(&o.ID, &o.Key, &o.Number, &status, &pay, &o.Currency, &total,
		&o.Email, &o.FirstName, &o.LastName, &o.Phone, &o.TransactionID, &paidAt, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	o.PaymentStatus = PaymentState(pay)
	o.PaidAt = paidAt
	o.Total, err = decimal.NewFromString(total)
	if err != nil {
		return Order{}, fmt.Errorf("parse total %q: %w", total, err)
	}
	return o, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
