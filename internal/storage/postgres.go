package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres.sql
var postgresSchemaSQL string

const pgUniqueViolation = "23505"

const (
	pgOrderColumns = `order_id, table_id, price_usd::text, price_rub::text, to_char(supply_date, 'YYYY-MM-DD')`

	pgGetOrderSQL = `SELECT ` + pgOrderColumns + `
    FROM orders
    WHERE order_id = $1
    FOR UPDATE;`

	pgInsertOrderSQL = `INSERT INTO orders (
        order_id,
        table_id,
        price_usd,
        price_rub,
        supply_date
    ) VALUES (
        $1, $2, $3::numeric, $4::numeric, $5::date
    );`

	pgUpdateOrderSQL = `UPDATE orders
    SET table_id    = $2,
        price_usd   = $3::numeric,
        price_rub   = $4::numeric,
        supply_date = $5::date
    WHERE order_id = $1;`

	pgDeleteNotifiedByOrderSQL = `DELETE FROM notified WHERE order_id = $1;`

	pgDeleteOrdersNotInSQL = `DELETE FROM orders WHERE NOT (order_id = ANY($1::bigint[]));`

	pgListOrdersSQL = `SELECT ` + pgOrderColumns + `
    FROM orders
    ORDER BY table_id, order_id
    LIMIT $1;`

	pgListUnnotifiedSQL = `SELECT ` + pgOrderColumns + `
    FROM orders o
    WHERE o.supply_date <= $3::date
      AND NOT EXISTS (
        SELECT 1
        FROM notified n
        WHERE n.order_id = o.order_id
          AND n.recipient_channel = $1
          AND n.recipient_channel_address = $2
      )
    ORDER BY o.supply_date, o.order_id;`

	pgMarkNotifiedSQL = `INSERT INTO notified (
        order_id,
        recipient_channel,
        recipient_channel_address
    )
    SELECT o.order_id, $2, $3
    FROM orders o
    WHERE o.order_id = ANY($1::bigint[])
    ON CONFLICT DO NOTHING;`

	pgListNotifiedSQL = `SELECT order_id, recipient_channel, recipient_channel_address
    FROM notified
    ORDER BY order_id, recipient_channel, recipient_channel_address;`

	pgSaveRecipientSQL = `INSERT INTO recipients (channel, channel_address)
    VALUES ($1, $2)
    ON CONFLICT DO NOTHING;`

	pgListRecipientsSQL = `SELECT channel, channel_address
    FROM recipients
    WHERE channel = $1
    ORDER BY created_at, channel_address;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wires a pgx pool into a Postgres store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Postgres) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ApplySchema creates missing tables and indexes.
func (s *Postgres) ApplySchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

// WithOrderTx runs fn inside a single database transaction.
func (s *Postgres) WithOrderTx(ctx context.Context, fn func(tx OrderTx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return fn(&pgOrderTx{tx: tx})
	})
}

// ListOrders lists persisted orders sorted by table_id.
func (s *Postgres) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := pool.Query(ctx, pgListOrdersSQL, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return collectOrders(rows)
}

// ListUnnotifiedOrders lists orders due by upTo that r has not been told about.
func (s *Postgres) ListUnnotifiedOrders(ctx context.Context, r Recipient, upTo time.Time) ([]Order, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, pgListUnnotifiedSQL, string(r.Channel), r.Address, dateArg(upTo))
	if err != nil {
		return nil, fmt.Errorf("list unnotified orders: %w", err)
	}
	return collectOrders(rows)
}

// MarkNotified records every (order, r) pair in one transaction.
func (s *Postgres) MarkNotified(ctx context.Context, r Recipient, orderIDs []int64) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(orderIDs) == 0 {
		return 0, nil
	}

	var inserted int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, execErr := tx.Exec(ctx, pgMarkNotifiedSQL, orderIDs, string(r.Channel), r.Address)
		if execErr != nil {
			return execErr
		}
		inserted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark notified: %w", err)
	}
	return inserted, nil
}

// ListNotified lists every notified pair.
func (s *Postgres) ListNotified(ctx context.Context) ([]NotifiedState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, pgListNotifiedSQL)
	if err != nil {
		return nil, fmt.Errorf("list notified: %w", err)
	}
	defer rows.Close()

	states := make([]NotifiedState, 0)
	for rows.Next() {
		var (
			state   NotifiedState
			channel string
		)
		if err := rows.Scan(&state.OrderID, &channel, &state.Recipient.Address); err != nil {
			return nil, err
		}
		state.Recipient.Channel = Channel(channel)
		states = append(states, state)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// SaveRecipient inserts a recipient, absorbing duplicates.
func (s *Postgres) SaveRecipient(ctx context.Context, r Recipient) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, err := pool.Exec(ctx, pgSaveRecipientSQL, string(r.Channel), r.Address)
	if err != nil {
		if isPgUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("save recipient: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRecipients lists recipients registered on channel.
func (s *Postgres) ListRecipients(ctx context.Context, channel Channel) ([]Recipient, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, pgListRecipientsSQL, string(channel))
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	recipients := make([]Recipient, 0)
	for rows.Next() {
		var (
			r  Recipient
			ch string
		)
		if err := rows.Scan(&ch, &r.Address); err != nil {
			return nil, err
		}
		r.Channel = Channel(ch)
		recipients = append(recipients, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return recipients, nil
}

type pgOrderTx struct {
	tx pgx.Tx
}

func (t *pgOrderTx) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, pgGetOrderSQL, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order %d: %w", orderID, err)
	}
	return order, nil
}

func (t *pgOrderTx) InsertOrder(ctx context.Context, order Order) error {
	_, err := t.tx.Exec(ctx, pgInsertOrderSQL,
		order.OrderID,
		order.TableID,
		moneyArg(order.PriceUSD),
		moneyArg(order.PriceRUB),
		dateArg(order.SupplyDate),
	)
	if err != nil {
		return fmt.Errorf("insert order %d: %w", order.OrderID, err)
	}
	return nil
}

func (t *pgOrderTx) UpdateOrder(ctx context.Context, order Order) error {
	tag, err := t.tx.Exec(ctx, pgUpdateOrderSQL,
		order.OrderID,
		order.TableID,
		moneyArg(order.PriceUSD),
		moneyArg(order.PriceRUB),
		dateArg(order.SupplyDate),
	)
	if err != nil {
		return fmt.Errorf("update order %d: %w", order.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgOrderTx) DeleteNotifiedByOrder(ctx context.Context, orderID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, pgDeleteNotifiedByOrderSQL, orderID)
	if err != nil {
		return 0, fmt.Errorf("delete notified of order %d: %w", orderID, err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgOrderTx) DeleteOrdersNotIn(ctx context.Context, keep []int64) (int64, error) {
	if keep == nil {
		keep = []int64{}
	}
	tag, err := t.tx.Exec(ctx, pgDeleteOrdersNotInSQL, keep)
	if err != nil {
		return 0, fmt.Errorf("delete unlisted orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return orders, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

var (
	_ Store          = (*Postgres)(nil)
	_ AdvisoryLocker = (*Postgres)(nil)
)
