package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema/sqlite.sql
var sqliteSchemaSQL string

const (
	sqliteOrderColumns = `order_id, table_id, price_usd, price_rub, supply_date`

	sqliteGetOrderSQL = `SELECT ` + sqliteOrderColumns + ` FROM orders WHERE order_id = ?;`

	sqliteInsertOrderSQL = `INSERT INTO orders (order_id, table_id, price_usd, price_rub, supply_date)
    VALUES (?, ?, ?, ?, ?);`

	sqliteUpdateOrderSQL = `UPDATE orders
    SET table_id = ?, price_usd = ?, price_rub = ?, supply_date = ?
    WHERE order_id = ?;`

	sqliteDeleteNotifiedByOrderSQL = `DELETE FROM notified WHERE order_id = ?;`

	sqliteDeleteOrdersNotInSQL = `DELETE FROM orders
    WHERE order_id NOT IN (SELECT value FROM json_each(?));`

	sqliteMarkNotifiedSQL = `INSERT OR IGNORE INTO notified (order_id, recipient_channel, recipient_channel_address)
    SELECT order_id, ?, ?
    FROM orders
    WHERE order_id IN (SELECT value FROM json_each(?));`

	sqliteListOrdersSQL = `SELECT ` + sqliteOrderColumns + `
    FROM orders
    ORDER BY table_id, order_id
    LIMIT ?;`

	sqliteListUnnotifiedSQL = `SELECT o.order_id, o.table_id, o.price_usd, o.price_rub, o.supply_date
    FROM orders o
    WHERE o.supply_date <= ?
      AND NOT EXISTS (
        SELECT 1
        FROM notified n
        WHERE n.order_id = o.order_id
          AND n.recipient_channel = ?
          AND n.recipient_channel_address = ?
      )
    ORDER BY o.supply_date, o.order_id;`

	sqliteListNotifiedSQL = `SELECT order_id, recipient_channel, recipient_channel_address
    FROM notified
    ORDER BY order_id, recipient_channel, recipient_channel_address;`

	sqliteSaveRecipientSQL = `INSERT OR IGNORE INTO recipients (channel, channel_address) VALUES (?, ?);`

	sqliteListRecipientsSQL = `SELECT channel, channel_address
    FROM recipients
    WHERE channel = ?
    ORDER BY created_at, channel_address;`
)

// SQLite implements Store on a local SQLite database for single-host deployments.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn (a path or file: URI) with foreign keys enforced.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	db, err := sql.Open("sqlite3", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// one writer at a time; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLite{db: db}, nil
}

func sqliteDSN(dsn string) string {
	params := []string{"_foreign_keys=on", "_busy_timeout=5000"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		key := p[:strings.Index(p, "=")+1]
		if strings.Contains(dsn, key) {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}

// Close releases the database handle.
func (s *SQLite) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLite) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// ApplySchema creates missing tables and indexes.
func (s *SQLite) ApplySchema(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// WithOrderTx runs fn inside a single database transaction.
func (s *SQLite) WithOrderTx(ctx context.Context, fn func(tx OrderTx) error) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return withSQLTx(ctx, db, func(tx *sql.Tx) error {
		return fn(&sqliteOrderTx{tx: tx})
	})
}

// ListOrders lists persisted orders sorted by table_id.
func (s *SQLite) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx, sqliteListOrdersSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return collectSQLOrders(rows)
}

// ListUnnotifiedOrders lists orders due by upTo that r has not been told about.
func (s *SQLite) ListUnnotifiedOrders(ctx context.Context, r Recipient, upTo time.Time) ([]Order, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, sqliteListUnnotifiedSQL, dateArg(upTo), string(r.Channel), r.Address)
	if err != nil {
		return nil, fmt.Errorf("list unnotified orders: %w", err)
	}
	return collectSQLOrders(rows)
}

// MarkNotified records every (order, r) pair in one transaction.
func (s *SQLite) MarkNotified(ctx context.Context, r Recipient, orderIDs []int64) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	if len(orderIDs) == 0 {
		return 0, nil
	}

	ids, err := idListArg(orderIDs)
	if err != nil {
		return 0, fmt.Errorf("mark notified: %w", err)
	}

	var inserted int64
	err = withSQLTx(ctx, db, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, sqliteMarkNotifiedSQL, string(r.Channel), r.Address, ids)
		if execErr != nil {
			return execErr
		}
		inserted, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("mark notified: %w", err)
	}
	return inserted, nil
}

// ListNotified lists every notified pair.
func (s *SQLite) ListNotified(ctx context.Context) ([]NotifiedState, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, sqliteListNotifiedSQL)
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
	return states, rows.Err()
}

// SaveRecipient inserts a recipient, absorbing duplicates.
func (s *SQLite) SaveRecipient(ctx context.Context, r Recipient) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}

	res, err := db.ExecContext(ctx, sqliteSaveRecipientSQL, string(r.Channel), r.Address)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("save recipient: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save recipient: %w", err)
	}
	return affected == 1, nil
}

// ListRecipients lists recipients registered on channel.
func (s *SQLite) ListRecipients(ctx context.Context, channel Channel) ([]Recipient, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, sqliteListRecipientsSQL, string(channel))
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
	return recipients, rows.Err()
}

type sqliteOrderTx struct {
	tx *sql.Tx
}

func (t *sqliteOrderTx) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	order, err := scanOrder(t.tx.QueryRowContext(ctx, sqliteGetOrderSQL, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order %d: %w", orderID, err)
	}
	return order, nil
}

func (t *sqliteOrderTx) InsertOrder(ctx context.Context, order Order) error {
	_, err := t.tx.ExecContext(ctx, sqliteInsertOrderSQL,
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

func (t *sqliteOrderTx) UpdateOrder(ctx context.Context, order Order) error {
	res, err := t.tx.ExecContext(ctx, sqliteUpdateOrderSQL,
		order.TableID,
		moneyArg(order.PriceUSD),
		moneyArg(order.PriceRUB),
		dateArg(order.SupplyDate),
		order.OrderID,
	)
	if err != nil {
		return fmt.Errorf("update order %d: %w", order.OrderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order %d: %w", order.OrderID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteOrderTx) DeleteNotifiedByOrder(ctx context.Context, orderID int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, sqliteDeleteNotifiedByOrderSQL, orderID)
	if err != nil {
		return 0, fmt.Errorf("delete notified of order %d: %w", orderID, err)
	}
	return res.RowsAffected()
}

func (t *sqliteOrderTx) DeleteOrdersNotIn(ctx context.Context, keep []int64) (int64, error) {
	ids, err := idListArg(keep)
	if err != nil {
		return 0, fmt.Errorf("delete unlisted orders: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, sqliteDeleteOrdersNotInSQL, ids)
	if err != nil {
		return 0, fmt.Errorf("delete unlisted orders: %w", err)
	}
	return res.RowsAffected()
}

func withSQLTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func collectSQLOrders(rows *sql.Rows) ([]Order, error) {
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// idListArg encodes ids as one JSON array bound to a single parameter and expanded
// with json_each, so the id count is not capped by SQLITE_MAX_VARIABLE_NUMBER.
func idListArg(ids []int64) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var _ Store = (*SQLite)(nil)
