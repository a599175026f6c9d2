package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supply-notifier/internal/config"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
)

// OrderTx is the set of order mutations available inside one reconciliation transaction.
type OrderTx interface {
	GetOrder(ctx context.Context, orderID int64) (Order, error)
	InsertOrder(ctx context.Context, order Order) error
	UpdateOrder(ctx context.Context, order Order) error
	DeleteNotifiedByOrder(ctx context.Context, orderID int64) (int64, error)
	// DeleteOrdersNotIn removes every order whose id is absent from keep.
	// Notified rows of removed orders go with them.
	DeleteOrdersNotIn(ctx context.Context, keep []int64) (int64, error)
}

// OrderStore persists the authoritative order set.
type OrderStore interface {
	// WithOrderTx runs fn in a transaction, committing only when fn returns nil.
	WithOrderTx(ctx context.Context, fn func(tx OrderTx) error) error
	// ListOrders returns orders sorted by table_id, order_id. limit <= 0 means all.
	ListOrders(ctx context.Context, limit int) ([]Order, error)
}

// NotifiedStore is the ledger of announced (order, recipient) pairs.
type NotifiedStore interface {
	// ListUnnotifiedOrders returns orders due on or before upTo that were never
	// announced to r, sorted by supply_date, order_id.
	ListUnnotifiedOrders(ctx context.Context, r Recipient, upTo time.Time) ([]Order, error)
	// MarkNotified records the pairs in one transaction. Already recorded pairs and
	// orders deleted in the meantime are skipped; the count of new rows is returned.
	MarkNotified(ctx context.Context, r Recipient, orderIDs []int64) (int64, error)
	ListNotified(ctx context.Context) ([]NotifiedState, error)
}

// RecipientStore keeps known recipients per channel.
type RecipientStore interface {
	// SaveRecipient inserts r; a duplicate reports created=false and no error.
	SaveRecipient(ctx context.Context, r Recipient) (created bool, err error)
	ListRecipients(ctx context.Context, channel Channel) ([]Recipient, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates every persistence concern of the service.
type Store interface {
	OrderStore
	NotifiedStore
	RecipientStore
	ApplySchema(ctx context.Context) error
	Close()
}

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case config.DriverSQLite:
		store, err = OpenSQLite(ctx, cfg.DSN)
	case config.DriverPostgres, "":
		pool, poolErr := NewPool(ctx, cfg)
		if poolErr != nil {
			return nil, poolErr
		}
		store = NewPostgres(pool)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.ApplySchema {
		if err := store.ApplySchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}
