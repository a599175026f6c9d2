package refresher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"supply-notifier/internal/currency"
	"supply-notifier/internal/fetcher"
	"supply-notifier/internal/storage"
)

// Options tune the Refresher.
type Options struct {
	HeaderRows int
	Location   *time.Location
	Now        func() time.Time
}

// Refresher runs one extraction cycle: fetch rows, validate, price in roubles, reconcile.
type Refresher struct {
	source     fetcher.OrderSource
	converter  *currency.Converter
	reconciler *Reconciler
	opts       Options
	logger     zerolog.Logger
}

// New constructs a Refresher over store.
func New(source fetcher.OrderSource, converter *currency.Converter, store storage.OrderStore, opts Options, logger zerolog.Logger) *Refresher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Refresher{
		source:     source,
		converter:  converter,
		reconciler: NewReconciler(store, opts.Now, opts.Location, logger),
		opts:       opts,
		logger:     logger.With().Str("component", "refresher").Logger(),
	}
}

// Refresh extracts the current order set and merges it into the store.
// Invalid rows are logged and skipped; any other failure aborts the cycle
// before the store is touched or rolls the reconciliation back.
func (r *Refresher) Refresh(ctx context.Context) (Stats, error) {
	rows, err := r.source.FetchRows(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("fetch order rows: %w", err)
	}

	orders := r.validOrders(fetcher.ParseRows(rows, r.opts.HeaderRows))

	asOf := storage.Today(r.opts.Now(), r.opts.Location)
	for i := range orders {
		rub, err := r.converter.RubPrice(ctx, orders[i].PriceUSD, asOf)
		if err != nil {
			return Stats{}, fmt.Errorf("convert price of order %d: %w", orders[i].OrderID, err)
		}
		orders[i].PriceRUB = rub
	}

	stats, err := r.reconciler.Reconcile(ctx, orders)
	if err != nil {
		return Stats{}, err
	}

	r.logger.Info().
		Int("orders", len(orders)).
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Int64("deleted", stats.Deleted).
		Int64("notified_cleared", stats.NotifiedCleared).
		Msg("orders refreshed")
	return stats, nil
}

// validOrders drops invalid rows and collapses repeated order ids so that only the
// last row for each id reaches the reconciler, in the position of its first row.
func (r *Refresher) validOrders(results []fetcher.RowResult) []storage.Order {
	type slot struct {
		index int
		row   int
	}
	orders := make([]storage.Order, 0, len(results))
	seen := make(map[int64]slot, len(results))

	for _, res := range results {
		if res.Err != nil {
			r.logger.Warn().Err(res.Err).Int("row", res.Row).Msg("invalid order row skipped")
			continue
		}
		if prev, dup := seen[res.Order.OrderID]; dup {
			r.logger.Warn().
				Int64("order_id", res.Order.OrderID).
				Int("row", res.Row).
				Int("previous_row", prev.row).
				Msg("duplicate order id; later row wins")
			orders[prev.index] = *res.Order
			seen[res.Order.OrderID] = slot{index: prev.index, row: res.Row}
			continue
		}
		seen[res.Order.OrderID] = slot{index: len(orders), row: res.Row}
		orders = append(orders, *res.Order)
	}
	return orders
}
