package refresher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"supply-notifier/internal/storage"
)

// Stats summarises one reconciliation.
type Stats struct {
	Fresh           int
	Inserted        int
	Updated         int
	Rescheduled     int
	NotifiedCleared int64
	Deleted         int64
}

// Reconciler merges a fresh order set into the order store.
type Reconciler struct {
	store  storage.OrderStore
	now    func() time.Time
	loc    *time.Location
	logger zerolog.Logger
}

// NewReconciler constructs a Reconciler. now defaults to time.Now, loc to UTC.
func NewReconciler(store storage.OrderStore, now func() time.Time, loc *time.Location, logger zerolog.Logger) *Reconciler {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{
		store:  store,
		now:    now,
		loc:    loc,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile applies fresh in one transaction: new orders are inserted, known ones
// overwritten, and orders missing from fresh are deleted with their notified rows.
// When a supply date moves while the previous date had not yet passed, the order's
// notified rows are cleared so recipients hear about the new date. Orders that were
// already overdue keep their notified rows.
func (r *Reconciler) Reconcile(ctx context.Context, fresh []storage.Order) (Stats, error) {
	if r.store == nil {
		return Stats{}, storage.ErrNotConfigured
	}

	today := storage.Today(r.now(), r.loc)
	stats := Stats{Fresh: len(fresh)}

	err := r.store.WithOrderTx(ctx, func(tx storage.OrderTx) error {
		stats = Stats{Fresh: len(fresh)}
		listed := make([]int64, 0, len(fresh))

		for _, order := range fresh {
			order.SupplyDate = storage.DateOf(order.SupplyDate)
			if err := r.reconcileOrder(ctx, tx, order, today, &stats); err != nil {
				return err
			}
			listed = append(listed, order.OrderID)
		}

		deleted, err := tx.DeleteOrdersNotIn(ctx, listed)
		if err != nil {
			return err
		}
		stats.Deleted = deleted
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reconcile orders: %w", err)
	}

	r.logger.Debug().
		Int("fresh", stats.Fresh).
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Int("rescheduled", stats.Rescheduled).
		Int64("notified_cleared", stats.NotifiedCleared).
		Int64("deleted", stats.Deleted).
		Msg("orders reconciled")
	return stats, nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, tx storage.OrderTx, order storage.Order, today time.Time, stats *Stats) error {
	existing, err := tx.GetOrder(ctx, order.OrderID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		stats.Inserted++
		return nil
	}
	if err != nil {
		return err
	}

	if !existing.SupplyDate.Equal(order.SupplyDate) {
		stats.Rescheduled++
		// not yet overdue under the old schedule: announce the new date again
		if !existing.SupplyDate.Before(today) {
			cleared, err := tx.DeleteNotifiedByOrder(ctx, order.OrderID)
			if err != nil {
				return err
			}
			stats.NotifiedCleared += cleared
			r.logger.Info().
				Int64("order_id", order.OrderID).
				Str("old_supply_date", existing.SupplyDate.Format(storage.DateLayout)).
				Str("new_supply_date", order.SupplyDate.Format(storage.DateLayout)).
				Int64("notified_cleared", cleared).
				Msg("order rescheduled before due date")
		}
	}

	if err := tx.UpdateOrder(ctx, order); err != nil {
		return err
	}
	stats.Updated++
	return nil
}
