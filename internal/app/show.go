package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"supply-notifier/internal/notifier"
	"supply-notifier/internal/storage"
)

// Show prints tracked orders with their due status and delivery count.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	orders, err := store.ListOrders(ctx, opts.Limit)
	if err != nil {
		return err
	}
	states, err := store.ListNotified(ctx)
	if err != nil {
		return err
	}

	return writeOrderTable(os.Stdout, orders, notifiedCounts(states), storage.Today(a.Now(), a.location()))
}

func notifiedCounts(states []storage.NotifiedState) map[int64]int {
	counts := make(map[int64]int, len(states))
	for _, s := range states {
		counts[s.OrderID]++
	}
	return counts
}

func writeOrderTable(out io.Writer, orders []storage.Order, notified map[int64]int, today time.Time) error {
	if len(orders) == 0 {
		_, err := fmt.Fprintln(out, "no orders found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Table\tOrder\tUSD\tRUB\tSupply date\tStatus\tNotified")
	for _, o := range orders {
		fmt.Fprintf(
			writer,
			"%d\t%d\t%s\t%s\t%s\t%s\t%d\n",
			o.TableID,
			o.OrderID,
			o.PriceUSD.StringFixed(2),
			o.PriceRUB.StringFixed(2),
			o.SupplyDate.Format(notifier.MessageDateLayout),
			dueStatus(o.SupplyDate, today),
			notified[o.OrderID],
		)
	}
	return writer.Flush()
}

func dueStatus(supply, today time.Time) string {
	switch d := storage.DateOf(supply); {
	case d.Equal(today):
		return "due today"
	case d.Before(today):
		return "overdue"
	default:
		return "upcoming"
	}
}
