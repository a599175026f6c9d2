package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"supply-notifier/internal/notifier"
	"supply-notifier/internal/storage"
)

// PreviewPlan prints the message the next notify cycle would send to a telegram chat.
// Nothing is sent and nothing is recorded.
func (a *App) PreviewPlan(ctx context.Context, opts PlanOptions) error {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return errors.New("--address is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	recipient := storage.Recipient{Channel: storage.ChannelTelegram, Address: address}
	plan, err := a.newPlanner(store).Plan(ctx, recipient)
	if err != nil {
		return err
	}
	return writePlanPreview(os.Stdout, plan)
}

func writePlanPreview(out io.Writer, plan *notifier.Plan) error {
	if plan == nil {
		_, err := fmt.Fprintln(out, "nothing pending")
		return err
	}
	_, err := fmt.Fprintf(out, "%d due today, %d overdue\n\n%s\n", len(plan.DueToday), len(plan.Overdue), notifier.RenderHTML(plan))
	return err
}
