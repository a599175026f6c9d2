package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"supply-notifier/internal/storage"
)

// Transport delivers rendered messages over one channel.
type Transport interface {
	Channel() storage.Channel
	Send(ctx context.Context, address, message string) error
}

// Listener receives inbound contacts and hands each sender address to handler.
type Listener interface {
	Listen(ctx context.Context, handler func(ctx context.Context, address string) error) error
}

// Dispatcher sends every recipient of a channel its pending plan.
type Dispatcher struct {
	recipients storage.RecipientStore
	ledger     storage.NotifiedStore
	planner    *Planner
	render     Renderer
	logger     zerolog.Logger
}

// NewDispatcher constructs a Dispatcher. render defaults to RenderHTML.
func NewDispatcher(recipients storage.RecipientStore, ledger storage.NotifiedStore, planner *Planner, render Renderer, logger zerolog.Logger) *Dispatcher {
	if render == nil {
		render = RenderHTML
	}
	return &Dispatcher{
		recipients: recipients,
		ledger:     ledger,
		planner:    planner,
		render:     render,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run sends pending plans through transport and returns the number of messages
// delivered. A plan is recorded as sent only after transport accepted it. A failing
// recipient does not stop the others; all failures are joined into the returned error.
func (d *Dispatcher) Run(ctx context.Context, transport Transport) (int, error) {
	if d.recipients == nil || d.ledger == nil || d.planner == nil {
		return 0, storage.ErrNotConfigured
	}

	channel := transport.Channel()
	recipients, err := d.recipients.ListRecipients(ctx, channel)
	if err != nil {
		return 0, fmt.Errorf("list %s recipients: %w", channel, err)
	}

	var (
		sent int
		errs []error
	)
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		ok, err := d.dispatchOne(ctx, transport, r)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			sent++
		}
	}

	d.logger.Info().
		Str("channel", string(channel)).
		Int("recipients", len(recipients)).
		Int("sent", sent).
		Int("failed", len(errs)).
		Msg("dispatch finished")
	return sent, errors.Join(errs...)
}

// dispatchOne reports whether a message was delivered to r.
func (d *Dispatcher) dispatchOne(ctx context.Context, transport Transport, r storage.Recipient) (bool, error) {
	plan, err := d.planner.Plan(ctx, r)
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, nil
	}

	log := d.logger.With().Str("address", r.Address).Logger()

	if err := transport.Send(ctx, r.Address, d.render(plan)); err != nil {
		log.Warn().Err(err).Int("orders", plan.Len()).Msg("send failed; plan kept for next cycle")
		return false, fmt.Errorf("send to %s/%s: %w", r.Channel, r.Address, err)
	}

	recorded, err := d.ledger.MarkNotified(ctx, r, plan.OrderIDs())
	if err != nil {
		log.Error().Err(err).Int("orders", plan.Len()).Msg("message delivered but not recorded")
		return true, fmt.Errorf("record notifications for %s/%s: %w", r.Channel, r.Address, err)
	}

	log.Info().
		Int("due_today", len(plan.DueToday)).
		Int("overdue", len(plan.Overdue)).
		Int64("recorded", recorded).
		Msg("notification sent")
	return true, nil
}
