// Package notifier decides which orders each recipient still has to hear about,
// renders the announcement and records successful deliveries.
package notifier

import (
	"context"
	"fmt"
	"sort"
	"time"

	"supply-notifier/internal/storage"
)

// Plan is the pending announcement for one recipient. DueToday and Overdue are
// disjoint and hold only orders never announced to Recipient.
type Plan struct {
	Recipient storage.Recipient
	Today     time.Time
	// DueToday is sorted by order id.
	DueToday []storage.Order
	// Overdue is sorted by supply date, then order id.
	Overdue []storage.Order
}

// OrderIDs lists every order of the plan, due-today first.
func (p *Plan) OrderIDs() []int64 {
	ids := make([]int64, 0, len(p.DueToday)+len(p.Overdue))
	for _, o := range p.DueToday {
		ids = append(ids, o.OrderID)
	}
	for _, o := range p.Overdue {
		ids = append(ids, o.OrderID)
	}
	return ids
}

// Len is the number of orders in the plan.
func (p *Plan) Len() int {
	return len(p.DueToday) + len(p.Overdue)
}

// Planner builds plans from the notified ledger. It never writes.
type Planner struct {
	store storage.NotifiedStore
	now   func() time.Time
	loc   *time.Location
}

// NewPlanner constructs a Planner. now defaults to time.Now, loc to UTC.
func NewPlanner(store storage.NotifiedStore, now func() time.Time, loc *time.Location) *Planner {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{store: store, now: now, loc: loc}
}

// Today returns the current calendar date in the planner's location.
func (p *Planner) Today() time.Time {
	return storage.Today(p.now(), p.loc)
}

// Plan returns the recipient's pending orders, or nil when there is nothing to send.
func (p *Planner) Plan(ctx context.Context, r storage.Recipient) (*Plan, error) {
	if p.store == nil {
		return nil, storage.ErrNotConfigured
	}

	today := p.Today()
	orders, err := p.store.ListUnnotifiedOrders(ctx, r, today)
	if err != nil {
		return nil, fmt.Errorf("list unnotified orders for %s/%s: %w", r.Channel, r.Address, err)
	}

	plan := &Plan{Recipient: r, Today: today}
	for _, o := range orders {
		day := storage.DateOf(o.SupplyDate)
		switch {
		case day.Equal(today):
			plan.DueToday = append(plan.DueToday, o)
		case day.Before(today):
			plan.Overdue = append(plan.Overdue, o)
		}
	}
	if plan.Len() == 0 {
		return nil, nil
	}

	sort.Slice(plan.DueToday, func(i, j int) bool {
		return plan.DueToday[i].OrderID < plan.DueToday[j].OrderID
	})
	sort.Slice(plan.Overdue, func(i, j int) bool {
		a, b := plan.Overdue[i], plan.Overdue[j]
		if !a.SupplyDate.Equal(b.SupplyDate) {
			return a.SupplyDate.Before(b.SupplyDate)
		}
		return a.OrderID < b.OrderID
	})
	return plan, nil
}
