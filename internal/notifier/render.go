package notifier

import (
	"fmt"
	"strconv"
	"strings"

	"supply-notifier/internal/storage"
)

// MessageDateLayout formats supply dates inside messages.
const MessageDateLayout = "02.01.2006"

const (
	dueTodayHeading = "Supplies expected today for orders:"
	overdueHeading  = "Supply date has passed for orders:"
)

// Renderer turns a plan into a channel message.
type Renderer func(plan *Plan) string

// RenderHTML renders plan as Telegram HTML: a heading and a comma separated line of
// order ids per non-empty section. Overdue ids carry their supply date.
func RenderHTML(plan *Plan) string {
	if plan == nil {
		return ""
	}

	var lines []string
	if len(plan.DueToday) > 0 {
		lines = append(lines, dueTodayHeading, joinOrders(plan.DueToday, false))
	}
	if len(plan.Overdue) > 0 {
		lines = append(lines, overdueHeading, joinOrders(plan.Overdue, true))
	}
	return strings.Join(lines, "\n")
}

func joinOrders(orders []storage.Order, withDate bool) string {
	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		part := "<code>" + strconv.FormatInt(o.OrderID, 10) + "</code>"
		if withDate {
			part = fmt.Sprintf("%s (%s)", part, o.SupplyDate.Format(MessageDateLayout))
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
