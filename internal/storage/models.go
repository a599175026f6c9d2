package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the storage and wire layout of calendar dates.
const DateLayout = "2006-01-02"

// Channel names a delivery channel for recipients.
type Channel string

// ChannelTelegram is the only channel shipped today.
const ChannelTelegram Channel = "telegram"

// Order is a tracked supply order.
type Order struct {
	OrderID  int64
	TableID  int64
	PriceUSD decimal.Decimal
	PriceRUB decimal.Decimal
	// SupplyDate is a calendar date at UTC midnight; see DateOf.
	SupplyDate time.Time
}

// Recipient is an address that receives notifications on a channel.
type Recipient struct {
	Channel Channel
	Address string
}

// NotifiedState records that an order was announced to a recipient.
type NotifiedState struct {
	OrderID   int64
	Recipient Recipient
}

// DateOf strips the clock from t, keeping the calendar day t has in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current calendar date as seen in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(now.In(loc))
}

// RoundMoney rounds half away from zero to two places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
