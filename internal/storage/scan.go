package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanOrder reads order_id, table_id, price_usd, price_rub, supply_date with
// money and date columns rendered as text by the query.
func scanOrder(row rowScanner) (Order, error) {
	var (
		order   Order
		usdStr  string
		rubStr  string
		dateStr string
	)
	if err := row.Scan(&order.OrderID, &order.TableID, &usdStr, &rubStr, &dateStr); err != nil {
		return Order{}, err
	}

	var err error
	order.PriceUSD, err = decimal.NewFromString(usdStr)
	if err != nil {
		return Order{}, fmt.Errorf("parse price_usd of order %d: %w", order.OrderID, err)
	}
	order.PriceRUB, err = decimal.NewFromString(rubStr)
	if err != nil {
		return Order{}, fmt.Errorf("parse price_rub of order %d: %w", order.OrderID, err)
	}
	order.SupplyDate, err = time.Parse(DateLayout, dateStr)
	if err != nil {
		return Order{}, fmt.Errorf("parse supply_date of order %d: %w", order.OrderID, err)
	}
	return order, nil
}

func moneyArg(d decimal.Decimal) string {
	return RoundMoney(d).StringFixed(2)
}

func dateArg(t time.Time) string {
	return DateOf(t).Format(DateLayout)
}
