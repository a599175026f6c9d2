package fetcher

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"supply-notifier/internal/storage"
)

// SourceDateLayout is the dd.mm.yyyy layout used by the order sheet.
const SourceDateLayout = "02.01.2006"

const (
	colTableID = iota
	colOrderID
	colPriceUSD
	colSupplyDate
	rowColumns
)

// ValidationError describes a source row that failed schema checks.
type ValidationError struct {
	Row    int
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d: %s %q: %s", e.Row, e.Field, e.Value, e.Reason)
}

// RowResult is the outcome of parsing one source row. Exactly one of Order and Err is set.
type RowResult struct {
	Row   int
	Order *storage.Order
	Err   error
}

// ParseRows skips headerRows leading rows and parses the rest. Fully blank rows are
// dropped; every other row yields a RowResult. Row numbers are 1-based sheet rows.
func ParseRows(rows [][]string, headerRows int) []RowResult {
	if headerRows < 0 {
		headerRows = 0
	}
	if headerRows >= len(rows) {
		return nil
	}

	results := make([]RowResult, 0, len(rows)-headerRows)
	for i, row := range rows[headerRows:] {
		if isBlank(row) {
			continue
		}
		rowNum := headerRows + i + 1
		order, err := ParseRow(rowNum, row)
		if err != nil {
			results = append(results, RowResult{Row: rowNum, Err: err})
			continue
		}
		results = append(results, RowResult{Row: rowNum, Order: &order})
	}
	return results
}

// ParseRow converts (table_id, order_id, price_usd, supply_date) cells into an Order
// without a rouble price.
func ParseRow(rowNum int, row []string) (storage.Order, error) {
	if len(row) < rowColumns {
		return storage.Order{}, &ValidationError{Row: rowNum, Reason: fmt.Sprintf("expected %d columns, got %d", rowColumns, len(row))}
	}

	tableID, err := parseID(row[colTableID])
	if err != nil {
		return storage.Order{}, &ValidationError{Row: rowNum, Field: "table_id", Value: row[colTableID], Reason: err.Error()}
	}
	orderID, err := parseID(row[colOrderID])
	if err != nil {
		return storage.Order{}, &ValidationError{Row: rowNum, Field: "order_id", Value: row[colOrderID], Reason: err.Error()}
	}
	price, err := parsePrice(row[colPriceUSD])
	if err != nil {
		return storage.Order{}, &ValidationError{Row: rowNum, Field: "price_usd", Value: row[colPriceUSD], Reason: err.Error()}
	}
	supply, err := time.Parse(SourceDateLayout, strings.TrimSpace(row[colSupplyDate]))
	if err != nil {
		return storage.Order{}, &ValidationError{Row: rowNum, Field: "supply_date", Value: row[colSupplyDate], Reason: "expected dd.mm.yyyy"}
	}

	return storage.Order{
		OrderID:    orderID,
		TableID:    tableID,
		PriceUSD:   price,
		SupplyDate: supply,
	}, nil
}

func parseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	return id, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\u00a0', '\u202f', '$':
			return -1
		case ',':
			return '.'
		}
		return r
	}, s)
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("empty")
	}
	price, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("not a decimal")
	}
	if price.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative")
	}
	return storage.RoundMoney(price), nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
