package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// nullableText returns nil for blank strings so the column stores NULL.
func nullableText(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// nullableFloat passes optional readings through as NULL when absent.
func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}
