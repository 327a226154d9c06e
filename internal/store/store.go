// Package store contains the typed repositories over the control-plane
// database. The store is the single authority for durable state; every
// multi-row mutation runs inside database.WithTransaction.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// timeLayout is the canonical timestamp encoding: RFC3339 UTC with
// nanosecond precision.
const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func encodeTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse decimal %q: %w", s, err)
	}
	return d, nil
}

func encodeDecimalPtr(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func decodeDecimalPtr(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decodeDecimal(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func encodeStringList(items []string) string {
	return strings.Join(items, ",")
}

func decodeStringList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// decimalDst pairs a scan slot with its destination for bulk decoding of
// wide decimal rows.
type decimalDst struct{ d *decimal.Decimal }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
