package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Number accepts JSON numbers and numeric strings. Platforms disagree on which
// one they send; Meta and TikTok quote most metrics.
type Number struct {
	raw string
}

// NumberOf builds a Number from a literal, mostly for tests and mappers.
func NumberOf(v string) Number { return Number{raw: v} }

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		n.raw = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n.raw = strings.TrimSpace(s)
		return nil
	}
	n.raw = string(data)
	return nil
}

// IsSet reports whether a value was present.
func (n Number) IsSet() bool { return n.raw != "" }

// Decimal returns the value, zero when missing.
func (n Number) Decimal() (decimal.Decimal, error) {
	if n.raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(n.raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %q", n.raw)
	}
	return d, nil
}

// Count returns the value as an integer, zero when missing. Fractional values
// are rejected rather than floored.
func (n Number) Count() (int64, error) {
	d, err := n.Decimal()
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("not a whole number: %q", n.raw)
	}
	return d.IntPart(), nil
}
