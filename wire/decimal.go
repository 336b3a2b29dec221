package wire

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimal is a fixed-point monetary value that unmarshals from either a JSON
// number or a decimal-as-string, the two encodings the backend has been
// observed to emit. Anything else is a schema violation and fails decoding;
// a missing cost must never silently become zero.
type Decimal struct {
	decimal.Decimal
}

// NewDecimal wraps a decimal.Decimal for use in wire payloads.
func NewDecimal(d decimal.Decimal) Decimal {
	return Decimal{Decimal: d}
}

// DecimalFromFloat builds a Decimal from a float64. Intended for tests and
// payload construction; parsing paths go through UnmarshalJSON.
func DecimalFromFloat(f float64) Decimal {
	return Decimal{Decimal: decimal.NewFromFloat(f)}
}

// UnmarshalJSON accepts 1.23, "1.23", and null (left as zero).
func (d *Decimal) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid decimal value %s: %w", string(data), err)
	}
	d.Decimal = parsed
	return nil
}

// MarshalJSON emits the value as a JSON number.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(d.Decimal.String()), nil
}
