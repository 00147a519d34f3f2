package utils

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Float is a float64 that tolerates the loose number encodings returned by
// the DLMM API: JSON numbers, numeric strings, empty strings and null.
// Anything that cannot be parsed decodes to 0.
type Float float64

// UnmarshalJSON implements json.Unmarshaler
func (f *Float) UnmarshalJSON(data []byte) error {
	*f = Float(ParseFloat(string(bytes.Trim(bytes.TrimSpace(data), `"`))))
	return nil
}

// Float64 returns the plain float value
func (f Float) Float64() float64 {
	return float64(f)
}

// Int is the integer counterpart of Float. Fractional input is truncated.
type Int int64

// UnmarshalJSON implements json.Unmarshaler
func (i *Int) UnmarshalJSON(data []byte) error {
	*i = Int(ParseFloat(string(bytes.Trim(bytes.TrimSpace(data), `"`))))
	return nil
}

// Int returns the plain int value
func (i Int) Int() int {
	return int(i)
}

// ParseFloat converts a textual number to float64, returning 0 for empty,
// null or malformed input.
func ParseFloat(s string) float64 {
	if s == "" || s == "null" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// AnyToFloat converts a decoded JSON value (from a jsonb column or a loose
// request payload) to float64 with the same defaults as ParseFloat.
func AnyToFloat(v interface{}) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		return ParseFloat(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case json.Number:
		return ParseFloat(n.String())
	default:
		return 0
	}
}
