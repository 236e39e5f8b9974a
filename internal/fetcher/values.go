package fetcher

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// fredMissing is the token FRED publishes for a date without a value.
const fredMissing = "."

var billion = decimal.NewFromInt(1_000_000_000)

// toBillions converts a raw currency amount to billions.
func toBillions(v decimal.NullDecimal) decimal.NullDecimal {
	if !v.Valid {
		return v
	}
	return decimal.NewNullDecimal(v.Decimal.Div(billion))
}

// parseToken parses a text value. Empty and sentinel tokens are null; ok is
// false only when a non-empty token could not be read as a number.
func parseToken(token string) (decimal.NullDecimal, bool) {
	token = strings.TrimSpace(token)
	if token == "" || token == fredMissing {
		return decimal.NullDecimal{}, true
	}
	d, err := decimal.NewFromString(token)
	if err != nil {
		return decimal.NullDecimal{}, false
	}
	return decimal.NewNullDecimal(d), true
}

// parseJSONValue accepts a JSON number, a numeric string or null. Upstream
// revisions have published the same field both ways.
func parseJSONValue(raw json.RawMessage) (decimal.NullDecimal, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.NullDecimal{}, true
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.NullDecimal{}, false
		}
		return parseToken(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		d, err := decimal.NewFromString(string(raw))
		if err != nil {
			return decimal.NullDecimal{}, false
		}
		return decimal.NewNullDecimal(d), true
	default:
		return decimal.NullDecimal{}, false
	}
}

// record is one upstream JSON object addressed by field name.
type record map[string]json.RawMessage

// has reports whether any of keys is present and not null.
func (r record) has(keys ...string) bool {
	_, _, ok := r.first(keys...)
	return ok
}

// first returns the first of keys present with a non-null value.
func (r record) first(keys ...string) (string, json.RawMessage, bool) {
	for _, k := range keys {
		raw, ok := r[k]
		if !ok {
			continue
		}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		return k, raw, true
	}
	return "", nil, false
}

func (r record) str(keys ...string) string {
	_, raw, ok := r.first(keys...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
