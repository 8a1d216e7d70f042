package bitget

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Decode parses a payload keeping numbers exact for decimal conversion.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func ToMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func ToSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// Maps returns the object entries of a list payload, or the payload itself when it is a single object.
func Maps(v any) []map[string]any {
	if m, ok := ToMap(v); ok {
		return []map[string]any{m}
	}
	items, ok := ToSlice(v)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := ToMap(item); ok {
			out = append(out, m)
		}
	}
	return out
}

func StringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := StringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func StringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	default:
		return ""
	}
}

// DecimalFromMap returns the first key that parses, or zero.
func DecimalFromMap(m map[string]any, keys ...string) decimal.Decimal {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if d, ok := DecimalFromAny(v); ok {
				return d
			}
		}
	}
	return decimal.Zero
}

func DecimalFromAny(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(val), true
	case int64:
		return decimal.NewFromInt(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	default:
		return decimal.Zero, false
	}
}

func IntFromMap(m map[string]any, fallback int, keys ...string) int {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if d, ok := DecimalFromAny(v); ok {
				return int(d.IntPart())
			}
		}
	}
	return fallback
}

// TimeFromMillis reads a millisecond epoch field. Missing or zero yields the zero time.
func TimeFromMillis(m map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if d, ok := DecimalFromAny(v); ok && d.IsPositive() {
				return time.UnixMilli(d.IntPart()).UTC()
			}
		}
	}
	return time.Time{}
}
