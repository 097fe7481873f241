package source

import (
	"math"
	"strconv"
	"strings"
)

// Record is one raw catalog entry decoded from JSON.
type Record map[string]any

// Aliases lists alternative keys for one logical field, most preferred first.
type Aliases []string

// Number returns the first alias whose value coerces to a finite number.
// Missing or unparseable values yield (0, false).
func (a Aliases) Number(r Record) (float64, bool) {
	for _, key := range a {
		v, ok := r[key]
		if !ok {
			continue
		}
		if n, ok := Coerce(v); ok {
			return n, true
		}
	}
	return 0, false
}

// NumberOrZero is Number with the miss folded into zero.
func (a Aliases) NumberOrZero(r Record) float64 {
	n, _ := a.Number(r)
	return n
}

// String returns the first alias holding a non-blank string (numbers are
// rendered without exponent).
func (a Aliases) String(r Record) string {
	for _, key := range a {
		if s := stringValue(r[key]); s != "" {
			return s
		}
	}
	return ""
}

// Coerce converts JSON numbers and numeric strings to float64. Strings may use
// a decimal comma and carry a leading comparison marker such as "<" or "~".
func Coerce(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		s := strings.TrimSpace(n)
		s = strings.TrimLeft(s, "<>~≈ ")
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == math.Trunc(s) && !math.IsInf(s, 0) {
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
		return ""
	default:
		return ""
	}
}

// nested returns r[key] when it is an object.
func nested(r Record, key string) Record {
	if m, ok := r[key].(map[string]any); ok {
		return m
	}
	return Record{}
}

// joinList renders a JSON string array as a comma-separated list, trimming
// "en:"-style language prefixes.
func joinList(v any) string {
	items, ok := v.([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if i := strings.Index(s, ":"); i > 0 && i <= 3 {
			s = s[i+1:]
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// firstOf splits a comma-separated list and returns its first entry.
func firstOf(s string) string {
	if i := strings.Index(s, ","); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
