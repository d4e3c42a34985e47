package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// path is a sequence of nested keys, e.g. {"context", "request", "controller"}.
type path []string

// chain is an ordered fallback list; the first non-blank value wins.
type chain []path

func p(keys ...string) path { return keys }

// keyVariants yields the spellings SDKs use for one logical key:
// snake_case, camelCase and the symbol-like ":key" form.
func keyVariants(key string) []string {
	out := []string{key}
	if c := camel(key); c != key {
		out = append(out, c)
	}
	return append(out, ":"+key)
}

func camel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

func get(m map[string]any, key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, k := range keyVariants(key) {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func lookup(raw map[string]any, keys path) (any, bool) {
	cur := raw
	for i, key := range keys {
		v, ok := get(cur, key)
		if !ok {
			return nil, false
		}
		if i == len(keys)-1 {
			return v, true
		}
		if cur, ok = asMap(v); !ok {
			return nil, false
		}
	}
	return nil, false
}

func str(raw map[string]any, key string) (string, bool) {
	return stringAt(raw, p(key))
}

func stringAt(raw map[string]any, keys path) (string, bool) {
	v, ok := lookup(raw, keys)
	if !ok {
		return "", false
	}
	s := scalarString(v)
	if s == "" {
		return "", false
	}
	return s, true
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int, int64, int32, uint, uint64, bool:
		return fmt.Sprint(t)
	}
	return ""
}

func (c chain) str(raw map[string]any) string {
	for _, keys := range c {
		if s, ok := stringAt(raw, keys); ok {
			return s
		}
	}
	return ""
}

func (c chain) value(raw map[string]any) (any, bool) {
	for _, keys := range c {
		if v, ok := lookup(raw, keys); ok {
			return v, true
		}
	}
	return nil, false
}

func (c chain) float(raw map[string]any) (float64, bool, bool) {
	v, ok := c.value(raw)
	if !ok {
		return 0, false, false
	}
	f, valid := toFloat(v)
	return f, true, valid
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 MST",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTime accepts RFC 3339 and Ruby Time#to_s strings, and unix timestamps
// in seconds or milliseconds. The result is UTC.
func parseTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func stringMap(v any) map[string]string {
	m, ok := asMap(v)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s := scalarString(val); s != "" {
			out[k] = s
		}
	}
	return out
}
