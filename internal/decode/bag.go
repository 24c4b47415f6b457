// Package decode normalizes loosely-typed push payloads and REST responses
// into the canonical records of package model.
//
// Payload fields may appear under snake_case or camelCase keys, at the top
// level or inside an embedded "job" object, and nested JSON objects may be
// sent as JSON-encoded strings. Every accessor here tolerates all of those
// shapes and returns a zero value instead of failing.
package decode

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Bag is a loosely-typed JSON object.
type Bag map[string]any

// Lookup resolves a dotted key path such as "job.result.path_id". Each
// segment may traverse a nested object or a JSON-encoded string holding one.
func (b Bag) Lookup(path string) (any, bool) {
	if b == nil {
		return nil, false
	}
	cur := any(map[string]any(b))
	for _, seg := range strings.Split(path, ".") {
		obj := ParseObject(cur)
		if obj == nil {
			return nil, false
		}
		v, ok := obj[seg]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// String returns the first non-empty string found under keys.
// Numbers are formatted so numeric ids survive.
func (b Bag) String(keys ...string) string {
	for _, k := range keys {
		v, ok := b.Lookup(k)
		if !ok {
			continue
		}
		if s := toString(v); s != "" {
			return s
		}
	}
	return ""
}

// Int returns the first value under keys that converts to an integer.
func (b Bag) Int(keys ...string) (int64, bool) {
	for _, k := range keys {
		v, ok := b.Lookup(k)
		if !ok {
			continue
		}
		if n, ok := toInt(v); ok {
			return n, true
		}
	}
	return 0, false
}

// IntOr is Int with a default.
func (b Bag) IntOr(def int64, keys ...string) int64 {
	if n, ok := b.Int(keys...); ok {
		return n
	}
	return def
}

// Bool returns the first value under keys that converts to a boolean.
func (b Bag) Bool(keys ...string) (bool, bool) {
	for _, k := range keys {
		v, ok := b.Lookup(k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			if parsed, err := strconv.ParseBool(t); err == nil {
				return parsed, true
			}
		}
	}
	return false, false
}

// Time returns the first RFC 3339 timestamp (or unix seconds) under keys.
func (b Bag) Time(keys ...string) time.Time {
	for _, k := range keys {
		v, ok := b.Lookup(k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return ts
			}
		case float64:
			sec, frac := math.Modf(t)
			return time.Unix(int64(sec), int64(frac*1e9)).UTC()
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return time.Unix(n, 0).UTC()
			}
		}
	}
	return time.Time{}
}

// Object returns the first nested object under keys. String-encoded JSON is
// parsed; malformed input yields an empty, non-nil Bag.
func (b Bag) Object(keys ...string) Bag {
	for _, k := range keys {
		v, ok := b.Lookup(k)
		if !ok {
			continue
		}
		if obj := ParseObject(v); obj != nil {
			return obj
		}
	}
	return Bag{}
}

// List returns the first array under keys as a slice of Bags, skipping
// elements that are not objects.
func (b Bag) List(keys ...string) []Bag {
	for _, k := range keys {
		v, ok := b.Lookup(k)
		if !ok {
			continue
		}
		if items := toList(v); items != nil {
			return items
		}
	}
	return nil
}

// Has reports whether any of keys resolves to a non-null value.
func (b Bag) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := b.Lookup(k); ok {
			return true
		}
	}
	return false
}

// ParseObject returns v as an object when it is a map or a string holding a
// JSON object. Anything else, including malformed JSON, yields nil.
func ParseObject(v any) Bag {
	switch t := v.(type) {
	case Bag:
		return t
	case map[string]any:
		return Bag(t)
	case string:
		s := strings.TrimSpace(t)
		if !strings.HasPrefix(s, "{") {
			return nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil
		}
		return Bag(out)
	case []byte:
		return ParseObject(string(t))
	case json.RawMessage:
		return ParseObject(string(t))
	}
	return nil
}

// ParseBag decodes raw JSON into a Bag, returning an empty Bag on error.
func ParseBag(raw []byte) Bag {
	if obj := ParseObject(raw); obj != nil {
		return obj
	}
	return Bag{}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	}
	return ""
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func toList(v any) []Bag {
	var raw []any
	switch t := v.(type) {
	case []any:
		raw = t
	case []map[string]any:
		out := make([]Bag, 0, len(t))
		for _, m := range t {
			out = append(out, Bag(m))
		}
		return out
	case string:
		s := strings.TrimSpace(t)
		if !strings.HasPrefix(s, "[") {
			return nil
		}
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil
		}
	default:
		return nil
	}
	out := make([]Bag, 0, len(raw))
	for _, item := range raw {
		if obj := ParseObject(item); obj != nil {
			out = append(out, obj)
		}
	}
	return out
}
