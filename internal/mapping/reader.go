package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Jan 2, 2006 3:04 pm",
}

// Reader converts one legacy record into typed attribute values. Conversion
// problems are collected and reported together by Err.
type Reader struct {
	entity *Entity
	rec    map[string]any
	errs   []error
}

// Read starts a typed read over rec.
func (e *Entity) Read(rec map[string]any) *Reader {
	return &Reader{entity: e, rec: rec}
}

// ID returns the legacy identifier of the record.
func (r *Reader) ID() string {
	id, _ := r.rec[LegacyIDField].(string)
	return strings.TrimSpace(id)
}

// Has reports whether the record carries a non-null value for attr.
func (r *Reader) Has(attr Attribute) bool {
	_, ok := r.entity.Lookup(r.rec, attr)
	return ok
}

// Err returns every conversion problem seen so far.
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}

func (r *Reader) fail(attr Attribute, format string, args ...any) {
	name := string(attr)
	if f, ok := r.entity.Fields[attr]; ok {
		name = f.Legacy
	}
	r.errs = append(r.errs, fmt.Errorf("field %q: %s", name, fmt.Sprintf(format, args...)))
}

// Require records an error for each attribute with no usable value.
func (r *Reader) Require(attrs ...Attribute) {
	for _, attr := range attrs {
		v, ok := r.entity.Lookup(r.rec, attr)
		if !ok {
			r.fail(attr, "missing required value")
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			r.fail(attr, "missing required value")
		}
	}
}

// Text returns the attribute as a trimmed string, "" when absent.
func (r *Reader) Text(attr Attribute) string {
	v, ok := r.entity.Lookup(r.rec, attr)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		// geographic address objects carry the display text under "address"
		if s, ok := t["address"].(string); ok {
			return strings.TrimSpace(s)
		}
		r.fail(attr, "unexpected object value")
		return ""
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}

// Number returns the attribute as a float, nil when absent.
func (r *Reader) Number(attr Attribute) *float64 {
	v, ok := r.entity.Lookup(r.rec, attr)
	if !ok {
		return nil
	}
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			r.fail(attr, "invalid number %q", t.String())
			return nil
		}
		f = parsed
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			r.fail(attr, "invalid number %q", t)
			return nil
		}
		f = parsed
	default:
		r.fail(attr, "invalid number %v", t)
		return nil
	}
	return &f
}

// Int returns the attribute truncated to an int, 0 when absent.
func (r *Reader) Int(attr Attribute) int {
	if f := r.Number(attr); f != nil {
		return int(*f)
	}
	return 0
}

// Bool returns the attribute as a bool, false when absent.
func (r *Reader) Bool(attr Attribute) bool {
	v, ok := r.entity.Lookup(r.rec, attr)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "yes", "true", "1":
			return true
		case "no", "false", "0", "":
			return false
		}
		r.fail(attr, "invalid boolean %q", t)
	case float64:
		return t != 0
	default:
		r.fail(attr, "invalid boolean %v", t)
	}
	return false
}

// Time returns the attribute as a UTC time, nil when absent. Strings are
// parsed against the legacy date layouts; numbers are epoch milliseconds.
func (r *Reader) Time(attr Attribute) *time.Time {
	v, ok := r.entity.Lookup(r.rec, attr)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				ts = ts.UTC()
				return &ts
			}
		}
		r.fail(attr, "invalid date %q", t)
	case float64:
		ts := time.UnixMilli(int64(t)).UTC()
		return &ts
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			r.fail(attr, "invalid date %q", t.String())
			return nil
		}
		ts := time.UnixMilli(ms).UTC()
		return &ts
	default:
		r.fail(attr, "invalid date %v", t)
	}
	return nil
}

// Ref returns the raw identifier held in a reference attribute, "" when
// absent. Single-element lists and objects carrying "_id" are unwrapped.
func (r *Reader) Ref(attr Attribute) string {
	v, ok := r.entity.Lookup(r.rec, attr)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if id, ok := t[LegacyIDField].(string); ok {
			return strings.TrimSpace(id)
		}
	case []any:
		if len(t) == 0 {
			return ""
		}
		if id, ok := t[0].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	r.fail(attr, "invalid reference %v", v)
	return ""
}
