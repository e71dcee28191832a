package legacy

import (
	"encoding/json"
	"time"
)

// ConstraintType is a legacy data API filter operator.
type ConstraintType string

const (
	Equals          ConstraintType = "equals"
	NotEqual        ConstraintType = "not equal"
	IsEmpty         ConstraintType = "is_empty"
	IsNotEmpty      ConstraintType = "is_not_empty"
	Contains        ConstraintType = "contains"
	NotContains     ConstraintType = "not contains"
	TextContains    ConstraintType = "text contains"
	NotTextContains ConstraintType = "not text contains"
	GreaterThan     ConstraintType = "greater than"
	LessThan        ConstraintType = "less than"
	In              ConstraintType = "in"
	NotIn           ConstraintType = "not in"
)

// Constraint is one element of the JSON constraint array sent on list calls.
type Constraint struct {
	Key   string         `json:"key"`
	Type  ConstraintType `json:"constraint_type"`
	Value any            `json:"value,omitempty"`
}

func Eq(key string, value any) Constraint {
	return Constraint{Key: key, Type: Equals, Value: value}
}

func Empty(key string) Constraint {
	return Constraint{Key: key, Type: IsEmpty}
}

func NotEmpty(key string) Constraint {
	return Constraint{Key: key, Type: IsNotEmpty}
}

func OneOf(key string, values ...any) Constraint {
	return Constraint{Key: key, Type: In, Value: values}
}

// NotDeleted matches records whose soft-delete field is unset.
func NotDeleted(field string) Constraint {
	return Empty(field)
}

// Deleted matches soft-deleted records.
func Deleted(field string) Constraint {
	return NotEmpty(field)
}

// ModifiedSince matches records modified at or after since. The data API
// only offers a strict comparison, so the bound is moved back by 1ms.
func ModifiedSince(field string, since time.Time) Constraint {
	return Constraint{
		Key:   field,
		Type:  GreaterThan,
		Value: since.Add(-time.Millisecond).UTC().Format(time.RFC3339Nano),
	}
}

// encodeConstraints renders the constraints query parameter.
func encodeConstraints(cs []Constraint) (string, error) {
	if len(cs) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
