// Package mapping declares how legacy platform records map onto internal
// entity attributes: field names, known aliases and casing quirks, foreign
// key targets, and the normalization tables for enumerated values.
package mapping

import (
	"fmt"
	"slices"
	"strings"
)

// EntityType is the internal key of a migrated entity type. It is the value
// stored in id_mappings.entity_type and printed in record error strings.
type EntityType string

const (
	Company       EntityType = "company"
	User          EntityType = "user"
	Client        EntityType = "client"
	SubClient     EntityType = "subClient"
	TaskType      EntityType = "taskType"
	Project       EntityType = "project"
	CalendarEvent EntityType = "calendarEvent"
	Task          EntityType = "task"
	Contact       EntityType = "contact"
)

// Attribute names an internal attribute of an entity.
type Attribute string

const (
	AttrName         Attribute = "name"
	AttrTitle        Attribute = "title"
	AttrFirstName    Attribute = "firstName"
	AttrLastName     Attribute = "lastName"
	AttrEmail        Attribute = "email"
	AttrPhone        Attribute = "phone"
	AttrAddress      Attribute = "address"
	AttrWebsite      Attribute = "website"
	AttrLogoURL      Attribute = "logoUrl"
	AttrIndustry     Attribute = "industry"
	AttrRole         Attribute = "role"
	AttrActive       Attribute = "active"
	AttrNotes        Attribute = "notes"
	AttrColor        Attribute = "color"
	AttrIcon         Attribute = "icon"
	AttrStatus       Attribute = "status"
	AttrStartDate    Attribute = "startDate"
	AttrEndDate      Attribute = "endDate"
	AttrAllDay       Attribute = "allDay"
	AttrDisplayOrder Attribute = "displayOrder"
	AttrSource       Attribute = "source"
	AttrCompanyID    Attribute = "companyId"
	AttrClientID     Attribute = "clientId"
	AttrProjectID    Attribute = "projectId"
	AttrTaskTypeID   Attribute = "taskTypeId"
	AttrTaskID       Attribute = "taskId"
	AttrCreatedAt    Attribute = "createdAt"
	AttrModifiedAt   Attribute = "modifiedAt"
	AttrDeletedAt    Attribute = "deletedAt"
)

// Built-in legacy field names shared by every legacy type.
const (
	LegacyIDField       = "_id"
	LegacyCreatedField  = "Created Date"
	LegacyModifiedField = "Modified Date"
	LegacyDeletedField  = "deletedAt"
)

// Kind is the legacy value shape of a field.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindBool
	KindTime
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindRef:
		return "ref"
	default:
		return "unknown"
	}
}

// Field declares where an internal attribute lives on a legacy record.
type Field struct {
	Legacy   string
	Aliases  []string
	Kind     Kind
	Ref      EntityType // target identifier space for KindRef
	Required bool
	// Late marks a reference resolved after the whole run rather than
	// during the owning entity's pass.
	Late bool
}

// Names returns the primary legacy name followed by its aliases.
func (f Field) Names() []string {
	return append([]string{f.Legacy}, f.Aliases...)
}

// Entity is the mapping table for one legacy type.
type Entity struct {
	Type       EntityType
	LegacyType string
	Table      string
	DependsOn  []EntityType
	Fields     map[Attribute]Field
}

// PathSegment returns the legacy API path segment for this entity.
func (e *Entity) PathSegment() string {
	return PathSegment(e.LegacyType)
}

// Field returns the declaration for attr.
func (e *Entity) Field(attr Attribute) (Field, bool) {
	f, ok := e.Fields[attr]
	return f, ok
}

// Refs returns the reference attributes of the entity, late ones included.
func (e *Entity) Refs() map[Attribute]Field {
	refs := make(map[Attribute]Field)
	for attr, f := range e.Fields {
		if f.Kind == KindRef {
			refs[attr] = f
		}
	}
	return refs
}

// Lookup finds the legacy value for attr. The primary name is tried first,
// then aliases, then a case-insensitive match against any of them in the
// same order. Keys that differ only in case are tried in sorted order.
func (e *Entity) Lookup(rec map[string]any, attr Attribute) (any, bool) {
	f, ok := e.Fields[attr]
	if !ok {
		return nil, false
	}
	names := f.Names()
	for _, name := range names {
		if v, ok := rec[name]; ok && v != nil {
			return v, true
		}
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, name := range names {
		for _, key := range keys {
			if v := rec[key]; v != nil && strings.EqualFold(key, name) {
				return v, true
			}
		}
	}
	return nil, false
}

// PathSegment lowercases a legacy type name for use in API paths. Embedded
// spaces are kept: "Sub Client" becomes "sub client".
func PathSegment(legacyType string) string {
	return strings.ToLower(strings.TrimSpace(legacyType))
}

// Get returns the mapping table for an entity type.
func Get(t EntityType) (*Entity, error) {
	e, ok := entities[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %q", t)
	}
	return e, nil
}

// MustGet is Get for statically known types.
func MustGet(t EntityType) *Entity {
	e, err := Get(t)
	if err != nil {
		panic(err)
	}
	return e
}

// ParseEntityType accepts an internal key ("subClient") or a legacy type
// name ("Sub Client"), case-insensitively.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range canonicalOrder {
		e := entities[t]
		if strings.EqualFold(s, string(t)) || strings.EqualFold(s, e.LegacyType) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type: %q", s)
}

// All returns every entity mapping in canonical order.
func All() []*Entity {
	out := make([]*Entity, 0, len(canonicalOrder))
	for _, t := range canonicalOrder {
		out = append(out, entities[t])
	}
	return out
}

// Types returns every entity type in canonical order.
func Types() []EntityType {
	return append([]EntityType(nil), canonicalOrder...)
}
