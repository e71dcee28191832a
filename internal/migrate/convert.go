package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/model"
)

// conversion carries the state of converting one legacy record.
type conversion struct {
	ctx    context.Context
	entity *mapping.Entity
	ids    Resolver
	r      *mapping.Reader
	errs   []error
	// fatal is set when a reference lookup hit a storage failure.
	fatal error
}

func (c *conversion) err() error {
	return errors.Join(append([]error{c.r.Err()}, c.errs...)...)
}

func (c *conversion) meta(id string, deleted bool) model.Meta {
	m := model.Meta{
		ID:         id,
		CreatedAt:  c.r.Time(mapping.AttrCreatedAt),
		ModifiedAt: c.r.Time(mapping.AttrModifiedAt),
		DeletedAt:  c.r.Time(mapping.AttrDeletedAt),
	}
	if deleted && m.DeletedAt == nil {
		// The delete marker is present but not a date.
		at := time.Now().UTC()
		if m.ModifiedAt != nil {
			at = *m.ModifiedAt
		}
		m.DeletedAt = &at
	}
	if !deleted {
		m.DeletedAt = nil
	}
	return m
}

// fk resolves a reference attribute to an internal id. Lookups are
// read-only: a reference to a record that was never synced yields "" and,
// for required references, a record error.
func (c *conversion) fk(attr mapping.Attribute) string {
	f, ok := c.entity.Field(attr)
	if !ok {
		return ""
	}
	raw := c.r.Ref(attr)
	if raw == "" {
		if f.Required {
			c.errs = append(c.errs, fmt.Errorf("field %q: missing required reference", f.Legacy))
		}
		return ""
	}

	id, found, err := c.ids.Lookup(c.ctx, f.Ref, raw)
	if err != nil {
		if isFatal(err) {
			c.fatal = err
		} else {
			c.errs = append(c.errs, fmt.Errorf("field %q: %w", f.Legacy, err))
		}
		return ""
	}
	if !found {
		if f.Required {
			c.errs = append(c.errs, fmt.Errorf("field %q: unresolved %s reference %q", f.Legacy, f.Ref, raw))
		}
		return ""
	}
	return id
}

// boolOr reads a boolean attribute, returning def when the record lacks it.
func (c *conversion) boolOr(attr mapping.Attribute, def bool) bool {
	if !c.r.Has(attr) {
		return def
	}
	return c.r.Bool(attr)
}

// converter builds the typed record for one entity type.
type converter func(c *conversion, meta model.Meta) model.Record

var converters = map[mapping.EntityType]converter{
	mapping.Company:       convertCompany,
	mapping.User:          convertUser,
	mapping.Client:        convertClient,
	mapping.SubClient:     convertSubClient,
	mapping.TaskType:      convertTaskType,
	mapping.Project:       convertProject,
	mapping.CalendarEvent: convertCalendarEvent,
	mapping.Task:          convertTask,
	mapping.Contact:       convertContact,
}

func convertCompany(c *conversion, meta model.Meta) model.Record {
	r := c.r
	r.Require(mapping.AttrName)
	return &model.Company{
		Meta:     meta,
		Name:     r.Text(mapping.AttrName),
		Email:    r.Text(mapping.AttrEmail),
		Phone:    r.Text(mapping.AttrPhone),
		Address:  r.Text(mapping.AttrAddress),
		Website:  r.Text(mapping.AttrWebsite),
		LogoURL:  r.Text(mapping.AttrLogoURL),
		Industry: r.Text(mapping.AttrIndustry),
	}
}

func convertUser(c *conversion, meta model.Meta) model.Record {
	r := c.r
	return &model.User{
		Meta:      meta,
		CompanyID: c.fk(mapping.AttrCompanyID),
		FirstName: r.Text(mapping.AttrFirstName),
		LastName:  r.Text(mapping.AttrLastName),
		Email:     r.Text(mapping.AttrEmail),
		Phone:     r.Text(mapping.AttrPhone),
		Role:      string(mapping.EmployeeTypeToRole(r.Text(mapping.AttrRole))),
		Active:    c.boolOr(mapping.AttrActive, true),
	}
}

func convertClient(c *conversion, meta model.Meta) model.Record {
	r := c.r
	r.Require(mapping.AttrName)
	return &model.Client{
		Meta:      meta,
		CompanyID: c.fk(mapping.AttrCompanyID),
		Name:      r.Text(mapping.AttrName),
		Email:     r.Text(mapping.AttrEmail),
		Phone:     r.Text(mapping.AttrPhone),
		Address:   r.Text(mapping.AttrAddress),
		Notes:     r.Text(mapping.AttrNotes),
	}
}

func convertSubClient(c *conversion, meta model.Meta) model.Record {
	r := c.r
	r.Require(mapping.AttrName)
	return &model.SubClient{
		Meta:      meta,
		CompanyID: c.fk(mapping.AttrCompanyID),
		ClientID:  c.fk(mapping.AttrClientID),
		Name:      r.Text(mapping.AttrName),
		Title:     r.Text(mapping.AttrTitle),
		Email:     r.Text(mapping.AttrEmail),
		Phone:     r.Text(mapping.AttrPhone),
	}
}

func convertTaskType(c *conversion, meta model.Meta) model.Record {
	r := c.r
	r.Require(mapping.AttrName)
	return &model.TaskType{
		Meta:         meta,
		CompanyID:    c.fk(mapping.AttrCompanyID),
		Name:         r.Text(mapping.AttrName),
		Color:        r.Text(mapping.AttrColor),
		Icon:         r.Text(mapping.AttrIcon),
		DisplayOrder: r.Int(mapping.AttrDisplayOrder),
	}
}

func convertProject(c *conversion, meta model.Meta) model.Record {
	r := c.r
	r.Require(mapping.AttrTitle)
	return &model.Project{
		Meta:      meta,
		CompanyID: c.fk(mapping.AttrCompanyID),
		ClientID:  c.fk(mapping.AttrClientID),
		Title:     r.Text(mapping.AttrTitle),
		Status:    string(mapping.ProjectStatusKey(r.Text(mapping.AttrStatus))),
		Address:   r.Text(mapping.AttrAddress),
		StartDate: r.Time(mapping.AttrStartDate),
		EndDate:   r.Time(mapping.AttrEndDate),
		Notes:     r.Text(mapping.AttrNotes),
	}
}

// convertCalendarEvent keeps the task reference in its legacy form; tasks
// are migrated after calendar events and reconciliation resolves it.
func convertCalendarEvent(c *conversion, meta model.Meta) model.Record {
	r := c.r
	return &model.CalendarEvent{
		Meta:          meta,
		CompanyID:     c.fk(mapping.AttrCompanyID),
		ProjectID:     c.fk(mapping.AttrProjectID),
		LegacyTaskRef: r.Ref(mapping.AttrTaskID),
		Title:         r.Text(mapping.AttrTitle),
		Color:         r.Text(mapping.AttrColor),
		StartDate:     r.Time(mapping.AttrStartDate),
		EndDate:       r.Time(mapping.AttrEndDate),
		AllDay:        r.Bool(mapping.AttrAllDay),
	}
}

func convertTask(c *conversion, meta model.Meta) model.Record {
	r := c.r
	r.Require(mapping.AttrTitle)
	return &model.Task{
		Meta:         meta,
		CompanyID:    c.fk(mapping.AttrCompanyID),
		ProjectID:    c.fk(mapping.AttrProjectID),
		TaskTypeID:   c.fk(mapping.AttrTaskTypeID),
		Title:        r.Text(mapping.AttrTitle),
		Status:       mapping.NormalizeTaskStatus(r.Text(mapping.AttrStatus)),
		Notes:        r.Text(mapping.AttrNotes),
		StartDate:    r.Time(mapping.AttrStartDate),
		EndDate:      r.Time(mapping.AttrEndDate),
		DisplayOrder: r.Int(mapping.AttrDisplayOrder),
	}
}

func convertContact(c *conversion, meta model.Meta) model.Record {
	r := c.r
	return &model.Contact{
		Meta:      meta,
		CompanyID: c.fk(mapping.AttrCompanyID),
		ClientID:  c.fk(mapping.AttrClientID),
		Name:      r.Text(mapping.AttrName),
		Email:     r.Text(mapping.AttrEmail),
		Phone:     r.Text(mapping.AttrPhone),
		Source:    r.Text(mapping.AttrSource),
	}
}
