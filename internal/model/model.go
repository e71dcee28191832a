// Package model holds the typed internal records produced by the entity
// migrators and their table definitions.
package model

import (
	"time"

	"github.com/johndauphine/fieldsync/internal/store"
)

// Record is any internal entity row.
type Record interface {
	// Table is the destination table.
	Table() string
	// Row renders every column, id first, for a full-column upsert.
	Row() store.Row
}

// Meta carries the bookkeeping columns shared by every entity.
type Meta struct {
	ID         string
	CreatedAt  *time.Time
	ModifiedAt *time.Time
	// DeletedAt is set for records soft-deleted on the legacy platform.
	DeletedAt *time.Time
}

type Company struct {
	Meta
	Name     string
	Email    string
	Phone    string
	Address  string
	Website  string
	LogoURL  string
	Industry string
}

type User struct {
	Meta
	CompanyID string
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Role      string
	Active    bool
}

type Client struct {
	Meta
	CompanyID string
	Name      string
	Email     string
	Phone     string
	Address   string
	Notes     string
}

type SubClient struct {
	Meta
	CompanyID string
	ClientID  string
	Name      string
	Title     string
	Email     string
	Phone     string
}

type TaskType struct {
	Meta
	CompanyID    string
	Name         string
	Color        string
	Icon         string
	DisplayOrder int
}

type Project struct {
	Meta
	CompanyID string
	ClientID  string
	Title     string
	Status    string
	Address   string
	StartDate *time.Time
	EndDate   *time.Time
	Notes     string
}

// CalendarEvent keeps the legacy task id until reconciliation can
// resolve it into TaskID.
type CalendarEvent struct {
	Meta
	CompanyID     string
	ProjectID     string
	LegacyTaskRef string
	Title         string
	Color         string
	StartDate     *time.Time
	EndDate       *time.Time
	AllDay        bool
}

type Task struct {
	Meta
	CompanyID    string
	ProjectID    string
	TaskTypeID   string
	Title        string
	Status       string
	Notes        string
	StartDate    *time.Time
	EndDate      *time.Time
	DisplayOrder int
}

type Contact struct {
	Meta
	CompanyID string
	ClientID  string
	Name      string
	Email     string
	Phone     string
	Source    string
}

// rowBuilder accumulates columns in declaration order.
type rowBuilder struct {
	row store.Row
}

func newRow(m Meta) *rowBuilder {
	b := &rowBuilder{}
	b.add("id", m.ID)
	return b
}

func (b *rowBuilder) add(col string, v any) *rowBuilder {
	b.row.Columns = append(b.row.Columns, col)
	b.row.Values = append(b.row.Values, v)
	return b
}

// opt stores empty strings as NULL.
func (b *rowBuilder) opt(col, v string) *rowBuilder {
	if v == "" {
		return b.add(col, nil)
	}
	return b.add(col, v)
}

func (b *rowBuilder) done(m Meta) store.Row {
	b.add("created_at", m.CreatedAt)
	b.add("modified_at", m.ModifiedAt)
	b.add("deleted_at", m.DeletedAt)
	return b.row
}

func (c *Company) Table() string { return "companies" }

func (c *Company) Row() store.Row {
	return newRow(c.Meta).
		add("name", c.Name).
		opt("email", c.Email).
		opt("phone", c.Phone).
		opt("address", c.Address).
		opt("website", c.Website).
		opt("logo_url", c.LogoURL).
		opt("industry", c.Industry).
		done(c.Meta)
}

func (u *User) Table() string { return "users" }

func (u *User) Row() store.Row {
	return newRow(u.Meta).
		add("company_id", u.CompanyID).
		opt("first_name", u.FirstName).
		opt("last_name", u.LastName).
		opt("email", u.Email).
		opt("phone", u.Phone).
		add("role", u.Role).
		add("active", u.Active).
		done(u.Meta)
}

func (c *Client) Table() string { return "clients" }

func (c *Client) Row() store.Row {
	return newRow(c.Meta).
		add("company_id", c.CompanyID).
		add("name", c.Name).
		opt("email", c.Email).
		opt("phone", c.Phone).
		opt("address", c.Address).
		opt("notes", c.Notes).
		done(c.Meta)
}

func (s *SubClient) Table() string { return "sub_clients" }

func (s *SubClient) Row() store.Row {
	return newRow(s.Meta).
		add("company_id", s.CompanyID).
		add("client_id", s.ClientID).
		add("name", s.Name).
		opt("title", s.Title).
		opt("email", s.Email).
		opt("phone", s.Phone).
		done(s.Meta)
}

func (t *TaskType) Table() string { return "task_types" }

func (t *TaskType) Row() store.Row {
	return newRow(t.Meta).
		add("company_id", t.CompanyID).
		add("name", t.Name).
		opt("color", t.Color).
		opt("icon", t.Icon).
		add("display_order", int64(t.DisplayOrder)).
		done(t.Meta)
}

func (p *Project) Table() string { return "projects" }

func (p *Project) Row() store.Row {
	return newRow(p.Meta).
		add("company_id", p.CompanyID).
		opt("client_id", p.ClientID).
		add("title", p.Title).
		add("status", p.Status).
		opt("address", p.Address).
		add("start_date", p.StartDate).
		add("end_date", p.EndDate).
		opt("notes", p.Notes).
		done(p.Meta)
}

func (e *CalendarEvent) Table() string { return "calendar_events" }

// Row leaves task_id out while a legacy task reference is present so an
// upsert never clears a reference that reconciliation already resolved.
func (e *CalendarEvent) Row() store.Row {
	b := newRow(e.Meta).
		add("company_id", e.CompanyID).
		opt("project_id", e.ProjectID).
		opt("legacy_task_ref", e.LegacyTaskRef)
	if e.LegacyTaskRef == "" {
		b.add("task_id", nil)
	}
	return b.
		opt("title", e.Title).
		opt("color", e.Color).
		add("start_date", e.StartDate).
		add("end_date", e.EndDate).
		add("all_day", e.AllDay).
		done(e.Meta)
}

func (t *Task) Table() string { return "tasks" }

func (t *Task) Row() store.Row {
	return newRow(t.Meta).
		add("company_id", t.CompanyID).
		add("project_id", t.ProjectID).
		opt("task_type_id", t.TaskTypeID).
		add("title", t.Title).
		add("status", t.Status).
		opt("notes", t.Notes).
		add("start_date", t.StartDate).
		add("end_date", t.EndDate).
		add("display_order", int64(t.DisplayOrder)).
		done(t.Meta)
}

func (c *Contact) Table() string { return "contacts" }

func (c *Contact) Row() store.Row {
	return newRow(c.Meta).
		add("company_id", c.CompanyID).
		opt("client_id", c.ClientID).
		opt("name", c.Name).
		opt("email", c.Email).
		opt("phone", c.Phone).
		opt("source", c.Source).
		done(c.Meta)
}
