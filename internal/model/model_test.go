package model

import (
	"testing"
	"time"

	"github.com/johndauphine/fieldsync/internal/mapping"
)

func TestRowsMatchTables(t *testing.T) {
	defs := make(map[string]map[string]bool)
	for _, tbl := range Tables() {
		cols := make(map[string]bool)
		for _, c := range tbl.Columns {
			cols[c.Name] = true
		}
		defs[tbl.Name] = cols
	}

	now := time.Now()
	records := []Record{
		&Company{Meta: Meta{ID: "c"}},
		&User{Meta: Meta{ID: "u"}},
		&Client{Meta: Meta{ID: "cl"}},
		&SubClient{Meta: Meta{ID: "s"}},
		&TaskType{Meta: Meta{ID: "tt"}},
		&Project{Meta: Meta{ID: "p", DeletedAt: &now}},
		&CalendarEvent{Meta: Meta{ID: "e"}},
		&CalendarEvent{Meta: Meta{ID: "e2"}, LegacyTaskRef: "L"},
		&Task{Meta: Meta{ID: "t"}},
		&Contact{Meta: Meta{ID: "ct"}},
	}
	for _, r := range records {
		cols, ok := defs[r.Table()]
		if !ok {
			t.Errorf("%T: no table %q", r, r.Table())
			continue
		}
		row := r.Row()
		if row.Columns[0] != "id" {
			t.Errorf("%T: first column is %q", r, row.Columns[0])
		}
		if len(row.Columns) != len(row.Values) {
			t.Errorf("%T: %d columns, %d values", r, len(row.Columns), len(row.Values))
		}
		for _, c := range row.Columns {
			if !cols[c] {
				t.Errorf("%T: column %q not in table %s", r, c, r.Table())
			}
		}
	}
}

func TestTablesMatchRegistry(t *testing.T) {
	names := make(map[string]bool)
	for _, tbl := range Tables() {
		names[tbl.Name] = true
	}
	for _, e := range mapping.All() {
		if !names[e.Table] {
			t.Errorf("%s: table %q has no definition", e.Type, e.Table)
		}
	}
}

func TestCalendarEventTaskIDHandling(t *testing.T) {
	has := func(r Record, col string) bool {
		for _, c := range r.Row().Columns {
			if c == col {
				return true
			}
		}
		return false
	}
	if has(&CalendarEvent{LegacyTaskRef: "L1"}, "task_id") {
		t.Error("task_id must not be written while a legacy task ref is pending")
	}
	if !has(&CalendarEvent{}, "task_id") {
		t.Error("task_id must be cleared when the event has no task")
	}
}
