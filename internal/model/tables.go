package model

import "github.com/johndauphine/fieldsync/internal/store"

func col(name string, t store.ColumnType) store.Column {
	return store.Column{Name: name, Type: t, Nullable: true}
}

func required(name string, t store.ColumnType) store.Column {
	return store.Column{Name: name, Type: t}
}

func entityTable(name string, cols ...store.Column) store.Table {
	all := []store.Column{required("id", store.UUID)}
	all = append(all, cols...)
	all = append(all,
		col("created_at", store.Timestamp),
		col("modified_at", store.Timestamp),
		col("deleted_at", store.Timestamp),
	)
	t := store.Table{Name: name, Columns: all, PrimaryKey: []string{"id"}}
	for _, c := range cols {
		if c.Type == store.UUID {
			t.Indexes = append(t.Indexes, store.Index{
				Name:    "ix_" + name + "_" + c.Name,
				Columns: []string{c.Name},
			})
		}
	}
	return t
}

// Tables returns the DDL definitions of every entity table. Production
// schemas are owned by the product; these back development stores and tests.
func Tables() []store.Table {
	return []store.Table{
		entityTable("companies",
			required("name", store.Text),
			col("email", store.Text),
			col("phone", store.Text),
			col("address", store.Text),
			col("website", store.Text),
			col("logo_url", store.Text),
			col("industry", store.Text),
		),
		entityTable("users",
			required("company_id", store.UUID),
			col("first_name", store.Text),
			col("last_name", store.Text),
			col("email", store.Text),
			col("phone", store.Text),
			required("role", store.Key),
			required("active", store.Bool),
		),
		entityTable("clients",
			required("company_id", store.UUID),
			required("name", store.Text),
			col("email", store.Text),
			col("phone", store.Text),
			col("address", store.Text),
			col("notes", store.Text),
		),
		entityTable("sub_clients",
			required("company_id", store.UUID),
			required("client_id", store.UUID),
			required("name", store.Text),
			col("title", store.Text),
			col("email", store.Text),
			col("phone", store.Text),
		),
		entityTable("task_types",
			required("company_id", store.UUID),
			required("name", store.Text),
			col("color", store.Text),
			col("icon", store.Text),
			required("display_order", store.Int),
		),
		entityTable("projects",
			required("company_id", store.UUID),
			col("client_id", store.UUID),
			required("title", store.Text),
			required("status", store.Key),
			col("address", store.Text),
			col("start_date", store.Timestamp),
			col("end_date", store.Timestamp),
			col("notes", store.Text),
		),
		entityTable("calendar_events",
			required("company_id", store.UUID),
			col("project_id", store.UUID),
			col("task_id", store.UUID),
			col("legacy_task_ref", store.Key),
			col("title", store.Text),
			col("color", store.Text),
			col("start_date", store.Timestamp),
			col("end_date", store.Timestamp),
			required("all_day", store.Bool),
		),
		entityTable("tasks",
			required("company_id", store.UUID),
			required("project_id", store.UUID),
			col("task_type_id", store.UUID),
			required("title", store.Text),
			required("status", store.Key),
			col("notes", store.Text),
			col("start_date", store.Timestamp),
			col("end_date", store.Timestamp),
			required("display_order", store.Int),
		),
		entityTable("contacts",
			required("company_id", store.UUID),
			col("client_id", store.UUID),
			col("name", store.Text),
			col("email", store.Text),
			col("phone", store.Text),
			col("source", store.Text),
		),
	}
}
