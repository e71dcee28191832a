package reconcile

import "github.com/johndauphine/fieldsync/internal/store"

// Tables returns development definitions of the pipeline tables whose
// reference columns are reconciled. The columns hold legacy ids until
// reconciled, so they are text rather than UUID typed.
func Tables() []store.Table {
	return []store.Table{
		{
			Name: "pipeline_opportunities",
			Columns: []store.Column{
				{Name: "id", Type: store.UUID},
				{Name: "title", Type: store.Text, Nullable: true},
				{Name: "stage", Type: store.Key, Nullable: true},
				{Name: "value", Type: store.Float, Nullable: true},
				{Name: "client_id", Type: store.Key, Nullable: true},
				{Name: "project_id", Type: store.Key, Nullable: true},
				{Name: "company_id", Type: store.Key, Nullable: true},
				{Name: "contact_id", Type: store.Key, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name: "pipeline_activities",
			Columns: []store.Column{
				{Name: "id", Type: store.UUID},
				{Name: "opportunity_id", Type: store.UUID, Nullable: true},
				{Name: "kind", Type: store.Key, Nullable: true},
				{Name: "notes", Type: store.Text, Nullable: true},
				{Name: "opportunity_owner_id", Type: store.Key, Nullable: true},
				{Name: "task_id", Type: store.Key, Nullable: true},
			},
			PrimaryKey: []string{"id"},
		},
	}
}
