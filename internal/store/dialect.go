package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Dialect abstracts the SQL differences between supported stores.
type Dialect interface {
	// Name returns the primary dialect name ("postgres", "mssql", "sqlite").
	Name() string

	// Aliases returns alternative names accepted in configuration.
	Aliases() []string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// Quote quotes an identifier.
	// PostgreSQL, SQLite: "identifier"
	// MSSQL: [identifier]
	Quote(name string) string

	// Qualify returns a schema-qualified table reference. SQLite ignores the schema.
	Qualify(schema, table string) string

	// Placeholder returns the parameter placeholder for the 1-based index.
	// PostgreSQL: $1   MSSQL: @p1   SQLite: ?1
	Placeholder(index int) string

	// ColumnType maps a portable column type to DDL.
	ColumnType(t ColumnType) string

	// CreateTable returns idempotent DDL for the table and its indexes.
	CreateTable(schema string, t Table) []string

	// Upsert returns a statement that inserts a row or overwrites every
	// non-key column when the key already exists.
	Upsert(schema, table string, cols, key []string) string

	// InsertIfAbsent returns a statement that inserts a row unless the key
	// exists. It affects zero rows when the key is taken.
	InsertIfAbsent(schema, table string, cols, key []string) string

	// Bind converts a Go value into something the driver stores faithfully.
	Bind(v any) any

	// Configure tunes the connection pool after open.
	Configure(db *sql.DB, maxConns int)

	// IsUniqueViolation reports a primary key or unique index conflict.
	IsUniqueViolation(err error) bool

	// IsConnectionError reports an error that means the store is unreachable.
	IsConnectionError(err error) bool
}

var (
	registryMu sync.RWMutex
	dialects   = make(map[string]Dialect)
)

// Register adds a dialect to the registry. Panics on duplicate names.
func Register(d Dialect) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := d.Name()
	if _, exists := dialects[name]; exists {
		panic(fmt.Sprintf("store dialect %q already registered", name))
	}
	dialects[name] = d

	for _, alias := range d.Aliases() {
		if _, exists := dialects[alias]; exists {
			panic(fmt.Sprintf("store dialect alias %q already registered", alias))
		}
		dialects[alias] = d
	}
}

// GetDialect retrieves a dialect by name or alias (case-insensitive).
func GetDialect(nameOrAlias string) (Dialect, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	d, exists := dialects[strings.ToLower(nameOrAlias)]
	if !exists {
		return nil, fmt.Errorf("unknown store type: %q (available: %v)", nameOrAlias, available())
	}
	return d, nil
}

// Available returns the sorted primary dialect names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return available()
}

func available() []string {
	seen := make(map[string]bool)
	for _, d := range dialects {
		seen[d.Name()] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(&postgresDialect{})
	Register(&mssqlDialect{})
	Register(&sqliteDialect{})
}

// quoteList quotes each column with the dialect's quoting.
func quoteList(d Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.Quote(c)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(d Dialect, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = d.Placeholder(i + 1)
	}
	return strings.Join(ph, ", ")
}

func nonKey(cols, key []string) []string {
	isKey := make(map[string]bool, len(key))
	for _, k := range key {
		isKey[k] = true
	}
	var out []string
	for _, c := range cols {
		if !isKey[c] {
			out = append(out, c)
		}
	}
	return out
}

// onConflict builds the INSERT ... ON CONFLICT form shared by PostgreSQL and SQLite.
func onConflict(d Dialect, schema, table string, cols, key []string, update bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		d.Qualify(schema, table), quoteList(d, cols), placeholders(d, len(cols)), quoteList(d, key))

	rest := nonKey(cols, key)
	if !update || len(rest) == 0 {
		sb.WriteString("DO NOTHING")
		return sb.String()
	}
	sb.WriteString("DO UPDATE SET ")
	for i, c := range rest {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = excluded.%s", d.Quote(c), d.Quote(c))
	}
	return sb.String()
}

// createIfNotExists builds CREATE TABLE/INDEX IF NOT EXISTS statements.
func createIfNotExists(d Dialect, schema string, t Table) []string {
	var cols []string
	for _, c := range t.Columns {
		def := d.Quote(c.Name) + " " + d.ColumnType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", quoteList(d, t.PrimaryKey)))

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		d.Qualify(schema, t.Name), strings.Join(cols, ",\n  "))}

	for _, idx := range t.Indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, d.Quote(idx.Name), d.Qualify(schema, t.Name), quoteList(d, idx.Columns)))
	}
	return stmts
}

// deref unwraps the optional pointer fields used by model rows.
func deref(v any) any {
	switch p := v.(type) {
	case *string:
		if p == nil {
			return nil
		}
		return *p
	case *time.Time:
		if p == nil {
			return nil
		}
		return *p
	case *float64:
		if p == nil {
			return nil
		}
		return *p
	case *int64:
		if p == nil {
			return nil
		}
		return *p
	case *bool:
		if p == nil {
			return nil
		}
		return *p
	}
	return v
}

// bindTime stores timestamps as RFC 3339 text for stores without a native type.
func bindTime(v any) any {
	v = deref(v)
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}
