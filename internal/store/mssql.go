package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// mssqlDialect targets SQL Server. UUIDs are kept as NVARCHAR(36) so they
// scan back as canonical strings.
type mssqlDialect struct{}

func (d *mssqlDialect) Name() string       { return "mssql" }
func (d *mssqlDialect) Aliases() []string  { return []string{"sqlserver", "sql-server"} }
func (d *mssqlDialect) DriverName() string { return "sqlserver" }

func (d *mssqlDialect) Quote(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *mssqlDialect) Qualify(schema, table string) string {
	if schema == "" {
		schema = "dbo"
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

func (d *mssqlDialect) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

func (d *mssqlDialect) ColumnType(t ColumnType) string {
	switch t {
	case UUID:
		return "NVARCHAR(36)"
	case Key:
		return "NVARCHAR(255)"
	case Timestamp:
		return "DATETIMEOFFSET"
	case Bool:
		return "BIT"
	case Int:
		return "BIGINT"
	case Float:
		return "FLOAT"
	default:
		return "NVARCHAR(MAX)"
	}
}

func (d *mssqlDialect) CreateTable(schema string, t Table) []string {
	if schema == "" {
		schema = "dbo"
	}
	qualified := d.Qualify(schema, t.Name)
	objectName := schema + "." + t.Name

	var cols []string
	for _, c := range t.Columns {
		def := d.Quote(c.Name) + " " + d.ColumnType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", quoteList(d, t.PrimaryKey)))

	stmts := []string{fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (\n  %s\n)",
		objectName, qualified, strings.Join(cols, ",\n  "))}

	for _, idx := range t.Indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmts = append(stmts, fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE %sINDEX %s ON %s (%s)",
			idx.Name, objectName, unique, d.Quote(idx.Name), qualified, quoteList(d, idx.Columns)))
	}
	return stmts
}

func (d *mssqlDialect) Upsert(schema, table string, cols, key []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE INTO %s WITH (HOLDLOCK) AS tgt USING (SELECT ", d.Qualify(schema, table))
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s AS %s", d.Placeholder(i+1), d.Quote(c))
	}
	sb.WriteString(") AS src ON ")
	for i, k := range key {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "tgt.%s = src.%s", d.Quote(k), d.Quote(k))
	}

	if rest := nonKey(cols, key); len(rest) > 0 {
		sb.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range rest {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "tgt.%s = src.%s", d.Quote(c), d.Quote(c))
		}
	}

	srcCols := make([]string, len(cols))
	for i, c := range cols {
		srcCols[i] = "src." + d.Quote(c)
	}
	fmt.Fprintf(&sb, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		quoteList(d, cols), strings.Join(srcCols, ", "))
	return sb.String()
}

func (d *mssqlDialect) InsertIfAbsent(schema, table string, cols, key []string) string {
	pos := make(map[string]int, len(cols))
	for i, c := range cols {
		pos[c] = i + 1
	}
	conds := make([]string, len(key))
	for i, k := range key {
		conds[i] = fmt.Sprintf("%s = %s", d.Quote(k), d.Placeholder(pos[k]))
	}
	qualified := d.Qualify(schema, table)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WITH (UPDLOCK, HOLDLOCK) WHERE %s)",
		qualified, quoteList(d, cols), placeholders(d, len(cols)), qualified, strings.Join(conds, " AND "))
}

func (d *mssqlDialect) Bind(v any) any { return deref(v) }

func (d *mssqlDialect) Configure(db *sql.DB, maxConns int) {
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
}

func (d *mssqlDialect) IsUniqueViolation(err error) bool {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number == 2627 || msErr.Number == 2601
	}
	return false
}

func (d *mssqlDialect) IsConnectionError(err error) bool {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		// 4060: cannot open database, 18456: login failed, 40613: database unavailable
		switch msErr.Number {
		case 4060, 18456, 40613:
			return true
		}
	}
	return false
}
