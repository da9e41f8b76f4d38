package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/querypilot/querypilot/internal/schema"
)

const listTablesSQL = `
SELECT table_name, COUNT(*) OVER () AS total
FROM information_schema.tables
WHERE table_schema = 'public'
  AND table_type = 'BASE TABLE'
  AND table_name LIKE $1 || '%'
ORDER BY table_name
LIMIT $2`

// One bulk query for all matching tables; the alternative of one query
// per table does not hold up against a 300+ table database.
const bulkColumnsSQL = `
SELECT
	c.table_name,
	c.column_name,
	c.data_type,
	c.is_nullable = 'YES'     AS is_nullable,
	c.column_default,
	c.character_maximum_length,
	COALESCE(pk.is_pk, false) AS is_primary_key
FROM information_schema.columns c
LEFT JOIN (
	SELECT kcu.table_name, kcu.column_name, true AS is_pk
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
	WHERE tc.constraint_type = 'PRIMARY KEY'
	  AND tc.table_schema = 'public'
) pk ON pk.table_name = c.table_name AND pk.column_name = c.column_name
WHERE c.table_schema = 'public'
  AND c.table_name = ANY(string_to_array($1, ','))
ORDER BY c.table_name, c.ordinal_position`

const bulkForeignKeysSQL = `
SELECT
	kcu.table_name,
	kcu.column_name,
	ccu.table_name  AS ref_table,
	ccu.column_name AS ref_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON tc.constraint_name = kcu.constraint_name
	AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
	ON tc.constraint_name = ccu.constraint_name
	AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = 'public'
  AND kcu.table_name = ANY(string_to_array($1, ','))
ORDER BY kcu.table_name, kcu.column_name`

// Introspector reads table metadata from a PostgreSQL database in a
// fixed number of round trips regardless of table count.
type Introspector struct {
	db *sql.DB
}

func NewIntrospector(db *sql.DB) *Introspector {
	return &Introspector{db: db}
}

func (i *Introspector) HealthCheck(ctx context.Context) error {
	if err := i.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

func (i *Introspector) Snapshot(ctx context.Context, tablePrefix string, maxTables int) (schema.Snapshot, error) {
	names, total, err := i.listTables(ctx, tablePrefix, maxTables)
	if err != nil {
		return schema.Snapshot{}, fmt.Errorf("%w: list tables: %v", schema.ErrUnavailable, err)
	}

	snapshot := schema.Snapshot{
		CapturedAt:       time.Now().UTC(),
		TablePrefix:      tablePrefix,
		SourceTableCount: total,
	}
	if len(names) == 0 {
		return snapshot, nil
	}

	joined := strings.Join(names, ",")
	columnsByTable, err := i.bulkColumns(ctx, joined)
	if err != nil {
		return schema.Snapshot{}, fmt.Errorf("%w: bulk columns: %v", schema.ErrUnavailable, err)
	}
	keysByTable, err := i.bulkForeignKeys(ctx, joined)
	if err != nil {
		return schema.Snapshot{}, fmt.Errorf("%w: bulk foreign keys: %v", schema.ErrUnavailable, err)
	}

	for _, name := range names {
		snapshot.Tables = append(snapshot.Tables, schema.Table{
			Name:        name,
			Columns:     columnsByTable[name],
			ForeignKeys: keysByTable[name],
		})
	}
	return snapshot, nil
}

func (i *Introspector) listTables(ctx context.Context, tablePrefix string, maxTables int) ([]string, int, error) {
	rows, err := i.db.QueryContext(ctx, listTablesSQL, tablePrefix, maxTables)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	var total int
	for rows.Next() {
		var name string
		if err := rows.Scan(&name, &total); err != nil {
			return nil, 0, err
		}
		names = append(names, name)
	}
	return names, total, rows.Err()
}

func (i *Introspector) bulkColumns(ctx context.Context, joinedNames string) (map[string][]schema.Column, error) {
	rows, err := i.db.QueryContext(ctx, bulkColumnsSQL, joinedNames)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byTable := map[string][]schema.Column{}
	for rows.Next() {
		var tableName string
		var column schema.Column
		var columnDefault sql.NullString
		var maxLength sql.NullInt64
		if err := rows.Scan(
			&tableName,
			&column.Name,
			&column.DataType,
			&column.Nullable,
			&columnDefault,
			&maxLength,
			&column.PrimaryKey,
		); err != nil {
			return nil, err
		}
		if columnDefault.Valid {
			value := columnDefault.String
			column.Default = &value
		}
		if maxLength.Valid {
			value := int(maxLength.Int64)
			column.MaxLength = &value
		}
		byTable[tableName] = append(byTable[tableName], column)
	}
	return byTable, rows.Err()
}

func (i *Introspector) bulkForeignKeys(ctx context.Context, joinedNames string) (map[string][]schema.ForeignKey, error) {
	rows, err := i.db.QueryContext(ctx, bulkForeignKeysSQL, joinedNames)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byTable := map[string][]schema.ForeignKey{}
	for rows.Next() {
		var tableName string
		var fk schema.ForeignKey
		if err := rows.Scan(&tableName, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, err
		}
		byTable[tableName] = append(byTable[tableName], fk)
	}
	return byTable, rows.Err()
}
