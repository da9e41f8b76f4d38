// Package schema models point-in-time captures of database structure
// and caches them so repeated introspection of a large database stays
// cheap.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable reports that the schema source could not be reached.
// Callers decide whether to retry; the cache never does.
var ErrUnavailable = errors.New("schema source unavailable")

type Column struct {
	Name       string  `json:"name"`
	DataType   string  `json:"data_type"`
	Nullable   bool    `json:"nullable"`
	MaxLength  *int    `json:"max_length,omitempty"`
	Default    *string `json:"default,omitempty"`
	PrimaryKey bool    `json:"primary_key,omitempty"`
}

type ForeignKey struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Snapshot is an immutable capture of table metadata. A new snapshot is
// produced on every refresh; existing snapshots are never mutated.
type Snapshot struct {
	Tables           []Table   `json:"tables"`
	CapturedAt       time.Time `json:"captured_at"`
	TablePrefix      string    `json:"table_prefix,omitempty"`
	SourceTableCount int       `json:"source_table_count"`
}

// Introspector retrieves a fresh snapshot from the underlying database.
type Introspector interface {
	Snapshot(ctx context.Context, tablePrefix string, maxTables int) (Snapshot, error)
}

func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	return names
}

func (s Snapshot) Lookup(name string) (Table, bool) {
	for _, table := range s.Tables {
		if table.Name == name {
			return table, true
		}
	}
	return Table{}, false
}

// Slice returns a snapshot restricted to the named tables, preserving
// the given order. Unknown names are skipped.
func (s Snapshot) Slice(names []string) Snapshot {
	sliced := Snapshot{
		CapturedAt:       s.CapturedAt,
		TablePrefix:      s.TablePrefix,
		SourceTableCount: s.SourceTableCount,
	}
	for _, name := range names {
		if table, ok := s.Lookup(name); ok {
			sliced.Tables = append(sliced.Tables, table)
		}
	}
	return sliced
}

// PromptContext renders the snapshot as the textual schema block handed
// to the AI service.
func (s Snapshot) PromptContext() string {
	var b strings.Builder
	b.WriteString("Database Schema:\n")
	for _, table := range s.Tables {
		fmt.Fprintf(&b, "\nTable: %s\nColumns:\n", table.Name)
		for _, column := range table.Columns {
			fmt.Fprintf(&b, "  - %s (%s", column.Name, column.DataType)
			if column.MaxLength != nil {
				fmt.Fprintf(&b, "(%d)", *column.MaxLength)
			}
			if column.Nullable {
				b.WriteString(", nullable")
			} else {
				b.WriteString(", not null")
			}
			if column.PrimaryKey {
				b.WriteString(", primary key")
			}
			if column.Default != nil {
				fmt.Fprintf(&b, ", default: %s", *column.Default)
			}
			b.WriteString(")\n")
		}
		if len(table.ForeignKeys) > 0 {
			b.WriteString("Foreign Keys:\n")
			for _, fk := range table.ForeignKeys {
				fmt.Fprintf(&b, "  - %s -> %s.%s\n", fk.Column, fk.RefTable, fk.RefColumn)
			}
		}
	}
	return b.String()
}
