// Package catalog enumerates user tables, columns with data types, and
// existing valid B-tree indexes for a schema.
package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cobber.com/pgindexadvisor/internal/gateway"
	"cobber.com/sqlrows"
)

// Column is a {table, column, data_type} descriptor. JSON-typed columns
// (json/jsonb) are ineligible as B-tree key positions.
type Column struct {
	Table    string
	Column   string
	DataType string
}

// IsJSON reports whether the column's data type disqualifies it from B-tree
// candidacy.
func (c Column) IsJSON() bool {
	return c.DataType == "json" || c.DataType == "jsonb"
}

// Index is an existing, valid, non-expression, non-partial index loaded
// from the catalog.
type Index struct {
	Schema       string
	Table        string
	Name         string
	Columns      []string
	AccessMethod string
}

// Probe queries the catalog through a Gateway.
type Probe struct {
	gw     *gateway.Gateway
	schema string
}

// New returns a Probe scoped to the given schema, defaulting to "public".
func New(gw *gateway.Gateway, schema string) *Probe {
	if schema == "" {
		schema = "public"
	}
	return &Probe{gw: gw, schema: schema}
}

// ListTables returns the set of base-table names under the current
// database, excluding system schemas (scoped to p.schema).
func (p *Probe) ListTables() (map[string]bool, error) {
	tables := make(map[string]bool)
	err := p.gw.QueryRows(
		`SELECT table_name FROM information_schema.tables
		   WHERE table_schema = $1 AND table_type = 'BASE TABLE'`,
		[]interface{}{p.schema},
		func(_ int, _ []*sql.ColumnType, values []interface{}) {
			tables[asString(values[0])] = true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

// Columns returns an ordered list of column descriptors for the given
// tables, filtered to p.schema.
func (p *Probe) Columns(tables []string) ([]Column, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	placeholders, args := inClause(tables, 1)
	args = append([]interface{}{p.schema}, args...)

	var columns []Column
	query := fmt.Sprintf(`
		SELECT table_name, column_name, data_type
		  FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name IN (%s)
		 ORDER BY table_name, ordinal_position`, placeholders)

	err := p.gw.QueryRows(query, args, func(_ int, _ []*sql.ColumnType, values []interface{}) {
		columns = append(columns, Column{
			Table:    asString(values[0]),
			Column:   asString(values[1]),
			DataType: asString(values[2]),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	return columns, nil
}

// Indexes returns existing valid B-tree indexes on the given tables,
// excluding expression and partial indexes, with their ordered column
// lists parsed out of the catalog's index definition text.
func (p *Probe) Indexes(tables []string) ([]Index, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	placeholders, args := inClause(tables, 1)
	args = append([]interface{}{p.schema}, args...)

	var indexes []Index
	query := fmt.Sprintf(`
		SELECT n.nspname, t.relname, i.relname, ix.indexdef, am.amname
		  FROM pg_index x
		  JOIN pg_class i ON i.oid = x.indexrelid
		  JOIN pg_class t ON t.oid = x.indrelid
		  JOIN pg_namespace n ON n.oid = t.relnamespace
		  JOIN pg_am am ON am.oid = i.relam
		  JOIN pg_indexes ix ON ix.schemaname = n.nspname AND ix.tablename = t.relname AND ix.indexname = i.relname
		 WHERE n.nspname = $1
		   AND t.relname IN (%s)
		   AND x.indisvalid
		   AND x.indexprs IS NULL
		   AND x.indpred IS NULL
		   AND am.amname = 'btree'
		 ORDER BY t.relname, i.relname`, placeholders)

	err := p.gw.QueryRows(query, args, func(_ int, _ []*sql.ColumnType, values []interface{}) {
		indexes = append(indexes, Index{
			Schema:       asString(values[0]),
			Table:        asString(values[1]),
			Name:         asString(values[2]),
			Columns:      parseIndexColumns(asString(values[3])),
			AccessMethod: asString(values[4]),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	return indexes, nil
}

// parseIndexColumns extracts the ordered column list from a pg_get_indexdef
// string such as `CREATE INDEX ix ON public.t USING btree (a, b, "C d")`:
// strip the parenthesized column list, split on ", ", unquote identifiers
// wrapped in '"'.
func parseIndexColumns(indexdef string) []string {
	open := strings.Index(indexdef, "(")
	shut := strings.LastIndex(indexdef, ")")
	if open == -1 || shut == -1 || shut <= open {
		return nil
	}

	inner := indexdef[open+1 : shut]
	parts := strings.Split(inner, ", ")
	columns := make([]string, 0, len(parts))
	for _, part := range parts {
		columns = append(columns, gateway.UnquoteIdentifier(strings.TrimSpace(part)))
	}
	return columns
}

// LastAnalyzed returns the last-analyze timestamp for each of the given
// tables, scoped to p.schema. A table that has never been analyzed (or has
// no pg_stat_user_tables row yet) maps to a nil time.
func (p *Probe) LastAnalyzed(tables []string) (map[string]*time.Time, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	result := make(map[string]*time.Time, len(tables))
	for _, t := range tables {
		result[t] = nil
	}

	placeholders, args := inClause(tables, 1)
	args = append([]interface{}{p.schema}, args...)

	query := fmt.Sprintf(`
		SELECT relname, last_analyze
		  FROM pg_stat_user_tables
		 WHERE schemaname = $1 AND relname IN (%s)`, placeholders)

	err := p.gw.QueryRows(query, args, func(_ int, _ []*sql.ColumnType, values []interface{}) {
		name := asString(values[0])
		if boxed, ok := (*values[1].(*interface{})).(time.Time); ok {
			result[name] = &boxed
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check last-analyze timestamps: %w", err)
	}
	return result, nil
}

func inClause(values []string, startAt int) (string, []interface{}) {
	placeholders := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		placeholders[i] = fmt.Sprintf("$%d", startAt+i+1)
		args[i] = v
	}
	return strings.Join(placeholders, ", "), args
}

func asString(v interface{}) string {
	return sqlrows.Str(*v.(*interface{}))
}
