// Package sqlrows provides a column-type-agnostic row scanner usable
// against a database/sql *sql.DB or *sql.Tx.
package sqlrows

import (
	"database/sql"
	"fmt"
)

// Queryer is satisfied by *sql.DB and *sql.Tx (*sql.Conn has only the
// context-taking QueryContext, so it does not satisfy it).
type Queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

// Scanner runs queries against a Queryer and hands each row, still boxed as
// interface{} per column, to a processor callback. Callers interpret the
// column values themselves (this package has no notion of a target struct).
type Scanner struct {
	q Queryer
}

// New wraps a Queryer (typically a *sql.DB) for repeated scanning.
func New(q Queryer) Scanner {
	return Scanner{q: q}
}

// RowProcessor is invoked once per result row. rowNumber is 1-based.
type RowProcessor func(rowNumber int, columnTypes []*sql.ColumnType, values []interface{})

// ExecuteQueryRows runs query with args and invokes processor for every row.
func (s Scanner) ExecuteQueryRows(query string, args []interface{}, processor RowProcessor) error {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("failed to get column types: %w", err)
	}
	if columnTypes == nil {
		return nil
	}

	vals := make([]interface{}, len(columnTypes))
	for i := range vals {
		vals[i] = new(interface{})
	}

	rowNumber := 1
	for rows.Next() {
		if err := rows.Scan(vals...); err != nil {
			return fmt.Errorf("row %d scan failed: %w", rowNumber, err)
		}
		processor(rowNumber, columnTypes, vals)
		rowNumber++
	}
	return rows.Err()
}

// ExecuteQueryRow runs a query expected to return exactly one column, one row.
func (s Scanner) ExecuteQueryRow(query string, args []interface{}) (interface{}, error) {
	var result interface{}
	err := s.ExecuteQueryRows(query, args, func(_ int, _ []*sql.ColumnType, values []interface{}) {
		result = *values[0].(*interface{})
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("query returned no rows")
	}
	return result, nil
}

// Str unboxes a scanned value that arrived as []byte or string into a string.
func Str(v interface{}) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
