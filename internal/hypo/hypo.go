// Package hypo is a thin wrapper over the HypoPG extension's reset/create
// functions, keeping a per-batch reverse name->columns map. HypoPG has no
// Go client library; it is exposed purely as SQL functions, so each call
// here issues one query through the Gateway.
package hypo

import (
	"fmt"
	"strings"

	"cobber.com/pgindexadvisor/internal/gateway"
	"cobber.com/pgindexadvisor/internal/query"
	"cobber.com/sqlrows"
)

// Engine owns the reverse mapping from a HypoPG-assigned index name back to
// the (table, columns) that produced it, for the current batch.
type Engine struct {
	gw    *gateway.Gateway
	names map[string]query.Index
}

// New wraps gw for hypothetical-index creation.
func New(gw *gateway.Gateway) *Engine {
	return &Engine{gw: gw, names: make(map[string]query.Index)}
}

// Reset clears all hypothetical indexes in the session and discards the
// reverse mapping. Must be called at the start of every batch before any
// Create.
func (e *Engine) Reset() error {
	if _, err := e.gw.Exec(`SELECT hypopg_reset()`); err != nil {
		return fmt.Errorf("hypopg_reset failed: %w", err)
	}
	e.names = make(map[string]query.Index)
	return nil
}

// Create materializes a hypothetical index on table over the ordered
// columns and records the reverse mapping.
func (e *Engine) Create(table string, columns []string) (string, error) {
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = gateway.QuoteIdentifier(c)
	}
	ddl := fmt.Sprintf("CREATE INDEX ON %s (%s)", gateway.QuoteIdentifier(table), strings.Join(quotedCols, ", "))

	row, err := e.gw.QueryRow(`SELECT indexname FROM hypopg_create_index($1)`, ddl)
	if err != nil {
		return "", fmt.Errorf("hypopg_create_index failed for %s(%s): %w", table, strings.Join(columns, ","), err)
	}

	name := sqlrows.Str(row)
	e.names[name] = query.Index{Table: table, Columns: append([]string(nil), columns...)}
	return name, nil
}

// Lookup maps a HypoPG-assigned index name back to the (table, columns)
// that produced it, for the current batch.
func (e *Engine) Lookup(name string) (query.Index, bool) {
	idx, ok := e.names[name]
	return idx, ok
}
