package gateway

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"cobber.com/sqlrows"
)

// Explain runs EXPLAIN (FORMAT JSON) against stmt and returns the decoded
// plan as a generic {map, slice, scalar} tree. stmt is sanitized by
// stripping any trailing ';' — a secondary defense on top of the
// parameterized execution the rest of the Gateway uses.
func (g *Gateway) Explain(stmt string) (interface{}, error) {
	sanitized := strings.TrimRight(strings.TrimSpace(stmt), ";")

	var raw string
	err := g.QueryRows(fmt.Sprintf("EXPLAIN (FORMAT JSON) %s", sanitized), nil,
		func(_ int, _ []*sql.ColumnType, values []interface{}) {
			raw = sqlrows.Str(*values[0].(*interface{}))
		})
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("database %s: EXPLAIN returned no plan", g.dbName)
	}

	var plan interface{}
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("failed to decode EXPLAIN output: %w", err)
	}
	return plan, nil
}

// EnsureHypoPG makes sure the hypopg extension is loaded in the current
// database, installing it if necessary. Failure here is always fatal to
// the process: either the shared object is missing from the server, or
// the connecting role lacks privilege to install extensions.
func (g *Gateway) EnsureHypoPG() error {
	installed, err := g.QueryRow(`SELECT count(*) FROM pg_extension WHERE extname = 'hypopg'`)
	if err != nil {
		return fmt.Errorf("failed to check for hypopg extension: %w", err)
	}
	if n, ok := installed.(int64); ok && n > 0 {
		return nil
	}

	if _, err := g.Exec(`CREATE EXTENSION IF NOT EXISTS hypopg`); err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "No such file") || strings.Contains(msg, "could not open extension control file"):
			return fmt.Errorf("hypopg extension is not installed on the server; install the hypopg package "+
				"for your PostgreSQL version (e.g. `apt install postgresql-<version>-hypopg`) or build from "+
				"source, then retry: %w", err)
		case strings.Contains(msg, "permission denied"):
			return fmt.Errorf("insufficient privilege to install the hypopg extension; "+
				"ask a superuser to run `CREATE EXTENSION hypopg` once, or connect as a privileged role: %w", err)
		default:
			return fmt.Errorf("failed to install hypopg extension: %w", err)
		}
	}

	return nil
}
