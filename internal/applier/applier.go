// Package applier performs advisory-locked, idempotent concurrent creation
// of accepted index suggestions: one struct per operation, each issuing its
// own DDL through the Gateway and logging "ERROR: ..." when an index is
// skipped.
package applier

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"

	"cobber.com/pgindexadvisor/internal/advisor"
	"cobber.com/pgindexadvisor/internal/catalog"
	"cobber.com/pgindexadvisor/internal/gateway"
)

// lockID is the fixed numeric advisory-lock key cooperatively shared by
// every instance of this tool connecting to the same database.
const lockID = 123456

// Applier issues real CREATE INDEX CONCURRENTLY statements for an accepted
// suggestion set, serialized against other instances via an advisory lock.
type Applier struct {
	gw  *gateway.Gateway
	cat *catalog.Probe
}

// New wraps gw/cat for index application.
func New(gw *gateway.Gateway, cat *catalog.Probe) *Applier {
	return &Applier{gw: gw, cat: cat}
}

// Apply acquires the advisory lock, re-reads existing indexes (another
// process may have already built one), and issues CREATE INDEX CONCURRENTLY
// for every suggestion not already present. It is a no-op when suggestions
// is empty.
func (a *Applier) Apply(suggestions []advisor.Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}

	release, err := a.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	tables := make([]string, 0, len(suggestions))
	seen := make(map[string]bool)
	for _, s := range suggestions {
		if !seen[s.Index.Table] {
			seen[s.Index.Table] = true
			tables = append(tables, s.Index.Table)
		}
	}

	existing, err := a.cat.Indexes(tables)
	if err != nil {
		return fmt.Errorf("failed to re-read existing indexes before apply: %w", err)
	}

	for _, s := range suggestions {
		if alreadyExists(s.Index.Table, s.Index.Columns, existing) {
			continue
		}
		if err := a.createOne(s.Index.Table, s.Index.Columns); err != nil {
			return err
		}
	}
	return nil
}

// acquireLock blocks, polling every second, until pg_try_advisory_lock
// succeeds, logging "Waiting for lock..." once. It returns a release
// function that is safe to call unconditionally and suppresses any error
// encountered while unlocking, so a deferred call always completes cleanly
// even while a panic is unwinding through it.
func (a *Applier) acquireLock() (release func(), err error) {
	logged := false
	for {
		acquired, err := a.tryLock()
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}
		if !logged {
			log.Println("Waiting for lock...")
			logged = true
		}
		time.Sleep(1 * time.Second)
	}

	return func() {
		_, _ = a.gw.QueryRow(`SELECT pg_advisory_unlock($1)`, lockID)
	}, nil
}

func (a *Applier) tryLock() (bool, error) {
	result, err := a.gw.QueryRow(`SELECT pg_try_advisory_lock($1)`, lockID)
	if err != nil {
		return false, fmt.Errorf("failed to attempt advisory lock: %w", err)
	}
	acquired, _ := result.(bool)
	return acquired, nil
}

// createOne issues CREATE INDEX CONCURRENTLY for one suggestion, measuring
// elapsed wall time. A lock_not_available error is logged and the
// suggestion skipped; every other error class is returned unrecovered.
func (a *Applier) createOne(table string, columns []string) error {
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = gateway.QuoteIdentifier(c)
	}
	ddl := fmt.Sprintf("CREATE INDEX CONCURRENTLY ON %s (%s)",
		gateway.QuoteIdentifier(table), strings.Join(quotedCols, ", "))

	start := time.Now()
	_, err := a.gw.Exec(ddl)
	elapsed := time.Since(start)

	if err != nil {
		if isLockNotAvailable(err) {
			log.Printf("ERROR: index creation on %s(%s) skipped, lock not available: %v\n",
				table, strings.Join(columns, ","), err)
			return nil
		}
		return fmt.Errorf("index creation on %s(%s) failed: %w",
			table, strings.Join(columns, ","), err)
	}

	log.Printf("Created index on %s(%s) in %v\n", table, strings.Join(columns, ","), elapsed)
	return nil
}

func isLockNotAvailable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "lock_not_available" {
		return true
	}
	return strings.Contains(err.Error(), "lock not available")
}

func alreadyExists(table string, columns []string, existing []catalog.Index) bool {
	for _, ex := range existing {
		if ex.Table != table || len(ex.Columns) != len(columns) {
			continue
		}
		match := true
		for i := range columns {
			if ex.Columns[i] != columns[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
