// Package source converts a raw stream of SQL text into batches of
// fingerprint-unique queries, from pg_stat_statements, a slow-query log
// tail, or plain files/literal statements.
package source

import (
	"bufio"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"cobber.com/pgindexadvisor/internal/gateway"
	"cobber.com/pgindexadvisor/internal/query"
	"cobber.com/pgindexadvisor/internal/utils"
	"cobber.com/sqlrows"
)

// Batch produces the next fingerprint-unique batch of queries. ok is false
// once the source is permanently exhausted (file/statement sources are
// single-shot; stats/log sources never exhaust on their own — the caller
// drives repeated polls on the --interval cadence).
type Batch interface {
	Next() (queries []*query.Query, ok bool, err error)
}

// dedupeByFingerprint keeps the first occurrence of each fingerprint. Order
// is not semantically significant (the evaluator treats a batch as a set),
// but a stable order makes debug output and tests reproducible.
func dedupeByFingerprint(queries []*query.Query) []*query.Query {
	first := make(map[string]*query.Query, len(queries))
	order := make(map[string]int, len(queries))
	for i, q := range queries {
		if _, ok := first[q.Fingerprint]; ok {
			continue
		}
		first[q.Fingerprint] = q
		order[q.Fingerprint] = i
	}

	out := maps.Values(first)
	sort.Slice(out, func(i, j int) bool {
		return order[out[i].Fingerprint] < order[out[j].Fingerprint]
	})
	return out
}

// StatsSource polls the server's pg_stat_statements view.
type StatsSource struct {
	gw        *gateway.Gateway
	minTimeMS float64
}

// NewStatsSource returns a StatsSource filtering to statements whose
// accumulated total_exec_time is at least minTimeMinutes minutes.
func NewStatsSource(gw *gateway.Gateway, minTimeMinutes int) *StatsSource {
	return &StatsSource{gw: gw, minTimeMS: float64(minTimeMinutes) * 60000}
}

// Next polls pg_stat_statements once, returning every qualifying statement
// as a single fingerprint-unique batch.
func (s *StatsSource) Next() ([]*query.Query, bool, error) {
	var batch []*query.Query

	err := s.gw.QueryRows(
		`SELECT query, total_exec_time, calls
		   FROM pg_stat_statements
		  WHERE total_exec_time >= $1
		  ORDER BY total_exec_time DESC`,
		[]interface{}{s.minTimeMS},
		func(_ int, _ []*sql.ColumnType, values []interface{}) {
			text := sqlrows.Str(*values[0].(*interface{}))
			totalTime, _ := (*values[1].(*interface{})).(float64)
			calls, _ := (*values[2].(*interface{})).(int64)

			q := query.Parse(text)
			q.HasStats = true
			q.TotalTime = totalTime
			q.Calls = calls
			batch = append(batch, q)
		})
	if err != nil {
		return nil, true, fmt.Errorf("failed to poll pg_stat_statements: %w", err)
	}

	return dedupeByFingerprint(batch), true, nil
}

// LogSource tails standard input for slow-query log events, accumulating a
// batch until interval elapses. Each line is expected to already be one
// `statement_text<TAB>duration_ms` event, as an external log-tailer would
// emit after parsing the server's actual slow-query log format.
type LogSource struct {
	reader   *bufio.Scanner
	interval time.Duration
	minTime  time.Duration
}

// NewLogSource reads events from r, batching every interval and dropping
// any event under minTimeMinutes.
func NewLogSource(r io.Reader, interval time.Duration, minTimeMinutes int) *LogSource {
	return &LogSource{
		reader:   bufio.NewScanner(r),
		interval: interval,
		minTime:  time.Duration(minTimeMinutes) * time.Minute,
	}
}

// Next accumulates lines until interval elapses or the input ends,
// returning the fingerprint-unique batch it collected.
func (l *LogSource) Next() ([]*query.Query, bool, error) {
	deadline := time.Now().Add(l.interval)
	var batch []*query.Query

	for time.Now().Before(deadline) && l.reader.Scan() {
		stmt, duration, ok := parseLogLine(l.reader.Text())
		if !ok || duration < l.minTime {
			continue
		}
		batch = append(batch, query.Parse(stmt))
	}

	if err := l.reader.Err(); err != nil {
		return nil, false, err
	}
	return dedupeByFingerprint(batch), true, nil
}

// parseLogLine splits a `statement_text<TAB>duration_ms` event line.
func parseLogLine(line string) (stmt string, duration time.Duration, ok bool) {
	idx := strings.LastIndex(line, "\t")
	if idx == -1 {
		return "", 0, false
	}
	stmt = line[:idx]
	var ms float64
	if _, err := fmt.Sscanf(line[idx+1:], "%f", &ms); err != nil {
		return "", 0, false
	}
	return stmt, time.Duration(ms * float64(time.Millisecond)), true
}

// FileSource treats the concatenated content of one or more files (or a
// single literal statement from -s) as a single batch, splitting on
// statement boundaries via the parser library's own statement scanner so
// that semicolons inside string literals never cause a false split.
type FileSource struct {
	texts []string
	done  bool
}

// NewFileSource reads every path from disk through utils.OptionallyFromFile
// (a plain path and a `!path` argument both resolve to file contents),
// concatenates, and splits into individual statements.
func NewFileSource(paths []string) (*FileSource, error) {
	var combined strings.Builder
	for _, p := range paths {
		content, err := utils.OptionallyFromFile("!" + strings.TrimPrefix(p, "!"))
		if err != nil {
			return nil, fmt.Errorf("failed to read %q: %w", p, err)
		}
		combined.WriteString(content)
		combined.WriteString("\n")
	}

	stmts, err := pg_query.SplitWithScanner(combined.String(), true)
	if err != nil {
		return nil, fmt.Errorf("failed to split statements: %w", err)
	}
	return &FileSource{texts: stmts}, nil
}

// NewStatementSource treats a single literal statement as a one-statement
// batch, for the -s flag.
func NewStatementSource(stmt string) *FileSource {
	return &FileSource{texts: []string{stmt}}
}

// Next returns the whole file/statement set as one batch, then reports
// exhaustion on every subsequent call.
func (f *FileSource) Next() ([]*query.Query, bool, error) {
	if f.done {
		return nil, false, nil
	}
	f.done = true

	var batch []*query.Query
	for _, text := range f.texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		batch = append(batch, query.Parse(text))
	}
	return dedupeByFingerprint(batch), true, nil
}
