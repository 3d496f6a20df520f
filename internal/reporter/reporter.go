// Package reporter provides leveled info/debug diagnostics over a batch's
// queries and the evaluator's accepted suggestions, built on a plain
// *log.Logger with five verbosity levels.
package reporter

import (
	"fmt"
	"log"
	"strings"

	"cobber.com/pgindexadvisor/internal/query"
)

// Level is the reporter's verbosity, ordered least to most verbose.
type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
	LevelDebug2
	LevelDebug3
)

// ParseLevel maps a --log-level flag value to a Level, defaulting to info
// on an unrecognized string.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "error":
		return LevelError
	case "debug":
		return LevelDebug
	case "debug2":
		return LevelDebug2
	case "debug3":
		return LevelDebug3
	default:
		return LevelInfo
	}
}

// Reporter emits suggestion/query diagnostics at the configured Level.
type Reporter struct {
	Level  Level
	Logger *log.Logger
}

// New returns a Reporter writing through log.Default() at level.
func New(level Level) *Reporter {
	return &Reporter{Level: level, Logger: log.Default()}
}

func (r *Reporter) printf(format string, args ...interface{}) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Debug3 logs a column-mining trace line, only at debug3 or above.
func (r *Reporter) Debug3(format string, args ...interface{}) {
	if r.Level < LevelDebug3 {
		return
	}
	r.printf("DEBUG3: "+format, args...)
}

// Suggestions reports one accepted suggestion at info level as a single
// "Index found" line; an empty set is reported by NoSuggestions instead.
func (r *Reporter) Suggestions(table string, columns []string) {
	if r.Level < LevelInfo {
		return
	}
	r.printf("Index found: %s (%s)", table, strings.Join(columns, ", "))
}

// NoSuggestions reports that a batch produced no new suggestions.
func (r *Reporter) NoSuggestions() {
	if r.Level < LevelInfo {
		return
	}
	r.printf("No new indexes found")
}

// Batch logs a per-query debug trace: at debug, only queries that have a
// reason worth explaining for not being suggested; at debug2, every query
// including those with no suggestion; debug3 adds the column-mining steps
// (already emitted inline via Debug3).
func (r *Reporter) Batch(queries []*query.Query) {
	if r.Level < LevelDebug {
		return
	}
	for _, q := range queries {
		reason := nonSuggestionReason(q)
		if reason == "" && r.Level < LevelDebug2 {
			continue
		}

		var stats string
		if q.HasStats {
			avg := 0.0
			if q.Calls > 0 {
				avg = q.TotalTime / float64(q.Calls)
			}
			stats = fmt.Sprintf(" total_time=%.2f avg=%.2f calls=%d", q.TotalTime, avg, q.Calls)
		}

		r.printf("query %q%s", q.Text, stats)
		if reason != "" {
			r.printf("  not suggested: %s", reason)
		}
		r.printf("  cost trace: start=%s pass1=%s pass2=%s final=%s",
			costString(q.Costs[0]), costString(q.Costs[1]), costString(q.Costs[2]), indexesString(q.FinalIndexes))
	}
}

func nonSuggestionReason(q *query.Query) string {
	switch {
	case q.SuggestIndex:
		return ""
	case q.Unparseable():
		return "unparseable"
	case len(q.Tables) == 0:
		return "no tables referenced"
	case q.MissingTables:
		return "references tables outside the current universe"
	case q.ExplainFailed:
		return "explain failed"
	case q.Costs[0] == nil:
		return "never explained"
	case !q.HighCost():
		return "low cost"
	default:
		return "no savings"
	}
}

func costString(c *float64) string {
	if c == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *c)
}

func indexesString(indexes []query.Index) string {
	if len(indexes) == 0 {
		return "-"
	}
	parts := make([]string, len(indexes))
	for i, idx := range indexes {
		parts[i] = fmt.Sprintf("%s(%s)", idx.Table, strings.Join(idx.Columns, ","))
	}
	return strings.Join(parts, ", ")
}
