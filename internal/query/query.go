// Package query is the Query Model (C3): a normalized record per query
// plus the tree-walking helpers over its parse tree and EXPLAIN plans.
package query

import (
	"encoding/json"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// UnknownFingerprint is the sentinel fingerprint for a statement the parser
// could not make sense of.
const UnknownFingerprint = "unknown"

// Index identifies a candidate or existing index by (table, ordered
// columns) — order is significant.
type Index struct {
	Table   string
	Columns []string
}

// Key returns a comparable identity for use as a map key; order-sensitive.
func (i Index) Key() string {
	key := i.Table + "|"
	for n, c := range i.Columns {
		if n != 0 {
			key += ","
		}
		key += c
	}
	return key
}

// Query is the normalized per-statement record threaded through a batch.
// Cost/plan/debug slots are explicit optionals (nil/zero-length) rather
// than modeled with sentinel values.
type Query struct {
	Text        string
	Fingerprint string
	Tree        interface{}
	Tables      []string

	// Present only when the source is the statistics view.
	HasStats  bool
	TotalTime float64
	Calls     int64

	MissingTables bool

	// ExplainFailed latches true the first time EXPLAIN fails at any pass
	// and never clears within a batch — the Open Question's resolution.
	ExplainFailed bool

	// Costs[k]/Plans[k] are present (non-nil) iff the query was
	// explainable at pass k: pass 0 = baseline, 1 = single-column hypos,
	// 2 = single+multi-column hypos.
	Costs [3]*float64
	Plans [3]interface{}

	FinalIndexes []Index
	SuggestIndex bool

	// Debug snapshots of what each pass's plan recovered, for reporter
	// debug output.
	Pass1Indexes []Index
	Pass2Indexes []Index
}

// Parse fingerprints and parses text into a Query. A parse/fingerprint
// failure yields the "unknown" sentinel fingerprint and a nil Tree/Tables —
// the query is still returned (never an error) so the caller can surface it
// in debug output and skip it from evaluation.
func Parse(text string) *Query {
	q := &Query{Text: text, Fingerprint: UnknownFingerprint}

	fp, err := pg_query.Fingerprint(text)
	if err != nil {
		return q
	}

	treeJSON, err := pg_query.ParseToJSON(text)
	if err != nil {
		return q
	}

	var tree interface{}
	if err := json.Unmarshal([]byte(treeJSON), &tree); err != nil {
		return q
	}

	q.Fingerprint = fp
	q.Tree = tree
	q.Tables = RangeVarTables(tree)
	return q
}

// Explainable reports whether the query is still eligible for the next
// EXPLAIN pass: no EXPLAIN has failed on it yet during this batch.
func (q *Query) Explainable() bool {
	return !q.ExplainFailed
}

// HighCost reports whether the query's baseline planner cost meets the
// fixed high-cost threshold.
func (q *Query) HighCost() bool {
	return q.Costs[0] != nil && *q.Costs[0] >= 100
}

// Unparseable reports whether the statement's fingerprint could not be
// computed (the "unknown" sentinel).
func (q *Query) Unparseable() bool {
	return q.Fingerprint == UnknownFingerprint
}
