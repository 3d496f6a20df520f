// Package advisor is the core column-mining, hypothetical-index-creation,
// re-plan, cost-savings-decision pipeline: a single Evaluate entry point
// driven off catalog/stats queries. The gatewayAPI/catalogAPI/hypoAPI
// interfaces below are declared here, not in their owning packages, so this
// package can be exercised against fakes without a live database.
package advisor

import (
	"sort"
	"time"

	"cobber.com/pgindexadvisor/internal/catalog"
	"cobber.com/pgindexadvisor/internal/gateway"
	"cobber.com/pgindexadvisor/internal/query"
	"cobber.com/pgindexadvisor/internal/reporter"
)

// gatewayAPI is the slice of *gateway.Gateway the evaluator needs.
type gatewayAPI interface {
	Explain(stmt string) (interface{}, error)
	Analyze(table string) error
}

// catalogAPI is the slice of *catalog.Probe the evaluator needs.
type catalogAPI interface {
	ListTables() (map[string]bool, error)
	Columns(tables []string) ([]catalog.Column, error)
	Indexes(tables []string) ([]catalog.Index, error)
	LastAnalyzed(tables []string) (map[string]*time.Time, error)
}

// hypoAPI is the slice of *hypo.Engine the evaluator needs.
type hypoAPI interface {
	Reset() error
	Create(table string, columns []string) (string, error)
	Lookup(name string) (query.Index, bool)
}

// Suggestion is one accepted final index recommendation plus the queries
// that earned it.
type Suggestion struct {
	Index   query.Index
	Queries []*query.Query
}

// Evaluator runs the column-mining/hypothetical-index/decision pipeline
// over one batch of queries.
type Evaluator struct {
	gw      gatewayAPI
	catalog catalogAPI
	hypo    hypoAPI
	rep     *reporter.Reporter

	Exclude map[string]bool
	Include map[string]bool
}

// New returns an Evaluator wired to live collaborators.
func New(gw *gateway.Gateway, cat *catalog.Probe, hyp hypoAPI, rep *reporter.Reporter) *Evaluator {
	return &Evaluator{gw: gw, catalog: cat, hypo: hyp, rep: rep}
}

// Evaluate runs one batch of the algorithm against queries, returning the
// deduplicated, sorted suggestion set.
func (e *Evaluator) Evaluate(queries []*query.Query) ([]Suggestion, error) {
	// 1. Reset hypothetical indexes.
	if err := e.hypo.Reset(); err != nil {
		return nil, err
	}

	// 2. Table universe.
	known, err := e.catalog.ListTables()
	if err != nil {
		return nil, err
	}
	tables := e.tableUniverse(queries, known)
	for _, q := range queries {
		q.MissingTables = !subsetOf(q.Tables, tables)
	}

	// 3. Freshness.
	if err := e.ensureFresh(tables); err != nil {
		return nil, err
	}

	// 4. Pass 0 — baseline plans.
	for _, q := range queries {
		if q.MissingTables || q.Unparseable() {
			continue
		}
		e.explainPass(q, 0)
	}

	// 5. Narrow to the explainable, high-cost subset and recompute tables.
	var narrowed []*query.Query
	for _, q := range queries {
		if q.Explainable() && q.HighCost() {
			narrowed = append(narrowed, q)
		}
	}
	if e.rep != nil {
		e.rep.Debug3("narrowed batch of %d to %d high-cost queries", len(queries), len(narrowed))
	}
	if len(narrowed) == 0 {
		e.report(queries)
		e.reportSuggestions(nil)
		return nil, nil
	}
	tables = unionTables(narrowed)

	// 6. Candidate columns.
	columns, err := e.candidateColumns(narrowed, tables)
	if err != nil {
		return nil, err
	}

	// 7/8. Single-column hypos, pass 1.
	if err := e.createSingleColumnHypos(columns); err != nil {
		return nil, err
	}
	for _, q := range narrowed {
		e.explainPass(q, 1)
	}

	// 9/10. Multi-column hypos, pass 2.
	if err := e.createMultiColumnHypos(columns); err != nil {
		return nil, err
	}
	for _, q := range narrowed {
		e.explainPass(q, 2)
	}

	// 11. Per-query decision.
	existing, err := e.catalog.Indexes(tables)
	if err != nil {
		return nil, err
	}
	newIndexes := make(map[string]*Suggestion)
	for _, q := range narrowed {
		e.decide(q, existing, newIndexes)
	}

	e.report(queries)

	// 12. Global dedup.
	suggestions := finalize(newIndexes)
	e.reportSuggestions(suggestions)
	return suggestions, nil
}

// tableUniverse computes ⋃ q.Tables over queries, intersected with known,
// then applies the include filter (if configured) and subtracts Exclude.
func (e *Evaluator) tableUniverse(queries []*query.Query, known map[string]bool) []string {
	union := make(map[string]bool)
	for _, q := range queries {
		for _, t := range q.Tables {
			union[t] = true
		}
	}

	var tables []string
	for t := range union {
		if !known[t] {
			continue
		}
		if len(e.Include) > 0 && !e.Include[t] {
			continue
		}
		if e.Exclude[t] {
			continue
		}
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

func unionTables(queries []*query.Query) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, q := range queries {
		for _, t := range q.Tables {
			if !seen[t] {
				seen[t] = true
				tables = append(tables, t)
			}
		}
	}
	sort.Strings(tables)
	return tables
}

func subsetOf(tables []string, universe []string) bool {
	universeSet := make(map[string]bool, len(universe))
	for _, t := range universe {
		universeSet[t] = true
	}
	for _, t := range tables {
		if !universeSet[t] {
			return false
		}
	}
	return true
}

// ensureFresh runs ANALYZE on every table whose last-analyze timestamp is
// missing or older than one hour.
func (e *Evaluator) ensureFresh(tables []string) error {
	if len(tables) == 0 {
		return nil
	}
	last, err := e.catalog.LastAnalyzed(tables)
	if err != nil {
		return err
	}

	staleBefore := time.Now().Add(-1 * time.Hour)
	for _, t := range tables {
		ts := last[t]
		if ts == nil || ts.Before(staleBefore) {
			if err := e.gw.Analyze(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// explainPass runs EXPLAIN for q at pass and records its cost, or marks the
// query non-explainable for the rest of the batch on any error — the Open
// Question's resolution: any pass failure disqualifies the query from every
// later pass.
func (e *Evaluator) explainPass(q *query.Query, pass int) {
	if !q.Explainable() {
		return
	}
	plan, err := e.gw.Explain(q.Text)
	if err != nil {
		q.ExplainFailed = true
		return
	}
	cost, ok := query.RootCost(plan)
	if !ok {
		q.ExplainFailed = true
		return
	}
	q.Plans[pass] = plan
	q.Costs[pass] = &cost

	switch pass {
	case 1:
		q.Pass1Indexes = e.recoveredIndexes(plan)
	case 2:
		q.Pass2Indexes = e.recoveredIndexes(plan)
	}
}

func (e *Evaluator) recoveredIndexes(plan interface{}) []query.Index {
	var recovered []query.Index
	seen := make(map[string]bool)
	for _, name := range query.IndexNames(plan) {
		idx, ok := e.hypo.Lookup(name)
		if !ok {
			continue
		}
		if key := idx.Key(); !seen[key] {
			seen[key] = true
			recovered = append(recovered, idx)
		}
	}
	return recovered
}

// candidateColumns mines last-segment ColumnRef strings from every query in
// narrowed, intersects with the real columns catalog of tables, drops
// json/jsonb columns, and groups the survivors by table.
func (e *Evaluator) candidateColumns(narrowed []*query.Query, tables []string) (map[string][]string, error) {
	cols, err := e.catalog.Columns(tables)
	if err != nil {
		return nil, err
	}
	eligible := make(map[string]map[string]bool) // table -> column -> eligible
	for _, c := range cols {
		if c.IsJSON() {
			continue
		}
		if eligible[c.Table] == nil {
			eligible[c.Table] = make(map[string]bool)
		}
		eligible[c.Table][c.Column] = true
	}

	grouped := make(map[string]map[string]bool) // table -> column -> mined
	for _, q := range narrowed {
		if e.rep != nil {
			e.rep.Debug3("mining candidate columns for query %q", q.Fingerprint)
		}
		for _, col := range query.ColumnRefCandidates(q.Tree) {
			for _, t := range q.Tables {
				if eligible[t] != nil && eligible[t][col] {
					if grouped[t] == nil {
						grouped[t] = make(map[string]bool)
					}
					grouped[t][col] = true
				}
			}
		}
	}

	result := make(map[string][]string)
	for t, set := range grouped {
		var columns []string
		for c := range set {
			columns = append(columns, c)
		}
		sort.Strings(columns)
		result[t] = columns
	}
	return result, nil
}

func (e *Evaluator) createSingleColumnHypos(columns map[string][]string) error {
	for t, cols := range columns {
		for _, c := range cols {
			if _, err := e.hypo.Create(t, []string{c}); err != nil {
				return err
			}
		}
	}
	return nil
}

// createMultiColumnHypos creates one hypothetical index per ordered pair
// (permutation of size 2) of eligible columns on the same table.
func (e *Evaluator) createMultiColumnHypos(columns map[string][]string) error {
	for t, cols := range columns {
		for _, c1 := range cols {
			for _, c2 := range cols {
				if c1 == c2 {
					continue
				}
				if _, err := e.hypo.Create(t, []string{c1, c2}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// decide applies the per-query savings/dedup decision, adding any accepted
// index to newIndexes keyed by its (table, columns) identity.
func (e *Evaluator) decide(q *query.Query, existing []catalog.Index, newIndexes map[string]*Suggestion) {
	if q.Costs[0] == nil || q.Costs[1] == nil || q.Costs[2] == nil {
		return
	}
	cost0, cost1, cost2 := *q.Costs[0], *q.Costs[1], *q.Costs[2]

	savings1 := cost1 < 0.5*cost0
	savings2 := cost1 > 100 && cost2 < 0.5*cost1

	pass := 1
	recovered := dropCovered(q.Pass1Indexes, existing)
	if savings2 {
		pass = 2
		recovered = dropCovered(q.Pass2Indexes, existing)
	}

	// Bad-pair guard: multiple surviving recovered indexes at pass 2 fall
	// back to pass 1 and clear savings2.
	if pass == 2 && len(recovered) > 1 {
		savings2 = false
		pass = 1
		recovered = dropCovered(q.Pass1Indexes, existing)
	}

	q.FinalIndexes = recovered
	q.SuggestIndex = (savings1 || savings2) && len(recovered) == 1

	if !q.SuggestIndex {
		return
	}

	idx := recovered[0]
	key := idx.Key()
	s, ok := newIndexes[key]
	if !ok {
		s = &Suggestion{Index: idx}
		newIndexes[key] = s
	}
	s.Queries = append(s.Queries, q)
}

// dropCovered filters out any recovered index already covered by an
// existing valid B-tree index on the same table.
func dropCovered(recovered []query.Index, existing []catalog.Index) []query.Index {
	var kept []query.Index
	for _, idx := range recovered {
		if !coveredByExisting(idx, existing) {
			kept = append(kept, idx)
		}
	}
	return kept
}

// coveredByExisting reports whether idx's (table, columns) is a prefix
// duplicate of an existing valid B-tree index on the same table — the
// first-column and first-two-columns prefixes of existing indexes are
// treated as covered.
func coveredByExisting(idx query.Index, existing []catalog.Index) bool {
	for _, ex := range existing {
		if ex.Table != idx.Table {
			continue
		}
		for n := 1; n <= 2 && n <= len(ex.Columns); n++ {
			if columnsEqual(idx.Columns, ex.Columns[:n]) {
				return true
			}
		}
	}
	return false
}

func columnsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// finalize applies the global dedup pass across the whole batch: drop any
// multi-column suggestion (t, [c1, c2]) when the single-column form
// (t, [c1]) is itself an accepted suggestion — the single-column index
// subsumes it. Sort the residual set by key for a stable, deterministic
// report order.
func finalize(newIndexes map[string]*Suggestion) []Suggestion {
	singleSuggested := make(map[string]bool)
	for _, s := range newIndexes {
		if len(s.Index.Columns) == 1 {
			singleSuggested[s.Index.Key()] = true
		}
	}

	var result []Suggestion
	for _, s := range newIndexes {
		if len(s.Index.Columns) == 2 {
			firstColumnKey := query.Index{Table: s.Index.Table, Columns: s.Index.Columns[:1]}.Key()
			if singleSuggested[firstColumnKey] {
				continue
			}
		}
		result = append(result, *s)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Index.Key() < result[j].Index.Key()
	})
	return result
}

func (e *Evaluator) report(queries []*query.Query) {
	if e.rep != nil {
		e.rep.Batch(queries)
	}
}

func (e *Evaluator) reportSuggestions(suggestions []Suggestion) {
	if e.rep == nil {
		return
	}
	if len(suggestions) == 0 {
		e.rep.NoSuggestions()
		return
	}
	for _, s := range suggestions {
		e.rep.Suggestions(s.Index.Table, s.Index.Columns)
	}
}
