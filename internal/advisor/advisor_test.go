package advisor

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"cobber.com/pgindexadvisor/internal/catalog"
	"cobber.com/pgindexadvisor/internal/query"
	"cobber.com/pgindexadvisor/internal/reporter"
)

// --- fakes -----------------------------------------------------------------

type explainStep struct {
	cost    float64
	indexes []string
	err     error
}

type fakeGateway struct {
	steps    map[string][]explainStep
	calls    map[string]int
	analyzed []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{steps: make(map[string][]explainStep), calls: make(map[string]int)}
}

func (f *fakeGateway) Explain(stmt string) (interface{}, error) {
	i := f.calls[stmt]
	f.calls[stmt] = i + 1
	steps := f.steps[stmt]
	if i >= len(steps) {
		return nil, fmt.Errorf("fakeGateway: no scripted EXPLAIN for call %d of %q", i, stmt)
	}
	step := steps[i]
	if step.err != nil {
		return nil, step.err
	}
	return planFor(step.cost, step.indexes...), nil
}

func (f *fakeGateway) Analyze(table string) error {
	f.analyzed = append(f.analyzed, table)
	return nil
}

// planFor builds a decoded EXPLAIN (FORMAT JSON) tree: one root Plan node
// carrying Total Cost, with one child node per index name so query.IndexNames
// can recover it exactly as a real plan would nest "Index Name" under
// "Plans".
func planFor(cost float64, indexNames ...string) interface{} {
	plan := map[string]interface{}{"Node Type": "Seq Scan", "Total Cost": cost}
	if len(indexNames) > 0 {
		var children []interface{}
		for _, name := range indexNames {
			children = append(children, map[string]interface{}{"Node Type": "Index Scan", "Index Name": name})
		}
		plan["Plans"] = children
	}
	return []interface{}{map[string]interface{}{"Plan": plan}}
}

type fakeCatalog struct {
	tables     map[string]bool
	columns    []catalog.Column
	indexes    []catalog.Index
	lastAnalyz map[string]*time.Time
}

func (f *fakeCatalog) ListTables() (map[string]bool, error) { return f.tables, nil }
func (f *fakeCatalog) Columns(tables []string) ([]catalog.Column, error) {
	var out []catalog.Column
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[t] = true
	}
	for _, c := range f.columns {
		if want[c.Table] {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeCatalog) Indexes(tables []string) ([]catalog.Index, error) {
	var out []catalog.Index
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[t] = true
	}
	for _, idx := range f.indexes {
		if want[idx.Table] {
			out = append(out, idx)
		}
	}
	return out, nil
}
func (f *fakeCatalog) LastAnalyzed(tables []string) (map[string]*time.Time, error) {
	if f.lastAnalyz != nil {
		return f.lastAnalyz, nil
	}
	now := time.Now()
	result := make(map[string]*time.Time, len(tables))
	for _, t := range tables {
		result[t] = &now
	}
	return result, nil
}

type fakeHypo struct {
	seq   int
	names map[string]query.Index
}

func newFakeHypo() *fakeHypo { return &fakeHypo{names: make(map[string]query.Index)} }

func (f *fakeHypo) Reset() error {
	f.names = make(map[string]query.Index)
	return nil
}

func (f *fakeHypo) Create(table string, columns []string) (string, error) {
	f.seq++
	name := fmt.Sprintf("hypo_%d", f.seq)
	f.names[name] = query.Index{Table: table, Columns: append([]string(nil), columns...)}
	return name, nil
}

func (f *fakeHypo) Lookup(name string) (query.Index, bool) {
	idx, ok := f.names[name]
	return idx, ok
}

// nameFor returns the HypoPG-assigned name for a (table, columns) created
// earlier by a fakeHypo, for scripting downstream EXPLAIN steps.
func (f *fakeHypo) nameFor(t *testing.T, table string, columns ...string) string {
	t.Helper()
	want := query.Index{Table: table, Columns: columns}.Key()
	for name, idx := range f.names {
		if idx.Key() == want {
			return name
		}
	}
	t.Fatalf("no hypothetical index found for %s%v", table, columns)
	return ""
}

func decodeTree(t *testing.T, src string) interface{} {
	t.Helper()
	var tree interface{}
	if err := json.Unmarshal([]byte(src), &tree); err != nil {
		t.Fatalf("failed to decode fixture: %v", err)
	}
	return tree
}

func ratingsColumns() []catalog.Column {
	return []catalog.Column{
		{Table: "ratings", Column: "user_id", DataType: "integer"},
		{Table: "ratings", Column: "movie_id", DataType: "integer"},
		{Table: "ratings", Column: "rating", DataType: "integer"},
		{Table: "ratings", Column: "meta", DataType: "jsonb"},
	}
}

// --- scenario 1: single-column win ------------------------------------------

func TestEvaluateSingleColumnWin(t *testing.T) {
	stmt := "SELECT * FROM ratings WHERE user_id = $1"
	q := query.Parse(stmt)
	q.Tree = decodeTree(t, `{"SelectStmt":{"whereClause":{"A_Expr":{"lexpr":{"ColumnRef":{"fields":[{"String":{"str":"user_id"}}]}}}}},"fromClause":[{"RangeVar":{"relname":"ratings"}}]}`)
	q.Tables = []string{"ratings"}
	q.Fingerprint = "fp1"

	gw := newFakeGateway()
	hyp := newFakeHypo()

	// Pre-seed pass 0 (no hypo context needed) and script pass1/pass2 after
	// we know the name HypoPG would assign; since the evaluator creates the
	// single-column hypo before pass 1 deterministically (one table, one
	// column), we can predict the name sequence: "hypo_1".
	gw.steps[stmt] = []explainStep{
		{cost: 10000},
		{cost: 100, indexes: []string{"hypo_1"}},
		{cost: 100, indexes: []string{"hypo_1"}},
	}

	cat := &fakeCatalog{
		tables:  map[string]bool{"ratings": true},
		columns: ratingsColumns(),
	}

	rep := reporter.New(reporter.LevelDebug3)
	ev := &Evaluator{gw: gw, catalog: cat, hypo: hyp, rep: rep}

	suggestions, err := ev.Evaluate([]*query.Query{q})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d: %+v", len(suggestions), suggestions)
	}
	got := suggestions[0].Index
	if got.Table != "ratings" || len(got.Columns) != 1 || got.Columns[0] != "user_id" {
		t.Fatalf("expected ratings(user_id), got %+v", got)
	}
	if !q.SuggestIndex {
		t.Fatalf("expected q.SuggestIndex true")
	}
}

// --- scenario 5: low-cost skip ----------------------------------------------

func TestEvaluateLowCostSkip(t *testing.T) {
	stmt := "SELECT * FROM ratings WHERE rating = $1"
	q := query.Parse(stmt)
	q.Tree = decodeTree(t, `{"fromClause":[{"RangeVar":{"relname":"ratings"}}]}`)
	q.Tables = []string{"ratings"}
	q.Fingerprint = "fp5"

	gw := newFakeGateway()
	gw.steps[stmt] = []explainStep{{cost: 30}}

	cat := &fakeCatalog{
		tables:  map[string]bool{"ratings": true},
		columns: ratingsColumns(),
	}

	ev := &Evaluator{gw: gw, catalog: cat, hypo: newFakeHypo(), rep: reporter.New(reporter.LevelDebug2)}

	suggestions, err := ev.Evaluate([]*query.Query{q})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(suggestions) != 0 {
		t.Fatalf("expected no suggestions for a low-cost query, got %+v", suggestions)
	}
	if gw.calls[stmt] != 1 {
		t.Fatalf("expected exactly 1 EXPLAIN call (pass 0 only), got %d", gw.calls[stmt])
	}
}

// --- scenario 4: JSON column filter ------------------------------------------

func TestCandidateColumnsExcludesJSON(t *testing.T) {
	stmt := "SELECT * FROM ratings WHERE meta = $1"
	q := query.Parse(stmt)
	q.Tree = decodeTree(t, `{"ColumnRef":{"fields":[{"String":{"str":"meta"}}]}}`)
	q.Tables = []string{"ratings"}

	cat := &fakeCatalog{columns: ratingsColumns()}
	ev := &Evaluator{catalog: cat}

	grouped, err := ev.candidateColumns([]*query.Query{q}, []string{"ratings"})
	if err != nil {
		t.Fatalf("candidateColumns failed: %v", err)
	}
	if cols, ok := grouped["ratings"]; ok {
		for _, c := range cols {
			if c == "meta" {
				t.Fatalf("expected jsonb column 'meta' to be excluded, got %v", cols)
			}
		}
	}
}

// --- scenario 3: existing-index subsumption ---------------------------------

func TestCoveredByExisting(t *testing.T) {
	existing := []catalog.Index{
		{Table: "ratings", Columns: []string{"user_id", "movie_id"}, AccessMethod: "btree"},
	}

	if !coveredByExisting(query.Index{Table: "ratings", Columns: []string{"user_id"}}, existing) {
		t.Fatalf("expected (ratings, [user_id]) to be covered by existing (user_id, movie_id)")
	}
	if coveredByExisting(query.Index{Table: "ratings", Columns: []string{"movie_id"}}, existing) {
		t.Fatalf("(ratings, [movie_id]) should not be covered — it is not a prefix")
	}
	if coveredByExisting(query.Index{Table: "other", Columns: []string{"user_id"}}, existing) {
		t.Fatalf("a different table must never be considered covered")
	}
}

// --- scenario 6: multi-suggestion (bad-pair) guard --------------------------

func TestDecideBadPairGuardFallsBackToPass1(t *testing.T) {
	q := &query.Query{
		Costs: [3]*float64{f(10000), f(500), f(50)},
		Pass1Indexes: []query.Index{
			{Table: "ratings", Columns: []string{"user_id"}},
		},
		Pass2Indexes: []query.Index{
			{Table: "ratings", Columns: []string{"user_id", "movie_id"}},
			{Table: "ratings", Columns: []string{"movie_id", "rating"}},
		},
	}

	ev := &Evaluator{}
	newIndexes := make(map[string]*Suggestion)
	ev.decide(q, nil, newIndexes)

	if len(q.FinalIndexes) != 1 || q.FinalIndexes[0].Key() != (query.Index{Table: "ratings", Columns: []string{"user_id"}}).Key() {
		t.Fatalf("expected bad-pair guard to fall back to the single pass-1 index, got %+v", q.FinalIndexes)
	}
	if !q.SuggestIndex {
		t.Fatalf("expected suggestion from the pass-1 fallback since it recovered exactly one index")
	}
}

func TestDecideBadPairGuardNoSuggestionWhenPass1AlsoAmbiguous(t *testing.T) {
	q := &query.Query{
		Costs: [3]*float64{f(10000), f(500), f(50)},
		Pass1Indexes: []query.Index{
			{Table: "ratings", Columns: []string{"user_id"}},
			{Table: "ratings", Columns: []string{"movie_id"}},
		},
		Pass2Indexes: []query.Index{
			{Table: "ratings", Columns: []string{"user_id", "movie_id"}},
			{Table: "ratings", Columns: []string{"movie_id", "rating"}},
		},
	}

	ev := &Evaluator{}
	newIndexes := make(map[string]*Suggestion)
	ev.decide(q, nil, newIndexes)

	if q.SuggestIndex {
		t.Fatalf("expected no suggestion when both passes recover more than one index")
	}
}

// --- scenario 2: multi-column win -------------------------------------------

func TestDecideSavings2PlainMultiColumnWin(t *testing.T) {
	q := &query.Query{
		Costs: [3]*float64{f(10000), f(5001), f(50)},
		Pass1Indexes: []query.Index{
			{Table: "ratings", Columns: []string{"user_id"}},
		},
		Pass2Indexes: []query.Index{
			{Table: "ratings", Columns: []string{"user_id", "movie_id"}},
		},
	}

	ev := &Evaluator{}
	newIndexes := make(map[string]*Suggestion)
	ev.decide(q, nil, newIndexes)

	want := query.Index{Table: "ratings", Columns: []string{"user_id", "movie_id"}}
	if len(q.FinalIndexes) != 1 || q.FinalIndexes[0].Key() != want.Key() {
		t.Fatalf("expected the single pass-2 multi-column index to be recovered, got %+v", q.FinalIndexes)
	}
	if !q.SuggestIndex {
		t.Fatalf("expected a multi-column suggestion from savings2")
	}
	if _, ok := newIndexes[want.Key()]; !ok {
		t.Fatalf("expected %s to be recorded as a new suggestion", want.Key())
	}
}

// TestDecideDropsCoveredBeforeBadPairGuard pins down the fix ordering:
// a pass-2 index already covered by an existing index must be dropped
// before the bad-pair guard counts recovered indexes, so a genuine
// single-survivor savings2 case is never mistaken for an ambiguous pair.
func TestDecideDropsCoveredBeforeBadPairGuard(t *testing.T) {
	q := &query.Query{
		Costs: [3]*float64{f(10000), f(5001), f(50)},
		Pass1Indexes: []query.Index{
			{Table: "ratings", Columns: []string{"user_id"}},
		},
		Pass2Indexes: []query.Index{
			{Table: "ratings", Columns: []string{"user_id", "movie_id"}},
			{Table: "ratings", Columns: []string{"movie_id", "rating"}},
		},
	}
	existing := []catalog.Index{
		{Table: "ratings", Columns: []string{"movie_id", "rating"}, AccessMethod: "btree"},
	}

	ev := &Evaluator{}
	newIndexes := make(map[string]*Suggestion)
	ev.decide(q, existing, newIndexes)

	want := query.Index{Table: "ratings", Columns: []string{"user_id", "movie_id"}}
	if len(q.FinalIndexes) != 1 || q.FinalIndexes[0].Key() != want.Key() {
		t.Fatalf("expected the existing-covered pass-2 index to be dropped before the "+
			"bad-pair guard runs, leaving %s, got %+v", want.Key(), q.FinalIndexes)
	}
	if !q.SuggestIndex {
		t.Fatalf("expected a suggestion from the single surviving pass-2 index, not a fallback to pass 1")
	}
}

func TestEvaluateMultiColumnWin(t *testing.T) {
	stmt := "SELECT * FROM ratings WHERE user_id = $1 AND movie_id = $2"
	q := query.Parse(stmt)
	q.Tree = decodeTree(t, `{"fromClause":[{"RangeVar":{"relname":"ratings"}}],"whereClause":{"BoolExpr":{"args":[{"A_Expr":{"lexpr":{"ColumnRef":{"fields":[{"String":{"str":"user_id"}}]}}}},{"A_Expr":{"lexpr":{"ColumnRef":{"fields":[{"String":{"str":"movie_id"}}]}}}}]}}}`)
	q.Tables = []string{"ratings"}
	q.Fingerprint = "fp2"

	gw := newFakeGateway()
	hyp := newFakeHypo()

	// candidateColumns sorts ratings' mined columns alphabetically:
	// [movie_id, user_id]. createSingleColumnHypos then assigns hypo_1 to
	// movie_id and hypo_2 to user_id; createMultiColumnHypos walks ordered
	// pairs, assigning hypo_3 to (movie_id, user_id) and hypo_4 to
	// (user_id, movie_id) — the pair this scenario expects to win.
	gw.steps[stmt] = []explainStep{
		{cost: 10000},
		{cost: 5001, indexes: []string{"hypo_2"}},
		{cost: 50, indexes: []string{"hypo_4"}},
	}

	cat := &fakeCatalog{
		tables:  map[string]bool{"ratings": true},
		columns: ratingsColumns(),
	}

	ev := &Evaluator{gw: gw, catalog: cat, hypo: hyp, rep: reporter.New(reporter.LevelDebug3)}

	suggestions, err := ev.Evaluate([]*query.Query{q})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d: %+v", len(suggestions), suggestions)
	}
	got := suggestions[0].Index
	if got.Table != "ratings" || len(got.Columns) != 2 || got.Columns[0] != "user_id" || got.Columns[1] != "movie_id" {
		t.Fatalf("expected ratings(user_id, movie_id), got %+v", got)
	}
	if !q.SuggestIndex {
		t.Fatalf("expected q.SuggestIndex true")
	}
}

// --- global dedup: multi-column suppressed by single-column suggestion ------

func TestFinalizeDropsMultiColumnWhenSingleSuggested(t *testing.T) {
	newIndexes := map[string]*Suggestion{
		(query.Index{Table: "ratings", Columns: []string{"user_id"}}).Key(): {
			Index: query.Index{Table: "ratings", Columns: []string{"user_id"}},
		},
		(query.Index{Table: "ratings", Columns: []string{"user_id", "movie_id"}}).Key(): {
			Index: query.Index{Table: "ratings", Columns: []string{"user_id", "movie_id"}},
		},
	}

	result := finalize(newIndexes)
	if len(result) != 1 {
		t.Fatalf("expected dedup to drop the multi-column suggestion, got %+v", result)
	}
	if len(result[0].Index.Columns) != 1 {
		t.Fatalf("expected the surviving suggestion to be the single-column form, got %+v", result[0].Index)
	}
}

func TestFinalizeKeepsMultiColumnWithoutCollision(t *testing.T) {
	newIndexes := map[string]*Suggestion{
		(query.Index{Table: "ratings", Columns: []string{"user_id", "movie_id"}}).Key(): {
			Index: query.Index{Table: "ratings", Columns: []string{"user_id", "movie_id"}},
		},
	}

	result := finalize(newIndexes)
	if len(result) != 1 || len(result[0].Index.Columns) != 2 {
		t.Fatalf("expected the multi-column suggestion to survive when no single-column collision exists, got %+v", result)
	}
}

func f(v float64) *float64 { return &v }
