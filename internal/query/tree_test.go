package query

import (
	"encoding/json"
	"reflect"
	"testing"
)

func decode(t *testing.T, src string) interface{} {
	t.Helper()
	var tree interface{}
	if err := json.Unmarshal([]byte(src), &tree); err != nil {
		t.Fatalf("failed to decode fixture: %v", err)
	}
	return tree
}

func TestColumnRefCandidates(t *testing.T) {
	tree := decode(t, `{
		"SelectStmt": {
			"whereClause": {
				"A_Expr": {
					"lexpr": {
						"ColumnRef": {
							"fields": [{"String": {"str": "user_id"}}]
						}
					}
				}
			}
		}
	}`)

	got := ColumnRefCandidates(tree)
	want := []string{"user_id"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestColumnRefCandidatesQualified(t *testing.T) {
	tree := decode(t, `{
		"ColumnRef": {
			"fields": [
				{"String": {"str": "ratings"}},
				{"String": {"str": "movie_id"}}
			]
		}
	}`)

	got := ColumnRefCandidates(tree)
	want := []string{"movie_id"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v (should take the last field segment)", got, want)
	}
}

func TestRangeVarTables(t *testing.T) {
	tree := decode(t, `{
		"SelectStmt": {
			"fromClause": [
				{"RangeVar": {"relname": "ratings"}},
				{"RangeVar": {"relname": "movies"}}
			]
		}
	}`)

	got := RangeVarTables(tree)
	want := []string{"ratings", "movies"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestIndexNames(t *testing.T) {
	plan := decode(t, `[{
		"Plan": {
			"Node Type": "Index Scan",
			"Index Name": "hypo_idx_1",
			"Plans": [
				{"Node Type": "Bitmap Index Scan", "Index Name": "hypo_idx_2"}
			]
		}
	}]`)

	got := IndexNames(plan)
	want := []string{"hypo_idx_1", "hypo_idx_2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRootCost(t *testing.T) {
	plan := decode(t, `[{"Plan": {"Total Cost": 1234.5}}]`)

	cost, ok := RootCost(plan)
	if !ok {
		t.Fatalf("expected RootCost to succeed")
	}
	if cost != 1234.5 {
		t.Fatalf("expected cost 1234.5, got %v", cost)
	}
}

func TestRootCostMalformed(t *testing.T) {
	if _, ok := RootCost(map[string]interface{}{}); ok {
		t.Fatalf("expected RootCost to fail on malformed plan")
	}
}
