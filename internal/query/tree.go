package query

import "sort"

// FindByKey walks a heterogeneous tree of map[string]interface{}, []interface{}
// and scalar leaves — the shape both pg_query_go's ParseToJSON output and
// Postgres's EXPLAIN (FORMAT JSON) output decode into via encoding/json —
// and collects every value whose enclosing map key equals key, in pre-order
// (a map's own match before its descendants', map keys visited in sorted
// order). ColumnRef and Index Name mining (below) are its two
// specializations.
func FindByKey(node interface{}, key string) []interface{} {
	var found []interface{}
	walk(node, key, &found)
	return found
}

func walk(node interface{}, key string, found *[]interface{}) {
	switch t := node.(type) {
	case map[string]interface{}:
		if v, ok := t[key]; ok {
			*found = append(*found, v)
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(t[k], key, found)
		}
	case []interface{}:
		for _, v := range t {
			walk(v, key, found)
		}
	default:
		// scalar leaf, nothing to collect
	}
}

// ColumnRefCandidates mines candidate column names out of a parsed query
// tree: every ColumnRef node's last `fields` element, when it carries a
// String.str, is a candidate column name.
func ColumnRefCandidates(tree interface{}) []string {
	var candidates []string
	for _, ref := range FindByKey(tree, "ColumnRef") {
		refMap, ok := ref.(map[string]interface{})
		if !ok {
			continue
		}
		fields, ok := refMap["fields"].([]interface{})
		if !ok || len(fields) == 0 {
			continue
		}
		last := fields[len(fields)-1]
		lastMap, ok := last.(map[string]interface{})
		if !ok {
			continue
		}
		strNode, ok := lastMap["String"].(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := strNode["str"].(string); ok && name != "" {
			candidates = append(candidates, name)
		}
	}
	return candidates
}

// RangeVarTables mines every table name referenced anywhere in a parsed
// query tree (FROM clauses, joins, CTEs) by collecting RangeVar "relname"
// values.
func RangeVarTables(tree interface{}) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, rv := range FindByKey(tree, "RangeVar") {
		rvMap, ok := rv.(map[string]interface{})
		if !ok {
			continue
		}
		name, ok := rvMap["relname"].(string)
		if !ok || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		tables = append(tables, name)
	}
	return tables
}

// IndexNames mines every hypothetical/real index name the planner chose to
// use, by collecting "Index Name" values from an EXPLAIN (FORMAT JSON) plan.
func IndexNames(plan interface{}) []string {
	var names []string
	for _, v := range FindByKey(plan, "Index Name") {
		if name, ok := v.(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}
