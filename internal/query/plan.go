package query

// RootCost extracts the top-level planner cost from a decoded
// EXPLAIN (FORMAT JSON) result: a one-element array wrapping
// {"Plan": {"Total Cost": ..., ...}}.
func RootCost(plan interface{}) (float64, bool) {
	arr, ok := plan.([]interface{})
	if !ok || len(arr) == 0 {
		return 0, false
	}
	top, ok := arr[0].(map[string]interface{})
	if !ok {
		return 0, false
	}
	planNode, ok := top["Plan"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	cost, ok := planNode["Total Cost"].(float64)
	if !ok {
		return 0, false
	}
	return cost, true
}
