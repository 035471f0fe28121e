package kernel

// MergeDiff deep-merges diff into base and returns a new map; neither input
// is mutated. Nested objects are merged recursively; arrays and scalars are
// replaced wholesale by key rather than concatenated.
func MergeDiff(base, diff map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(diff))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range diff {
		baseVal, exists := out[k]
		baseMap, baseIsMap := baseVal.(map[string]interface{})
		diffMap, diffIsMap := v.(map[string]interface{})
		if exists && baseIsMap && diffIsMap {
			out[k] = MergeDiff(baseMap, diffMap)
		} else {
			out[k] = v
		}
	}
	return out
}
