package redact

import "reflect"

// mapIdentity returns the underlying pointer of m for cycle tracking, or 0
// if the map is nil.
func mapIdentity(m map[string]interface{}) uintptr {
	rv := reflect.ValueOf(m)
	if rv.IsNil() {
		return 0
	}
	return rv.Pointer()
}

// sliceIdentity returns the underlying array pointer of s for cycle
// tracking, or 0 if the slice is nil or empty (an empty slice cannot be
// self-referential).
func sliceIdentity(s []interface{}) uintptr {
	if s == nil {
		return 0
	}
	rv := reflect.ValueOf(s)
	return rv.Pointer()
}
