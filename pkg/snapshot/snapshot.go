// Package snapshot computes value-typed captures of engine state: a deep
// copy plus a content hash, so a diff can be applied against a known-good
// pre-state without the risk of the original state mutating underneath it.
package snapshot

import (
	"fmt"

	"github.com/ionforge/agentkernel/pkg/canonicalize"
)

// Snapshot is a deep-copied, hashed capture of state at a point in time.
type Snapshot struct {
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	State     map[string]interface{} `json:"state"`
	Hash      string                 `json:"hash"`
}

// Clock abstracts time so snapshot IDs are deterministic under test.
type Clock func() int64

// Take deep-copies state, hashes the copy, and assigns it an ID of the form
// "snap_<timestamp>_<hash prefix>". Mutating the caller's state afterward
// never mutates the returned Snapshot.
func Take(state map[string]interface{}, now int64) (Snapshot, error) {
	cp, ok := deepCopy(state).(map[string]interface{})
	if !ok {
		cp = map[string]interface{}{}
	}

	hash, err := canonicalize.CanonicalHash(cp)
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash snapshot state: %w", err)
	}

	prefix := hash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	return Snapshot{
		ID:        fmt.Sprintf("snap_%d_%s", now, prefix),
		Timestamp: now,
		State:     cp,
		Hash:      hash,
	}, nil
}

// deepCopy recursively copies maps, slices, and scalars. Unknown types are
// returned as-is since they are assumed immutable (strings, numbers, bools).
func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
