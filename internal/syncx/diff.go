package syncx

import (
	"fmt"
	"reflect"
)

// Change describes a single field-level difference between two snapshots
type Change struct {
	Type string `json:"type"` // "added", "removed", or "changed"
	Old  any    `json:"old,omitempty"`
	New  any    `json:"new,omitempty"`
}

// Diff computes an order-independent structural comparison of two snapshots.
// Keys are compared recursively; array elements by index. The result maps
// dotted field paths to changes. Key present only in a -> "removed"; only in
// b -> "added"; unequal scalars -> "changed".
func Diff(a, b map[string]any) map[string]Change {
	out := make(map[string]Change)
	diffMaps("", a, b, out)
	return out
}

func diffMaps(prefix string, a, b map[string]any, out map[string]Change) {
	for k, av := range a {
		path := joinPath(prefix, k)
		bv, ok := b[k]
		if !ok {
			out[path] = Change{Type: "removed", Old: av}
			continue
		}
		diffValues(path, av, bv, out)
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok {
			out[joinPath(prefix, k)] = Change{Type: "added", New: bv}
		}
	}
}

func diffValues(path string, av, bv any, out map[string]Change) {
	am, aIsMap := av.(map[string]any)
	bm, bIsMap := bv.(map[string]any)
	if aIsMap && bIsMap {
		diffMaps(path, am, bm, out)
		return
	}

	as, aIsSlice := av.([]any)
	bs, bIsSlice := bv.([]any)
	if aIsSlice && bIsSlice {
		for i := 0; i < len(as) || i < len(bs); i++ {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			switch {
			case i >= len(bs):
				out[elemPath] = Change{Type: "removed", Old: as[i]}
			case i >= len(as):
				out[elemPath] = Change{Type: "added", New: bs[i]}
			default:
				diffValues(elemPath, as[i], bs[i], out)
			}
		}
		return
	}

	if !reflect.DeepEqual(av, bv) {
		out[path] = Change{Type: "changed", Old: av, New: bv}
	}
}

func joinPath(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}
