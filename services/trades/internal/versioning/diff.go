package versioning

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

type missing struct{}

func (missing) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

func (missing) String() string {
	return "<missing>"
}

// Missing stands in for a field absent from one side of a diff. It is
// distinct from a present field whose value is nil.
var Missing any = missing{}

// FieldChange holds a field's value in the first and second snapshot.
type FieldChange struct {
	From any
	To   any
}

func (c FieldChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{c.From, c.To})
}

// Diff returns the fields whose values differ between a and b, keyed by
// field name. Fields equal on both sides are omitted.
func Diff(a, b Snapshot) map[string]FieldChange {
	out := make(map[string]FieldChange)
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			out[k] = FieldChange{From: av, To: Missing}
			continue
		}
		if !equalValues(av, bv) {
			out[k] = FieldChange{From: av, To: bv}
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok {
			out[k] = FieldChange{From: Missing, To: bv}
		}
	}
	return out
}

// ChangedFields lists the keys of d in sorted order.
func ChangedFields(d map[string]FieldChange) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// equalValues compares structurally. Values of different Go types that
// encode to the same JSON (e.g. int and float64, []string and []any) are
// equal, which is what a stored-then-loaded snapshot needs.
func equalValues(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
