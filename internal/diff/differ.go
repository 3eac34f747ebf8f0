// Package diff computes the structural difference between two samples and
// classifies field-level changes into symbolic event types. Compute is a pure
// function: it never touches the filesystem or storage, which keeps the
// comparison properties directly testable.
package diff

import (
	"sort"

	"github.com/eventwatcher/eventwatcher/internal/snapshot"
)

// FieldChange records one field's transition between two samples.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff categorizes every path across two samples. A path appears in at most
// one of the three buckets; New and Removed are disjoint by construction.
type Diff struct {
	// New lists paths present only in the current sample, sorted.
	New []string `json:"new"`
	// Removed lists paths present only in the previous sample, sorted.
	Removed []string `json:"removed"`
	// Modified maps paths present in both samples to their changed fields.
	Modified map[string]map[string]FieldChange `json:"modified"`
}

// Empty reports whether the diff contains no changes at all.
func (d Diff) Empty() bool {
	return len(d.New) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Changed reports whether path appears in any bucket.
func (d Diff) Changed(path string) bool {
	if _, ok := d.Modified[path]; ok {
		return true
	}
	for _, p := range d.New {
		if p == path {
			return true
		}
	}
	for _, p := range d.Removed {
		if p == path {
			return true
		}
	}
	return false
}

// Compute compares current against previous field by field. The sample epoch
// is not a field and never participates; everything else that differs for a
// path present in both samples lands in Modified.
func Compute(current, previous snapshot.Sample) Diff {
	d := Diff{Modified: make(map[string]map[string]FieldChange)}

	for path, cur := range current.Entries {
		prev, ok := previous.Entries[path]
		if !ok {
			d.New = append(d.New, path)
			continue
		}
		changes := compareFields(cur, prev)
		if len(changes) > 0 {
			d.Modified[path] = changes
		}
	}

	for path := range previous.Entries {
		if _, ok := current.Entries[path]; !ok {
			d.Removed = append(d.Removed, path)
		}
	}

	sort.Strings(d.New)
	sort.Strings(d.Removed)
	return d
}

// compareFields returns the per-field old/new pairs for two records of the
// same path, or an empty map when they are equal.
func compareFields(cur, prev snapshot.Metrics) map[string]FieldChange {
	changes := make(map[string]FieldChange)
	for _, name := range snapshot.FieldNames {
		curVal, _ := cur.Field(name)
		prevVal, _ := prev.Field(name)
		if curVal != prevVal {
			changes[name] = FieldChange{Old: prevVal, New: curVal}
		}
	}
	return changes
}
