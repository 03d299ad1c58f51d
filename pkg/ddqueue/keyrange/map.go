// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package keyrange implements the interval map described in spec §4.1:
// inserting a range replaces exactly its own coverage, splitting any
// existing entry that straddles one of its boundaries into the parts
// that survive outside the new range. It is the structurally hardest
// container in the module (spec §9's design note calls it out
// explicitly), built on github.com/google/btree the way the teacher
// reaches for that same package to key ranges off an ordered tree
// (pkg/kv/txn_interceptor_pipeliner.go, pkg/storage/replica.go) rather
// than a hand-rolled balanced tree.
package keyrange

import "github.com/google/btree"

// Key is a lexicographically ordered byte-string keyspace position.
type Key string

// Range is a half-open key interval [Begin, End).
type Range struct {
	Begin, End Key
}

// Contains reports whether key falls in [r.Begin, r.End).
func (r Range) Contains(key Key) bool {
	return r.Begin <= key && key < r.End
}

// Overlaps reports whether r and o share any key.
func (r Range) Overlaps(o Range) bool {
	return r.Begin < o.End && o.Begin < r.End
}

// ContainsRange reports whether r fully covers o.
func (r Range) ContainsRange(o Range) bool {
	return r.Begin <= o.Begin && o.End <= r.End
}

// Entry is one (range, value) pair returned by query methods. Value is
// whatever the caller inserted; Map is agnostic to its type, mirroring
// how the teacher's own interval containers (pkg/util/interval) stay
// generic over the payload.
type Entry struct {
	Range Range
	Value interface{}
}

type rangeItem struct {
	r     Range
	value interface{}
}

func (a *rangeItem) Less(than btree.Item) bool {
	b := than.(*rangeItem)
	return a.r.Begin < b.r.Begin
}

// Map is the degree-32 btree.BTree-backed interval map. The zero value
// is not usable; construct with New.
type Map struct {
	bt *btree.BTree
}

// New returns an empty Map covering no keys.
func New() *Map {
	return &Map{bt: btree.New(32)}
}

// RangeContaining returns the entry whose range contains key, if any.
func (m *Map) RangeContaining(key Key) (Range, interface{}, bool) {
	var found *rangeItem
	m.bt.DescendLessOrEqual(&rangeItem{r: Range{Begin: key}}, func(i btree.Item) bool {
		found = i.(*rangeItem)
		return false
	})
	if found == nil || !found.r.Contains(key) {
		return Range{}, nil, false
	}
	return found.r, found.value, true
}

// collectOverlapping returns every stored entry overlapping r, ordered
// by Begin.
func (m *Map) collectOverlapping(r Range) []*rangeItem {
	var out []*rangeItem
	seen := map[Key]bool{}

	m.bt.DescendLessOrEqual(&rangeItem{r: Range{Begin: r.Begin}}, func(i btree.Item) bool {
		it := i.(*rangeItem)
		if it.r.Overlaps(r) {
			out = append(out, it)
			seen[it.r.Begin] = true
		}
		return false
	})

	m.bt.AscendGreaterOrEqual(&rangeItem{r: Range{Begin: r.Begin}}, func(i btree.Item) bool {
		it := i.(*rangeItem)
		if it.r.Begin >= r.End {
			return false
		}
		if !seen[it.r.Begin] && it.r.Overlaps(r) {
			out = append(out, it)
			seen[it.r.Begin] = true
		}
		return true
	})

	return out
}

// IntersectingRanges returns every stored entry whose range overlaps r.
func (m *Map) IntersectingRanges(r Range) []Entry {
	items := m.collectOverlapping(r)
	out := make([]Entry, len(items))
	for i, it := range items {
		out[i] = Entry{Range: it.r, Value: it.value}
	}
	return out
}

// ContainedRanges returns every stored entry fully inside r.
func (m *Map) ContainedRanges(r Range) []Entry {
	var out []Entry
	for _, it := range m.collectOverlapping(r) {
		if r.ContainsRange(it.r) {
			out = append(out, Entry{Range: it.r, Value: it.value})
		}
	}
	return out
}

// GetAffectedRangesAfterInsertion returns the deterministic, ordered
// list of sub-ranges r would be split into if inserted now: the
// existing boundary points strictly inside r, plus r's own edges. It
// does not mutate the map; callers use it (per spec §4.2 step 6) to
// decide, per sub-range, whether the entry already occupying that
// sliver carries resolved state worth preserving before the uniform
// Insert collapses the region to one value.
func (m *Map) GetAffectedRangesAfterInsertion(r Range) []Range {
	items := m.collectOverlapping(r)
	if len(items) == 0 {
		return []Range{r}
	}

	boundarySet := map[Key]bool{r.Begin: true, r.End: true}
	for _, it := range items {
		if it.r.Begin > r.Begin && it.r.Begin < r.End {
			boundarySet[it.r.Begin] = true
		}
		if it.r.End > r.Begin && it.r.End < r.End {
			boundarySet[it.r.End] = true
		}
	}

	bounds := make([]Key, 0, len(boundarySet))
	for k := range boundarySet {
		bounds = append(bounds, k)
	}
	sortKeys(bounds)

	out := make([]Range, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		out = append(out, Range{Begin: bounds[i], End: bounds[i+1]})
	}
	return out
}

// Insert replaces exactly the coverage of r with value, splitting any
// existing entry that straddles one of r's boundaries into the parts
// that survive outside r.
func (m *Map) Insert(r Range, value interface{}) {
	m.InsertSplit(r, value, nil)
}

// InsertSplit is Insert with a callback invoked once per surviving
// fragment of a split entry (the parts of an old entry that fall
// outside r), reporting the fragment's new, narrower Range alongside
// the old entry's Value and returning the Value to actually store for
// that fragment. Callers whose values carry their own copy of the
// range (as RelocateData.Keys does) use this to clone the old value
// per fragment and fix up that copy's range — without it, a split into
// two surviving fragments would otherwise have to share one Value
// whose self-reported range can match at most one of them. A nil
// callback stores the old value unmodified, for values with no
// embedded range to reconcile.
func (m *Map) InsertSplit(r Range, value interface{}, onSurvivor func(newRange Range, oldValue interface{}) interface{}) {
	for _, old := range m.collectOverlapping(r) {
		m.bt.Delete(old)
		if old.r.Begin < r.Begin {
			nr := Range{Begin: old.r.Begin, End: r.Begin}
			v := old.value
			if onSurvivor != nil {
				v = onSurvivor(nr, old.value)
			}
			m.bt.ReplaceOrInsert(&rangeItem{r: nr, value: v})
		}
		if old.r.End > r.End {
			nr := Range{Begin: r.End, End: old.r.End}
			v := old.value
			if onSurvivor != nil {
				v = onSurvivor(nr, old.value)
			}
			m.bt.ReplaceOrInsert(&rangeItem{r: nr, value: v})
		}
	}
	m.bt.ReplaceOrInsert(&rangeItem{r: r, value: value})
}

// Delete removes whatever entry currently begins at r.Begin (used by
// callers that have already isolated an exact stored range via a prior
// query).
func (m *Map) Delete(r Range) {
	m.bt.Delete(&rangeItem{r: r})
}

// Len returns the number of stored entries.
func (m *Map) Len() int { return m.bt.Len() }

// Ascend visits every entry in key order until fn returns false.
func (m *Map) Ascend(fn func(Entry) bool) {
	m.bt.Ascend(func(i btree.Item) bool {
		it := i.(*rangeItem)
		return fn(Entry{Range: it.r, Value: it.value})
	})
}

func sortKeys(ks []Key) {
	// insertion sort: boundary sets are small (bounded by the number of
	// entries overlapping one insertion), so this avoids pulling in
	// sort.Slice for a handful of elements.
	for i := 1; i < len(ks); i++ {
		for j := i; j > 0 && ks[j-1] > ks[j]; j-- {
			ks[j-1], ks[j] = ks[j], ks[j-1]
		}
	}
}
