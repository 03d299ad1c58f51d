// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package keyrange

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func rng(b, e string) Range { return Range{Begin: Key(b), End: Key(e)} }

func TestRangeContaining(t *testing.T) {
	m := New()
	m.Insert(rng("a", "m"), "first")
	m.Insert(rng("m", "z"), "second")

	r, v, ok := m.RangeContaining("c")
	require.True(t, ok)
	require.Equal(t, rng("a", "m"), r)
	require.Equal(t, "first", v)

	_, _, ok = m.RangeContaining("zz")
	require.False(t, ok)
}

func TestInsertSplitsStraddlingEntry(t *testing.T) {
	m := New()
	m.Insert(rng("a", "z"), "wide")
	m.Insert(rng("f", "k"), "narrow")

	require.Equal(t, 3, m.Len())

	r, v, ok := m.RangeContaining("b")
	require.True(t, ok)
	require.Equal(t, rng("a", "f"), r)
	require.Equal(t, "wide", v)

	r, v, ok = m.RangeContaining("g")
	require.True(t, ok)
	require.Equal(t, rng("f", "k"), r)
	require.Equal(t, "narrow", v)

	r, v, ok = m.RangeContaining("x")
	require.True(t, ok)
	require.Equal(t, rng("k", "z"), r)
	require.Equal(t, "wide", v)
}

func TestInsertSplitOnSurvivorClonesPerFragment(t *testing.T) {
	type payload struct {
		r Range
		n int
	}
	m := New()
	orig := &payload{r: rng("a", "z"), n: 1}
	m.Insert(orig.r, orig)

	var clones []*payload
	m.InsertSplit(rng("f", "k"), &payload{r: rng("f", "k"), n: 2}, func(nr Range, old interface{}) interface{} {
		o := old.(*payload)
		clone := &payload{r: nr, n: o.n}
		clones = append(clones, clone)
		return clone
	})

	require.Len(t, clones, 2)

	_, v, ok := m.RangeContaining("b")
	require.True(t, ok)
	left := v.(*payload)
	require.Equal(t, rng("a", "f"), left.r)

	_, v, ok = m.RangeContaining("x")
	require.True(t, ok)
	right := v.(*payload)
	require.Equal(t, rng("k", "z"), right.r)

	require.NotSame(t, left, right)
}

func TestIntersectingAndContainedRanges(t *testing.T) {
	m := New()
	m.Insert(rng("a", "d"), 1)
	m.Insert(rng("d", "g"), 2)
	m.Insert(rng("g", "k"), 3)

	inter := m.IntersectingRanges(rng("c", "h"))
	require.Len(t, inter, 3)

	contained := m.ContainedRanges(rng("a", "k"))
	require.Len(t, contained, 3)

	contained = m.ContainedRanges(rng("b", "h"))
	require.Len(t, contained, 1)
	require.Equal(t, rng("d", "g"), contained[0].Range)
}

func TestGetAffectedRangesAfterInsertion(t *testing.T) {
	m := New()
	m.Insert(rng("a", "z"), "wide")

	affected := m.GetAffectedRangesAfterInsertion(rng("f", "k"))
	require.Equal(t, []Range{rng("f", "k")}, affected)

	m2 := New()
	m2.Insert(rng("a", "m"), "left")
	m2.Insert(rng("m", "z"), "right")
	affected = m2.GetAffectedRangesAfterInsertion(rng("f", "t"))
	require.Equal(t, []Range{rng("f", "m"), rng("m", "t")}, affected)
}

func TestDeleteAndLen(t *testing.T) {
	m := New()
	m.Insert(rng("a", "b"), 1)
	m.Insert(rng("b", "c"), 2)
	require.Equal(t, 2, m.Len())

	m.Delete(rng("a", "b"))
	require.Equal(t, 1, m.Len())
	_, _, ok := m.RangeContaining("a")
	require.False(t, ok)
}

func TestRangeHelpers(t *testing.T) {
	r := rng("b", "f")
	require.True(t, r.Contains("b"))
	require.True(t, r.Contains("e"))
	require.False(t, r.Contains("f"))

	require.True(t, r.Overlaps(rng("a", "c")))
	require.True(t, r.Overlaps(rng("e", "z")))
	require.False(t, r.Overlaps(rng("f", "z")))

	require.True(t, r.ContainsRange(rng("c", "e")))
	require.False(t, r.ContainsRange(rng("a", "e")))
}
