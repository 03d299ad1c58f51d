// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package pserver implements the ordered-set container used for every
// "ordered set<RelocateData>" in spec §3: the per-server queue
// (queue: UID -> ordered set), fetchingSourcesQueue and
// fetchKeysComplete. All three share the same (priority desc, startTime
// asc, randomId desc) tie-break from §4.1, so one btree-backed type
// serves all of them; callers supply their own comparator so this
// package stays independent of ddqueue's RelocateData type.
package pserver

import "github.com/google/btree"

// Queue is an ordered set over caller-supplied values, comparator-free
// at the type level: the caller's Less function defines the total
// order, including the tie-break, so this package never needs to know
// RelocateData's shape.
type Queue struct {
	bt   *btree.BTree
	less func(a, b interface{}) bool
}

// New returns an empty Queue ordered by less. less(a, b) should report
// whether a sorts before b; for the spec's tie-break that means
// "a has higher priority, or equal priority and earlier startTime, or
// equal priority and startTime and a higher randomId."
func New(less func(a, b interface{}) bool) *Queue {
	return &Queue{bt: btree.New(32), less: less}
}

type item struct {
	q *Queue
	v interface{}
}

func (it *item) Less(than btree.Item) bool {
	return it.q.less(it.v, than.(*item).v)
}

// Insert adds v to the set.
func (q *Queue) Insert(v interface{}) {
	q.bt.ReplaceOrInsert(&item{q: q, v: v})
}

// Remove removes v from the set, reporting whether it was present.
func (q *Queue) Remove(v interface{}) bool {
	return q.bt.Delete(&item{q: q, v: v}) != nil
}

// Contains reports whether v (compared by the queue's Less function,
// not identity) is currently a member.
func (q *Queue) Contains(v interface{}) bool {
	return q.bt.Get(&item{q: q, v: v}) != nil
}

// Len returns the number of elements.
func (q *Queue) Len() int { return q.bt.Len() }

// Front returns the first element in sort order (for this package's
// callers, the most eligible-to-launch entry), or nil if empty.
func (q *Queue) Front() interface{} {
	var v interface{}
	q.bt.Ascend(func(i btree.Item) bool {
		v = i.(*item).v
		return false
	})
	return v
}

// Ascend visits every element in sort order until fn returns false.
func (q *Queue) Ascend(fn func(interface{}) bool) {
	q.bt.Ascend(func(i btree.Item) bool {
		return fn(i.(*item).v)
	})
}

// Entries returns every element, in sort order.
func (q *Queue) Entries() []interface{} {
	out := make([]interface{}, 0, q.bt.Len())
	q.Ascend(func(v interface{}) bool {
		out = append(out, v)
		return true
	})
	return out
}
