// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package ddqueue

// busynessLedgerBuckets is the fixed ledger width from §3: ledger[0..9]
// indexed by priority.Bucket().
const busynessLedgerBuckets = 10

// busynessLimit is the admission ceiling per §3's canLaunch definition.
const busynessLimit = 10000

// Busyness is the per-server cumulative-workload ledger from §3. It is
// a length-10 prefix-sum vector: addWork(p, w) adds w to every bucket
// from 0 through p.Bucket(), so lower-urgency buckets always carry at
// least as much load as higher-urgency ones — the "ledger is
// non-increasing" invariant in §8 property 5 refers to this vector
// read from bucket 0 up to bucket 9.
type Busyness struct {
	ledger [busynessLedgerBuckets]int
}

// AddWork adds w to every bucket from 0 through p's bucket, inclusive.
func (b *Busyness) AddWork(p Priority, w int) {
	for i := 0; i <= p.Bucket(); i++ {
		b.ledger[i] += w
	}
}

// RemoveWork is AddWork's inverse; addWork followed by RemoveWork with
// the same arguments restores ledger equality (§8 round-trip property).
func (b *Busyness) RemoveWork(p Priority, w int) {
	for i := 0; i <= p.Bucket(); i++ {
		b.ledger[i] -= w
	}
}

// CanLaunch reports whether w additional work at priority p would
// still fit under the admission ceiling.
func (b *Busyness) CanLaunch(p Priority, w int) bool {
	return b.ledger[p.Bucket()]+w <= busynessLimit
}

// Bucket returns the raw ledger value at bucket i, for tests asserting
// the non-increasing/non-negative invariant directly.
func (b *Busyness) Bucket(i int) int {
	return b.ledger[i]
}

// IsWellFormed checks the §8 property 5 invariant: ledger is
// non-increasing reading from bucket 0 to bucket 9, and every entry is
// non-negative. It exists for validation mode and for tests, not for
// any control-flow decision.
func (b *Busyness) IsWellFormed() bool {
	for i := 0; i < busynessLedgerBuckets; i++ {
		if b.ledger[i] < 0 {
			return false
		}
		if i > 0 && b.ledger[i] > b.ledger[i-1] {
			return false
		}
	}
	return true
}
