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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusynessAddWorkFillsLowerBuckets(t *testing.T) {
	var b Busyness
	b.AddWork(PriorityRebalanceOverutilized, 500) // bucket 1

	for i := 0; i <= 1; i++ {
		require.Equal(t, 500, b.Bucket(i), "bucket %d", i)
	}
	for i := 2; i < 10; i++ {
		require.Equal(t, 0, b.Bucket(i), "bucket %d", i)
	}
	require.True(t, b.IsWellFormed())
}

func TestBusynessRoundTrip(t *testing.T) {
	var b Busyness
	b.AddWork(PriorityTeam1Left, 1234) // bucket 9
	b.RemoveWork(PriorityTeam1Left, 1234)

	for i := 0; i < 10; i++ {
		require.Equal(t, 0, b.Bucket(i))
	}
}

func TestBusynessCanLaunch(t *testing.T) {
	var b Busyness
	b.AddWork(PriorityRebalanceUnderutilized, busynessLimit-10)

	require.True(t, b.CanLaunch(PriorityRebalanceUnderutilized, 10))
	require.False(t, b.CanLaunch(PriorityRebalanceUnderutilized, 11))
}

func TestBusynessIsWellFormedDetectsViolations(t *testing.T) {
	b := Busyness{ledger: [busynessLedgerBuckets]int{5, 5, 5, 5, 5, 5, 5, 5, 5, 5}}
	require.True(t, b.IsWellFormed())

	b.ledger[3] = -1
	require.False(t, b.IsWellFormed())

	b = Busyness{ledger: [busynessLedgerBuckets]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}
	require.False(t, b.IsWellFormed())
}
