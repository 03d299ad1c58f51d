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
	"context"

	"github.com/google/uuid"

	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/keyrange"
)

// DataMoveHandle identifies a restored move adopted from the catalog
// at startup (spec §3's "optional dataMove handle"), fixing the
// destinations of a RelocateData so it is ineligible for merge/cancel
// by overlap.
type DataMoveHandle struct {
	PrimaryDest []ServerID
	RemoteDest  []ServerID
}

// RelocateData is the invariant entity from spec §3: one shard's
// scheduled or active relocation.
type RelocateData struct {
	Keys keyrange.Range

	Priority         Priority
	BoundaryPriority Priority
	HealthPriority   Priority
	Reason           MoveReason

	StartTime float64
	RandomID  uuid.UUID

	DataMoveID uuid.UUID
	WorkFactor int

	Src             []ServerID
	CompleteSources []ServerID
	CompleteDests   []ServerID

	WantsNewServers bool
	Cancellable     bool

	DataMove *DataMoveHandle
}

// IsRestore reports whether rd resumes a previously persisted move
// (spec §3 invariant: if DataMove is set, this is a restore).
func (rd *RelocateData) IsRestore() bool { return rd.DataMove != nil }

// less implements the tie-break from spec §4.1:
// (priority desc, startTime asc, randomId desc).
func less(a, b *RelocateData) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.StartTime != b.StartTime {
		return a.StartTime < b.StartTime
	}
	return compareUUIDDesc(a.RandomID, b.RandomID)
}

func compareUUIDDesc(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// relocateDataLess adapts less to pserver.Queue's comparator shape.
func relocateDataLess(a, b interface{}) bool {
	return less(a.(*RelocateData), b.(*RelocateData))
}

// RelocateShard is the input/output stream element from spec §6.4.
type RelocateShard struct {
	Keys       keyrange.Range
	Priority   Priority
	MoveReason MoveReason
	Reason     MoveReason
	DataMoveID uuid.UUID
	DataMove   *DataMoveHandle
	Cancelled  bool
}

func newRelocateData(rs RelocateShard, now float64) *RelocateData {
	rd := &RelocateData{
		Keys:            rs.Keys,
		Priority:        rs.Priority,
		Reason:          rs.Reason,
		StartTime:       now,
		RandomID:        uuid.New(),
		DataMoveID:      rs.DataMoveID,
		DataMove:        rs.DataMove,
		Cancellable:     true,
		WantsNewServers: wantsNewServers(rs),
	}
	if IsHealthPriority(rs.Priority) {
		rd.HealthPriority = rs.Priority
	}
	if IsBoundaryPriority(rs.Priority) {
		rd.BoundaryPriority = rs.Priority
	}
	return rd
}

func wantsNewServers(rs RelocateShard) bool {
	switch rs.Reason {
	case ReasonRebalanceDisk, ReasonRebalanceRead, ReasonSizeSplit:
		return true
	}
	switch rs.Priority {
	case PriorityRebalanceOverutilized, PriorityRebalanceUnderutilized,
		PriorityRebalanceReadOverutil, PriorityRebalanceReadUnderutil,
		PriorityTeamRedundant:
		return true
	}
	return false
}

// clone returns a shallow copy of rd with Keys replaced by sr, used
// when splitting a merged relocation back into per-sub-range entries
// (spec §4.2 step 6).
func (rd *RelocateData) clone(sr keyrange.Range) *RelocateData {
	cp := *rd
	cp.Keys = sr
	return &cp
}

// DDDataMove records an in-flight durable move per key-range, spec §3.
type DDDataMove struct {
	ID     uuid.UUID
	cancel context.CancelFunc
}

// Cancel aborts the associated relocator task, if one is still
// running.
func (m *DDDataMove) Cancel() {
	if m.cancel != nil {
		m.cancel()
	}
}
