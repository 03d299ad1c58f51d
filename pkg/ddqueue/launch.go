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
	"sort"

	"github.com/google/uuid"

	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/keyrange"
)

// srcWorkFactor computes the source work-factor for r per spec §4.4.
func (q *DDQueue) srcWorkFactor(r *RelocateData, teamSize int) int {
	k := q.knobs.RelocationParallelismPerSourceServer
	if k <= 0 {
		return 0
	}
	switch r.HealthPriority {
	case PriorityTeam1Left, PriorityTeam0Left:
		return 10000 / k
	case PriorityTeam2Left:
		return 10000 / (2 * k)
	default:
		if teamSize <= 0 {
			teamSize = 1
		}
		return 10000 / (teamSize * k)
	}
}

func (q *DDQueue) destWorkFactor() int {
	k := q.knobs.DestWorkParallelism
	if k <= 0 {
		return 0
	}
	return 10000 / k
}

// neededServers computes the admission quorum from spec §4.4:
// min(|src|, teamSize - singleRegionTeamSize + 1), or under the legacy
// knob max(1, |src| - teamSize + 1).
func neededServers(useOld bool, srcCount, teamSize, singleRegionTeamSize int) int {
	if useOld {
		n := srcCount - teamSize + 1
		if n < 1 {
			n = 1
		}
		return n
	}
	n := teamSize - singleRegionTeamSize + 1
	if srcCount < n {
		return srcCount
	}
	return n
}

// canLaunchSrc implements spec §4.4: at least neededServers source
// servers must be able to admit rd.WorkFactor at rd.Priority, after
// subtracting the work of any in-flight cancellable entries inside
// rd.Keys (they would be cancelled upon launch, per spec §5's
// cancellation policy).
func (q *DDQueue) canLaunchSrc(rd *RelocateData, teamSize, singleRegionTeamSize int) bool {
	wf := q.srcWorkFactor(rd, teamSize)
	need := neededServers(q.knobs.UseOldNeededServers, len(rd.Src), teamSize, singleRegionTeamSize)
	if need <= 0 {
		return true
	}

	cancellableWork := q.cancellableWorkByServer(rd)

	admits := 0
	for _, s := range rd.Src {
		b := q.busynessFor(q.busymap, s)
		effective := b.ledger[rd.Priority.Bucket()] - cancellableWork[s]
		if effective < 0 {
			effective = 0
		}
		if effective+wf <= busynessLimit {
			admits++
			if admits >= need {
				return true
			}
		}
	}
	return false
}

// cancellableWorkByServer sums the busyness contribution of every
// in-flight, still-cancellable entry fully inside rd.Keys, per server.
func (q *DDQueue) cancellableWorkByServer(rd *RelocateData) map[ServerID]int {
	out := map[ServerID]int{}
	for _, e := range q.inFlight.ContainedRanges(rd.Keys) {
		other := e.Value.(*RelocateData)
		if !other.Cancellable {
			continue
		}
		for _, s := range other.Src {
			out[s] += other.WorkFactor
		}
	}
	return out
}

// canLaunchDest implements spec §4.4: every server in every candidate
// destination team must be able to admit destWorkFactor at rd's
// priority bucket — the same bucket launchDest later records work
// against — not each team's own priority. A non-positive K_dest always
// admits.
func (q *DDQueue) canLaunchDest(rd *RelocateData, destTeams []Team) bool {
	wf := q.destWorkFactor()
	if wf == 0 {
		return true
	}
	for _, t := range destTeams {
		for _, s := range t.GetServerIDs() {
			b := q.busynessFor(q.destBusymap, s)
			if !b.CanLaunch(rd.Priority, wf) {
				return false
			}
		}
	}
	return true
}

// launch finalizes admission for rd: sets its workFactor and records
// busyness on its sources, per spec §4.5 step 8's "call launch(rrs)".
func (q *DDQueue) launch(rd *RelocateData, teamSize int) {
	rd.WorkFactor = q.srcWorkFactor(rd, teamSize)
	for _, s := range rd.Src {
		q.busynessFor(q.busymap, s).AddWork(rd.Priority, rd.WorkFactor)
	}
}

// launchDest records destination busyness once a destination team is
// committed, spec §4.6 step 4.
func (q *DDQueue) launchDest(rd *RelocateData, destTeams []Team) {
	wf := q.destWorkFactor()
	for _, t := range destTeams {
		for _, s := range t.GetServerIDs() {
			q.busynessFor(q.destBusymap, s).AddWork(rd.Priority, wf)
		}
	}
}

// completeSrc undoes launch's busyness bookkeeping once a relocation
// finishes or is cancelled.
func (q *DDQueue) completeSrc(rd *RelocateData) {
	for _, s := range rd.Src {
		q.busynessFor(q.busymap, s).RemoveWork(rd.Priority, rd.WorkFactor)
	}
}

// launchQueuedWork implements spec §4.5: given candidate relocations
// (freshly resolved sources, or a set of servers worth reconsidering),
// iterate in descending priority order and admit, supersede or defer
// each one. It runs to completion without suspension; only the
// relocator goroutines it spawns suspend.
func (q *DDQueue) launchQueuedWork(ctx context.Context, candidates []*RelocateData) {
	sort.SliceStable(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })

	for _, rd := range candidates {
		if !q.fetchingSourcesQueue.Contains(rd) {
			if sq, ok := q.queue[rd.Src[0]]; !ok || !sq.Contains(rd) {
				continue // superseded since being listed as a candidate.
			}
		}
		q.tryLaunch(ctx, rd)
	}
}

func (q *DDQueue) tryLaunch(ctx context.Context, rd *RelocateData) {
	teamSize := len(rd.Src)
	if teamSize == 0 {
		teamSize = 1
	}

	// Step 1: skip if a live, higher-or-equal-priority, non-fully-
	// contained in-flight actor already covers part of this range and
	// rd is not health-critical.
	for _, e := range q.inFlight.IntersectingRanges(rd.Keys) {
		other := e.Value.(*RelocateData)
		if other == rd {
			continue
		}
		if !q.fetchKeysComplete.Contains(other) {
			continue
		}
		if !q.hasLiveActor(e.Range) {
			continue
		}
		if rd.Keys.ContainsRange(e.Range) {
			continue
		}
		if other.Priority < rd.Priority {
			continue
		}
		if rd.HealthPriority >= PriorityTeamUnhealthy {
			continue
		}
		return
	}

	if !rd.IsRestore() && !q.canLaunchSrc(rd, teamSize, teamSize) {
		return
	}

	if !rd.IsRestore() {
		q.queuedRelocations--
		q.finishRelocation(rd.Priority, rd.HealthPriority)
		for _, s := range rd.Src {
			if sq, ok := q.queue[s]; ok {
				sq.Remove(rd)
			}
		}
		q.fetchingSourcesQueue.Remove(rd)
	}

	if q.knobs.EnableShardMetadataEncoding {
		q.scheduleCancelDataMove(ctx, rd.Keys)
	}

	for _, e := range q.inFlight.IntersectingRanges(rd.Keys) {
		other := e.Value.(*RelocateData)
		if other != rd {
			rd.WantsNewServers = rd.WantsNewServers || other.WantsNewServers
		}
	}

	ranges := q.inFlightActors.GetAffectedRangesAfterInsertion(rd.Keys)
	for _, r := range ranges {
		q.cancelActorsOverlapping(r)
	}

	q.inFlight.InsertSplit(rd.Keys, rd, q.fixupSplitSurvivor)

	for _, sr := range ranges {
		_, v, ok := q.inFlight.RangeContaining(sr.Begin)
		if !ok {
			continue
		}
		rrs := v.(*RelocateData)
		sub := rrs
		if sr != rrs.Keys {
			sub = rrs.clone(sr)
			q.inFlight.Insert(sr, sub)
		}

		if sub.IsRestore() {
			// preserve DataMoveID
		} else if q.knobs.EnableShardMetadataEncoding {
			sub.DataMoveID = uuid.New()
		}

		q.launch(sub, teamSize)
		q.activeRelocations++
		q.startRelocation(sub.Priority, sub.HealthPriority)
		q.spawnRelocator(ctx, sub, sr)
	}
}

func (q *DDQueue) hasLiveActor(r keyrange.Range) bool {
	_, v, ok := q.inFlightActors.RangeContaining(r.Begin)
	if !ok {
		return false
	}
	h := v.(*actorHandle)
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (q *DDQueue) cancelActorsOverlapping(r keyrange.Range) {
	for _, e := range q.inFlightActors.IntersectingRanges(r) {
		h := e.Value.(*actorHandle)
		h.cancel()
	}
}

func (q *DDQueue) scheduleCancelDataMove(ctx context.Context, r keyrange.Range) {
	_, v, ok := q.dataMoves.RangeContaining(r.Begin)
	if !ok {
		return
	}
	move := v.(*DDDataMove)
	if q.cleanUp == nil {
		return
	}
	req := CleanUpDataMoveRequest{DataMoveID: move.ID, Keys: toSpan(r), EnabledState: q.knobs.EnableShardMetadataEncoding}
	_ = q.stopper.RunAsyncTask(ctx, "ddqueue-cancel-data-move", func(ctx context.Context) {
		if err := q.cleanUpDataMoveLock.Acquire(ctx, 1); err != nil {
			return
		}
		defer q.cleanUpDataMoveLock.Release(1)
		_ = q.cleanUp.CleanUpDataMove(ctx, req)
	})
}
