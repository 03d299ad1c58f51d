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
	"time"

	"github.com/cockroachdb/errors"

	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/keyrange"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/pserver"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/util/log"
)

// Enqueue is the public entry point for spec §6.4's input stream: one
// RelocateShard in, reconsidering source servers and launching newly
// eligible work before returning. queueRelocation and launchQueuedWork
// both run to completion without suspending (spec §5), so both run
// inside the same dispatcher-goroutine post call.
func (q *DDQueue) Enqueue(ctx context.Context, rs RelocateShard) {
	if rs.Cancelled {
		q.post(func() { q.enqueueCancelledDataMove(ctx, rs) })
		return
	}
	q.post(func() {
		serversToLaunchFrom := q.queueRelocation(ctx, rs)
		q.launchQueuedWork(ctx, q.candidatesForServers(serversToLaunchFrom))
	})
}

func (q *DDQueue) serverQueue(id ServerID) *pserver.Queue {
	sq, ok := q.queue[id]
	if !ok {
		sq = pserver.New(relocateDataLess)
		q.queue[id] = sq
	}
	return sq
}

// isActiveQueued reports whether rrs is still pending somewhere (spec
// §4.2 step 2's "rrs is active").
func (q *DDQueue) isActiveQueued(rrs *RelocateData) bool {
	if q.fetchingSourcesQueue.Contains(rrs) {
		return true
	}
	if len(rrs.Src) > 0 {
		if sq, ok := q.queue[rrs.Src[0]]; ok {
			return sq.Contains(rrs)
		}
	}
	return false
}

func maxPriority(ps ...Priority) Priority {
	var m Priority
	for i, p := range ps {
		if i == 0 || p > m {
			m = p
		}
	}
	return m
}

// queueRelocation implements spec §4.2: accept one RelocateShard,
// merge/cancel overlapping queued entries, split the map at the new
// range's boundaries, and (re)enter every resulting sub-range into
// either fetchingSourcesQueue or the per-server queues of its already
// known sources. It returns the set of source servers worth
// reconsidering for launch.
func (q *DDQueue) queueRelocation(ctx context.Context, rs RelocateShard) map[ServerID]bool {
	now := q.clock.Now()
	rd := newRelocateData(rs, now)
	serversToLaunchFrom := map[ServerID]bool{}

	for _, e := range q.queueMap.IntersectingRanges(rd.Keys) {
		rrs := e.Value.(*RelocateData)
		if rrs == rd {
			continue
		}
		if q.isActiveQueued(rrs) {
			rd.WantsNewServers = rd.WantsNewServers || rrs.WantsNewServers
			if rrs.StartTime < rd.StartTime {
				rd.StartTime = rrs.StartTime
			}
			if rd.HealthPriority == 0 {
				rd.HealthPriority = rrs.HealthPriority
			}
			if rd.BoundaryPriority == 0 {
				rd.BoundaryPriority = rrs.BoundaryPriority
			}
			rd.Priority = maxPriority(rd.Priority, rd.BoundaryPriority, rd.HealthPriority)
		}

		if rd.Keys.ContainsRange(rrs.Keys) {
			removed := q.fetchingSourcesQueue.Remove(rrs)
			for _, s := range rrs.Src {
				if sq, ok := q.queue[s]; ok {
					if sq.Remove(rrs) {
						removed = true
					}
				}
				serversToLaunchFrom[s] = true
			}
			if removed {
				q.queuedRelocations--
				q.finishRelocation(rrs.Priority, rrs.HealthPriority)
			}
		}
	}

	// Cancel any in-flight source-fetch tasks overlapping the new
	// range (spec §4.2 step 5), fixing up any surviving remainder of a
	// partially-overlapped fetching entry so it re-enters
	// fetchingSourcesQueue with the correct, narrower range rather than
	// being silently orphaned from bookkeeping.
	q.cancelSourceFetchesOverlapping(ctx, rd.Keys)

	// Compute the post-insertion partition against the map as it
	// stands right now (spec §4.2 step 3), before the uniform insert
	// collapses rd.Keys to one value.
	affected := q.queueMap.GetAffectedRangesAfterInsertion(rd.Keys)
	type piece struct {
		sr  keyrange.Range
		old *RelocateData
	}
	pieces := make([]piece, 0, len(affected))
	for _, sr := range affected {
		_, v, ok := q.queueMap.RangeContaining(sr.Begin)
		var old *RelocateData
		if ok {
			old = v.(*RelocateData)
		}
		pieces = append(pieces, piece{sr, old})
	}

	q.queueMap.InsertSplit(rd.Keys, rd, q.fixupSplitSurvivor)

	for _, p := range pieces {
		sub := rd.clone(p.sr)
		if p.old == nil || len(p.old.Src) == 0 {
			q.queuedRelocations++
			q.startRelocation(sub.Priority, sub.HealthPriority)
			q.queueMap.Insert(p.sr, sub)
			q.fetchingSourcesQueue.Insert(sub)
			q.spawnSourceResolution(ctx, sub)
			continue
		}

		sub.Src = append([]ServerID(nil), p.old.Src...)
		sub.CompleteSources = append([]ServerID(nil), p.old.CompleteSources...)
		q.queueMap.Insert(p.sr, sub)
		inserted := false
		for _, s := range sub.Src {
			q.serverQueue(s).Insert(sub)
			if !inserted {
				q.queuedRelocations++
				inserted = true
			}
			serversToLaunchFrom[s] = true
		}
	}

	q.validate(ctx)
	return serversToLaunchFrom
}

// fixupSplitSurvivor keeps a RelocateData.Keys field in sync with the
// narrower range it occupies in queueMap after being split by another
// insertion, cloning into a fresh object and replacing it wherever the
// old pointer was tracked (fetchingSourcesQueue or a per-server
// queue) — google/btree's ReplaceOrInsert treats same-sort-key items
// as updates in place, so re-inserting the clone there is enough.
func (q *DDQueue) fixupSplitSurvivor(nr keyrange.Range, oldValue interface{}) interface{} {
	old := oldValue.(*RelocateData)
	clone := old.clone(nr)
	if q.fetchingSourcesQueue.Contains(old) {
		q.fetchingSourcesQueue.Insert(clone)
		return clone
	}
	for _, s := range old.Src {
		if sq, ok := q.queue[s]; ok && sq.Contains(old) {
			sq.Insert(clone)
		}
	}
	return clone
}

// cancelSourceFetchesOverlapping cancels every fetchingSourcesQueue
// entry overlapping r and re-establishes fresh fetching entries for
// whatever portion of that entry survives outside r.
func (q *DDQueue) cancelSourceFetchesOverlapping(ctx context.Context, r keyrange.Range) {
	for _, e := range q.queueMap.IntersectingRanges(r) {
		rrs := e.Value.(*RelocateData)
		if len(rrs.Src) != 0 || !q.fetchingSourcesQueue.Contains(rrs) {
			continue
		}
		q.fetchingSourcesQueue.Remove(rrs)
		q.cancelFetch(rrs)

		if e.Range.Begin < r.Begin {
			sub := rrs.clone(keyrange.Range{Begin: e.Range.Begin, End: r.Begin})
			q.queueMap.Insert(sub.Keys, sub)
			q.fetchingSourcesQueue.Insert(sub)
			q.spawnSourceResolution(ctx, sub)
		}
		if e.Range.End > r.End {
			sub := rrs.clone(keyrange.Range{Begin: r.End, End: e.Range.End})
			q.queueMap.Insert(sub.Keys, sub)
			q.fetchingSourcesQueue.Insert(sub)
			q.spawnSourceResolution(ctx, sub)
		}
	}
}

// candidatesForServers flattens every per-server queue named in ids
// into one candidate list for launchQueuedWork.
func (q *DDQueue) candidatesForServers(ids map[ServerID]bool) []*RelocateData {
	seen := map[*RelocateData]bool{}
	var out []*RelocateData
	for id := range ids {
		sq, ok := q.queue[id]
		if !ok {
			continue
		}
		for _, v := range sq.Entries() {
			rd := v.(*RelocateData)
			if !seen[rd] {
				seen[rd] = true
				out = append(out, rd)
			}
		}
	}
	return out
}

// --- source resolution, spec §4.3 ---

func (q *DDQueue) cancelFetch(rd *RelocateData) {
	if c, ok := q.fetchCancels[rd]; ok {
		c()
		delete(q.fetchCancels, rd)
	}
}

// spawnSourceResolution runs getSourceServersForRange (spec §4.3) on
// its own goroutine: it defers briefly (longer for MERGE_SHARD, to
// batch neighbor queries), takes a fetchSourceLock slot, and queries
// SourceResolver. The result is delivered back to the dispatcher via
// completeSourceFetch.
func (q *DDQueue) spawnSourceResolution(ctx context.Context, rd *RelocateData) {
	if q.fetchCancels == nil {
		q.fetchCancels = make(map[*RelocateData]context.CancelFunc)
	}
	fctx, cancel := context.WithCancel(ctx)
	q.fetchCancels[rd] = cancel

	_ = q.stopper.RunAsyncTask(fctx, "ddqueue-source-fetch", func(fctx context.Context) {
		delay := 10 * time.Millisecond
		if rd.Priority == PriorityMergeShard {
			delay = 100 * time.Millisecond
		}
		select {
		case <-time.After(delay):
		case <-fctx.Done():
			return
		}

		if err := q.fetchSourceLock.Acquire(fctx, 1); err != nil {
			return
		}
		defer q.fetchSourceLock.Release(1)

		if q.sources == nil {
			return
		}
		src, complete, err := q.sources.GetSourceServersForRange(fctx, toSpan(rd.Keys))
		if err != nil {
			if fctx.Err() == nil {
				log.Warningf(fctx, "ddqueue: source resolution failed for %v: %v", rd.Keys, err)
			}
			return
		}

		q.post(func() {
			delete(q.fetchCancels, rd)
			q.completeSourceFetch(ctx, rd, src, complete)
		})
	})
}

// completeSourceFetch moves rd from fetchingSourcesQueue into the
// per-server queues of its resolved sources (spec §4.3), then
// attempts to launch it and its new queue-mates.
func (q *DDQueue) completeSourceFetch(ctx context.Context, rd *RelocateData, src, completeSources []ServerID) {
	if !q.fetchingSourcesQueue.Remove(rd) {
		return // superseded before resolution finished.
	}
	rd.Src = src
	rd.CompleteSources = completeSources
	now := q.clock.Now()
	for _, s := range src {
		q.lastAsSource[s] = now
		q.serverQueue(s).Insert(rd)
	}
	q.validate(ctx)
	q.launchQueuedWork(ctx, q.candidatesForServers(serverSet(src)))
}

func serverSet(ids []ServerID) map[ServerID]bool {
	out := make(map[ServerID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func toSpan(r keyrange.Range) KeyRangeSpan {
	return KeyRangeSpan{Begin: []byte(r.Begin), End: []byte(r.End)}
}

func toRange(s KeyRangeSpan) keyrange.Range {
	return keyrange.Range{Begin: keyrange.Key(s.Begin), End: keyrange.Key(s.End)}
}

// enqueueCancelledDataMove implements spec §8 scenario S6: an input
// arriving with Cancelled=true records a DDDataMove over the range and
// schedules cleanup; if an overlapping entry already exists with a
// different valid id, it traces a SevError and is a no-op.
func (q *DDQueue) enqueueCancelledDataMove(ctx context.Context, rs RelocateShard) {
	for _, e := range q.dataMoves.IntersectingRanges(rs.Keys) {
		existing := e.Value.(*DDDataMove)
		if existing.ID != rs.DataMoveID {
			if q.trace != nil {
				q.trace.TraceError(ctx, "CancelledDataMoveConflict", map[string]interface{}{
					"existing": existing.ID.String(),
					"incoming": rs.DataMoveID.String(),
				})
			}
			log.Errorf(ctx, "ddqueue: cancelled data move %s conflicts with existing %s over %v",
				rs.DataMoveID, existing.ID, rs.Keys)
			return
		}
	}

	move := &DDDataMove{ID: rs.DataMoveID}
	q.dataMoves.Insert(rs.Keys, move)

	if q.cleanUp == nil {
		return
	}
	req := CleanUpDataMoveRequest{
		DataMoveID:   rs.DataMoveID,
		Keys:         toSpan(rs.Keys),
		EnabledState: q.knobs.EnableShardMetadataEncoding,
	}
	_ = q.stopper.RunAsyncTask(ctx, "ddqueue-cleanup-cancelled", func(ctx context.Context) {
		if err := q.cleanUpDataMoveLock.Acquire(ctx, 1); err != nil {
			return
		}
		defer q.cleanUpDataMoveLock.Release(1)
		if err := q.cleanUp.CleanUpDataMove(ctx, req); err != nil {
			q.surfaceError(errors.Wrapf(err, "cleanUpDataMove for cancelled move %s", rs.DataMoveID))
		}
	})
}
