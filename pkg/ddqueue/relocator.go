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
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/keyrange"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/util/log"
)

// relocatorState names the states from spec §4.6, for tracing and
// tests; it does not drive control flow on its own.
type relocatorState int

const (
	stateFetchingMetrics relocatorState = iota
	stateSelectingTeams
	stateDataMoving
	statePollingHealth
	stateFinalizing
)

func (s relocatorState) String() string {
	switch s {
	case stateSelectingTeams:
		return "SelectingTeams"
	case stateDataMoving:
		return "DataMoving"
	case statePollingHealth:
		return "PollingHealth"
	case stateFinalizing:
		return "Finalizing"
	default:
		return "FetchingMetrics"
	}
}

// spawnRelocator binds a dataDistributionRelocator goroutine into
// inFlightActors for sr (spec §4.5 step 8). No cleanup handle is passed
// along: the relocator does not wait for the cancelDataMove cleanup
// that tryLaunch schedules for the same range.
func (q *DDQueue) spawnRelocator(ctx context.Context, rd *RelocateData, sr keyrange.Range) {
	actorCtx, cancel := context.WithCancel(ctx)
	h := &actorHandle{cancel: cancel, done: make(chan struct{})}
	q.inFlightActors.Insert(sr, h)

	_ = q.stopper.RunAsyncTask(actorCtx, "ddqueue-relocator", func(actorCtx context.Context) {
		defer close(h.done)
		if err := q.dataDistributionRelocator(actorCtx, rd, sr); err != nil {
			q.handleRelocatorError(ctx, rd, sr, err)
		}
	})
}

func (q *DDQueue) handleRelocatorError(ctx context.Context, rd *RelocateData, sr keyrange.Range, err error) {
	switch {
	case errors.Is(err, ErrActorCancelled), errors.Is(err, ErrDataMoveCancelled), errors.Is(err, context.Canceled):
		return
	case errors.Is(err, ErrDataMoveDestTeamNotFound):
		q.post(func() { q.scheduleCancelDataMove(ctx, sr) })
		q.surfaceError(err)
	default:
		q.surfaceError(err)
	}
}

// dataDistributionRelocator is the in-flight state machine from spec
// §4.6. All transitions below the entry step occur on this goroutine;
// the only suspension points are the explicit time.Sleep/channel
// receives, matching spec §5's enumeration of this actor's suspension
// points.
func (q *DDQueue) dataDistributionRelocator(ctx context.Context, rd *RelocateData, sr keyrange.Range) error {
	// 1. Entry: mark cancellable=false, record the intent to move.
	q.post(func() {
		rd.Cancellable = false
		q.dataMoves.Insert(sr, &DDDataMove{ID: rd.DataMoveID})
	})

	if ctx.Err() != nil {
		return ErrActorCancelled
	}

	// 2. Metrics.
	var metrics StorageMetrics
	if q.metrics != nil {
		m, err := q.metrics.GetMetrics(ctx, toSpan(sr))
		if err != nil {
			if ctx.Err() != nil {
				return ErrActorCancelled
			}
			return errors.Wrapf(err, "fetching metrics for %v", sr)
		}
		metrics = m
	}

	var destTeams []Team
	var destIDs, healthyIDs []ServerID
	var composite *ParallelTCInfo
	var pairID uuid.UUID

	// Steps 3-5 retry as a unit: spec §4.6 step 7 treats
	// move_to_removed_server as an ordinary runtime error that sends
	// the relocation back to team selection rather than failing it.
	for {
		teams, dIDs, hIDs, extraIDs, err := q.selectTeams(ctx, rd, sr, metrics)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ErrActorCancelled
		}
		destTeams, destIDs, healthyIDs = teams, dIDs, hIDs
		composite = NewParallelTCInfo(destTeams...)

		// 4. Commit destination: record busyness and, per step 4's
		// "add in-flight data and read load to healthy destinations",
		// feed the move's own size/bandwidth into the composite team
		// so later team-selection rounds see it as already-committed
		// load.
		q.post(func() {
			rd.Cancellable = false
			rd.CompleteDests = append([]ServerID(nil), destIDs...)
			q.launchDest(rd, destTeams)
		})
		composite.AddDataInFlightToTeam(metrics.Bytes)
		composite.AddReadInFlightToTeam(metrics.BytesReadPerKSecond)

		pairID = uuid.New()
		if q.trace != nil {
			q.trace.TraceBegin(ctx, pairID, "RelocateShard", map[string]interface{}{
				"keys":  string(sr.Begin) + "-" + string(sr.End),
				"state": stateDataMoving.String(),
			})
		}
		log.VEventf(ctx, 2, "ddqueue: %v entering %s", sr, stateDataMoving)

		// 5. Move.
		moveErr := q.moveAndPoll(ctx, rd, sr, destIDs, healthyIDs, extraIDs)
		if moveErr == nil {
			break
		}

		// The committed destination never moved anything; undo its
		// in-flight bookkeeping before retrying or surfacing the error.
		composite.AddDataInFlightToTeam(-metrics.Bytes)
		composite.AddReadInFlightToTeam(-metrics.BytesReadPerKSecond)
		q.post(func() {
			for _, t := range destTeams {
				for _, s := range t.GetServerIDs() {
					q.busynessFor(q.destBusymap, s).RemoveWork(rd.Priority, q.destWorkFactor())
				}
			}
		})

		if !errors.Is(moveErr, ErrMoveToRemovedServer) {
			if q.trace != nil {
				q.trace.TraceEnd(ctx, pairID, "RelocateShard", map[string]interface{}{"error": moveErr.Error()})
			}
			return moveErr
		}

		log.Warningf(ctx, "ddqueue: %v move_to_removed_server, retrying team selection after %s", sr, q.knobs.RetryRelocateShardDelay)
		if q.trace != nil {
			q.trace.TraceEnd(ctx, pairID, "RelocateShard", map[string]interface{}{"retry": "move_to_removed_server"})
		}
		select {
		case <-time.After(q.knobs.RetryRelocateShardDelay):
		case <-ctx.Done():
			return ErrActorCancelled
		}
	}

	// 6. Finalize: finishMoveKeysLock gates this transactional phase the
	// same way startMoveKeysLock gates runOneMove (spec §5's shared-
	// resource policy). Step 6 decrements in-flight data on healthy
	// destinations immediately but defers the read-load decrement by
	// StorageMetricsAverageInterval to match the metrics provider's own
	// sample lag.
	if err := q.finishMoveKeysLock.Acquire(ctx, 1); err != nil {
		return ErrActorCancelled
	}
	q.post(func() {
		composite.AddDataInFlightToTeam(-metrics.Bytes)
		q.completeSrc(rd)
		q.activeRelocations--
		q.finishRelocation(rd.Priority, rd.HealthPriority)
		q.inFlight.Delete(sr)
		q.dataMoves.Delete(sr)
	})
	q.finishMoveKeysLock.Release(1)
	if q.trace != nil {
		q.trace.TraceEnd(ctx, pairID, "RelocateShard", nil)
	}

	q.scheduleDestDecay(rd, destTeams, composite, metrics.BytesReadPerKSecond)
	return nil
}

// scheduleDestDecay implements the delayed half of spec §4.6 step 6:
// the destBusymap entry and the composite team's in-flight read load
// both reflect work the metrics provider won't reflect as "gone" for
// another StorageMetricsAverageInterval, so their decrements run on a
// timer bound to the Stopper's own lifetime rather than the relocator
// actor's (which is about to exit).
func (q *DDQueue) scheduleDestDecay(rd *RelocateData, destTeams []Team, composite *ParallelTCInfo, readDelta int64) {
	delay := q.knobs.StorageMetricsAverageInterval
	_ = q.stopper.RunAsyncTask(q.stopper.Context(), "ddqueue-dest-decay", func(taskCtx context.Context) {
		select {
		case <-time.After(delay):
		case <-q.stopper.ShouldQuiesce():
			return
		}
		q.post(func() {
			for _, t := range destTeams {
				for _, s := range t.GetServerIDs() {
					q.busynessFor(q.destBusymap, s).RemoveWork(rd.Priority, q.destWorkFactor())
				}
			}
		})
		composite.AddReadInFlightToTeam(-readDelta)
	})
}

// selectTeams implements spec §4.6 step 3: request one team per
// TeamCollection index, retrying with backoff until every index has
// found a healthy, non-overloaded destination (or, for a restore,
// until stuckCount exceeds 50 and it fails with
// ErrDataMoveDestTeamNotFound).
func (q *DDQueue) selectTeams(
	ctx context.Context, rd *RelocateData, sr keyrange.Range, metrics StorageMetrics,
) (teams []Team, destIDs, healthyIDs, extraIDs []ServerID, err error) {
	stuckCount, overloadedCount := 0, 0

	for {
		teams = teams[:0]
		anyHealthy, allHealthy, anyWithSource := false, true, false
		hasSourceFlags := make([]bool, len(q.teams))

		for i, tc := range q.teams {
			var team Team
			var hasSource, ok bool
			if rd.IsRestore() {
				team, hasSource, ok = q.restoreTeamLookup(ctx, rd, i)
			} else {
				req := TeamRequest{
					WantNewServers:      rd.WantsNewServers,
					WantTrueBest:        IsValleyFillerPriority(rd.Priority),
					PreferLowerDiskUtil: true,
					TeamMustHaveShards:  false,
					ForReadBalance:      rd.Reason == ReasonRebalanceRead,
					PreferLowerReadUtil: true,
					InflightPenalty:     InflightPenaltyTier(rd.HealthPriority),
					Src:                 rd.Src,
					CompleteSources:     rd.CompleteSources,
				}
				team, hasSource, ok = tc.GetTeam(ctx, req)
			}
			if !ok || team == nil {
				allHealthy = false
				break
			}
			teams = append(teams, team)
			hasSourceFlags[i] = hasSource
			if team.IsHealthy() {
				anyHealthy = true
			} else {
				allHealthy = false
			}
			if hasSource {
				anyWithSource = true
			}
		}

		if len(teams) == len(q.teams) && anyHealthy {
			overloaded := !q.canLaunchDestSync(ctx, rd, teams)
			if !overloaded {
				destIDs, healthyIDs, extraIDs = q.commitDestinations(teams, hasSourceFlags, allHealthy, anyWithSource)
				return teams, destIDs, healthyIDs, extraIDs, nil
			}
			overloadedCount++
			select {
			case <-time.After(q.knobs.DestOverloadedDelay):
			case <-ctx.Done():
				return nil, nil, nil, nil, ErrActorCancelled
			}
			continue
		}

		stuckCount++
		if rd.IsRestore() && stuckCount > 50 {
			return nil, nil, nil, nil, ErrDataMoveDestTeamNotFound
		}
		select {
		case <-time.After(q.knobs.BestTeamStuckDelay):
		case <-ctx.Done():
			return nil, nil, nil, nil, ErrActorCancelled
		}
	}
}

func (q *DDQueue) restoreTeamLookup(ctx context.Context, rd *RelocateData, i int) (Team, bool, bool) {
	if rd.DataMove == nil || i >= len(q.teams) {
		return nil, false, false
	}
	// A restore pins its destinations; team selection degenerates to
	// confirming the team collection still recognizes them rather than
	// scoring alternatives. Concretely resolving the handle's server
	// IDs back into a live Team is an external-collaborator concern,
	// so restores rely on the team collection echoing a match for the
	// pinned request.
	req := TeamRequest{Src: rd.DataMove.PrimaryDest}
	team, hasSource, ok := q.teams[i].GetTeam(ctx, req)
	return team, hasSource, ok
}

func (q *DDQueue) canLaunchDestSync(ctx context.Context, rd *RelocateData, teams []Team) bool {
	var ok bool
	q.post(func() { ok = q.canLaunchDest(rd, teams) })
	return ok
}

// commitDestinations implements spec §4.6 step 4: when every team is
// healthy, at least one has a current source, and some team does not
// (the new-DC case), only one random member of that team becomes an
// immediate destination; the rest defer to extraIDs for a second-phase
// move.
func (q *DDQueue) commitDestinations(
	teams []Team, hasSource []bool, allHealthy, anyWithSource bool,
) (destIDs, healthyIDs, extraIDs []ServerID) {
	for i, t := range teams {
		ids := t.GetServerIDs()
		if t.IsHealthy() {
			healthyIDs = append(healthyIDs, ids...)
		}
		if allHealthy && anyWithSource && !hasSource[i] && len(ids) > 0 {
			pick := ids[rand.Intn(len(ids))]
			destIDs = append(destIDs, pick)
			for _, id := range ids {
				if id != pick {
					extraIDs = append(extraIDs, id)
				}
			}
			continue
		}
		destIDs = append(destIDs, ids...)
	}
	return destIDs, healthyIDs, extraIDs
}

// moveAndPoll implements spec §4.6 step 5: call moveKeys, poll
// destination health every HealthPollTime while it runs, and if
// extraIDs is non-empty re-invoke moveKeys with the full destination
// set once the first phase completes (the two-phase cross-DC move from
// spec §8 scenario S5).
func (q *DDQueue) moveAndPoll(
	ctx context.Context, rd *RelocateData, sr keyrange.Range, destIDs, healthyIDs, extraIDs []ServerID,
) error {
	if err := q.runOneMove(ctx, rd, sr, destIDs, healthyIDs); err != nil {
		return err
	}

	if len(extraIDs) > 0 {
		full := append(append([]ServerID(nil), destIDs...), extraIDs...)
		if err := q.runOneMove(ctx, rd, sr, full, healthyIDs); err != nil {
			return err
		}
	}

	q.post(func() { q.fetchKeysComplete.Insert(rd) })

	if q.knobs.EnableShardMetadataEncoding {
		q.post(func() {
			if _, v, ok := q.dataMoves.RangeContaining(sr.Begin); ok {
				if v.(*DDDataMove).ID == rd.DataMoveID {
					q.dataMoves.Delete(sr)
				}
			}
		})
	}
	return nil
}

func (q *DDQueue) runOneMove(
	ctx context.Context, rd *RelocateData, sr keyrange.Range, destIDs, healthyIDs []ServerID,
) error {
	if q.moveKeys == nil {
		return nil
	}
	if err := q.startMoveKeysLock.Acquire(ctx, 1); err != nil {
		return ErrActorCancelled
	}
	defer q.startMoveKeysLock.Release(1)

	complete := make(chan struct{})
	errCh := q.moveKeys.MoveKeys(ctx, MoveKeysRequest{
		DataMoveID:        rd.DataMoveID,
		Keys:              toSpan(sr),
		DestIDs:           destIDs,
		HealthyIDs:        healthyIDs,
		EnabledState:      q.knobs.EnableShardMetadataEncoding,
		CancelConflicting: true,
	}, complete)

	pollTicker := time.NewTicker(q.knobs.HealthPollTime)
	defer pollTicker.Stop()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return q.classifyMoveError(err)
			}
			return nil
		case <-complete:
			// Destinations have reported in; keep polling health until
			// errCh resolves the rest of the transaction.
		case <-pollTicker.C:
			if q.metrics != nil {
				hm, err := q.metrics.GetHealthMetrics(ctx)
				if err == nil && !destinationsHealthy(hm, destIDs) {
					// Unhealthy destinations do not abort the move on
					// their own; moveKeys's own retry logic owns that
					// decision per spec §7's "transient storage errors
					// retried internally by that subsystem."
					log.VEventf(ctx, 1, "ddqueue: destinations for %v reported unhealthy during move", sr)
				}
			}
		case <-ctx.Done():
			return ErrActorCancelled
		}
	}
}

func destinationsHealthy(hm HealthMetrics, ids []ServerID) bool {
	for _, id := range ids {
		if s, ok := hm.StorageStats[id]; ok && s.CPUUsage >= 1.0 {
			return false
		}
	}
	return true
}

func (q *DDQueue) classifyMoveError(err error) error {
	switch {
	case errors.Is(err, ErrMoveToRemovedServer):
		return ErrMoveToRemovedServer
	case errors.Is(err, ErrDataMoveCancelled), errors.Is(err, context.Canceled):
		return ErrDataMoveCancelled
	default:
		return err
	}
}
