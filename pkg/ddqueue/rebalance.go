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
	"fmt"
	"math/rand"
	"time"

	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/topk"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/util/log"
)

// rebalanceKind names one of the four administrative loops from spec
// §4.7: (mountain-chopper-disk, valley-filler-disk, read-overutil,
// read-underutil).
type rebalanceKind int

const (
	rebalanceDiskMountainChopper rebalanceKind = iota
	rebalanceDiskValleyFiller
	rebalanceReadOverutil
	rebalanceReadUnderutil
)

func (k rebalanceKind) String() string {
	switch k {
	case rebalanceDiskMountainChopper:
		return "MountainChopperDisk"
	case rebalanceDiskValleyFiller:
		return "ValleyFillerDisk"
	case rebalanceReadOverutil:
		return "ReadOverutil"
	case rebalanceReadUnderutil:
		return "ReadUnderutil"
	default:
		return "Unknown"
	}
}

func (k rebalanceKind) isDisk() bool {
	return k == rebalanceDiskMountainChopper || k == rebalanceDiskValleyFiller
}

func (k rebalanceKind) priority() Priority {
	switch k {
	case rebalanceDiskMountainChopper:
		return PriorityRebalanceOverutilized
	case rebalanceDiskValleyFiller:
		return PriorityRebalanceUnderutilized
	case rebalanceReadOverutil:
		return PriorityRebalanceReadOverutil
	default:
		return PriorityRebalanceReadUnderutil
	}
}

func (k rebalanceKind) ignoreCategory() RebalanceIgnoreMask {
	if k.isDisk() {
		return RebalanceIgnoreDisk
	}
	return RebalanceIgnoreRead
}

// startRebalancers launches one goroutine per (rebalanceKind,
// team-collection-index), matching spec §4.7's "each of (...) ×
// team-collection-index runs an independent loop." The legacy disk
// loops always run; the read loops run only under
// RebalanceSelectorLoadBased, resolving the BgDDLoadRebalance Open
// Question in spec §9.
func (q *DDQueue) startRebalancers(ctx context.Context) error {
	kinds := []rebalanceKind{rebalanceDiskMountainChopper, rebalanceDiskValleyFiller}
	if q.knobs.RebalanceSelector == RebalanceSelectorLoadBased {
		kinds = append(kinds, rebalanceReadOverutil, rebalanceReadUnderutil)
	}
	for _, k := range kinds {
		for i := range q.teams {
			k, i := k, i
			name := fmt.Sprintf("ddqueue-rebalance-%s-%d", k, i)
			if err := q.stopper.RunAsyncTask(ctx, name, func(ctx context.Context) {
				q.runRebalanceLoop(ctx, k, i)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// runRebalanceLoop implements spec §4.7's per-loop body.
func (q *DDQueue) runRebalanceLoop(ctx context.Context, kind rebalanceKind, tcIndex int) {
	var skipCurrentLoop bool
	lastSwitchCheck := time.Time{}

	for {
		select {
		case <-q.stopper.ShouldQuiesce():
			return
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(lastSwitchCheck) >= q.knobs.BgRebalanceSwitchCheckInterval {
			skipCurrentLoop = q.readIgnoreBitmask(ctx, kind)
			lastSwitchCheck = time.Now()
		}

		select {
		case <-time.After(q.knobs.BgRebalancePollingInterval):
		case <-q.stopper.ShouldQuiesce():
			return
		case <-ctx.Done():
			return
		}

		if skipCurrentLoop {
			continue
		}

		var queuedAtPriority int
		q.post(func() { queuedAtPriority = q.priorityRelocations[kind.priority()] })
		if queuedAtPriority >= q.knobs.DDRebalanceParallelism {
			continue
		}

		var rs *RelocateShard
		var ok bool
		if kind.isDisk() {
			rs, ok = q.rebalanceTeams(ctx, kind, tcIndex)
		} else {
			rs, ok = q.rebalanceReadLoad(ctx, kind, tcIndex)
		}
		if !ok {
			continue
		}
		q.Enqueue(ctx, *rs)
	}
}

func (q *DDQueue) readIgnoreBitmask(ctx context.Context, kind rebalanceKind) bool {
	if q.ignoreSrc == nil {
		return false
	}
	mask, err := q.ignoreSrc.ReadIgnoreBitmask(ctx)
	if err != nil {
		log.Warningf(ctx, "ddqueue: reading rebalance ignore key failed: %v", err)
		return false
	}
	return mask.Disabled(kind.ignoreCategory())
}

// rebalanceTeams implements spec §4.7's disk rebalance: pick a source
// and destination team (true-best on whichever side names this loop),
// sample shards on the source up to RebalanceMaxRetries times, and
// reject unless the source/destination disk gap clears 3x the shard
// size (or the configured floor). Every sample is scored by the
// source's average shard size from ShardSampler, not by its own size,
// so the first successful sample is the one moved.
func (q *DDQueue) rebalanceTeams(ctx context.Context, kind rebalanceKind, tcIndex int) (*RelocateShard, bool) {
	mc := kind == rebalanceDiskMountainChopper
	srcTeam, _, ok := q.teams[tcIndex].GetTeam(ctx, TeamRequest{
		WantTrueBest:        mc,
		PreferLowerDiskUtil: false,
		TeamMustHaveShards:  true,
	})
	if !ok || srcTeam == nil {
		return nil, false
	}
	destTeam, _, ok := q.teams[tcIndex].GetTeam(ctx, TeamRequest{
		WantTrueBest:        !mc,
		PreferLowerDiskUtil: true,
		WantNewServers:      true,
	})
	if !ok || destTeam == nil {
		return nil, false
	}

	srcIDs := srcTeam.GetServerIDs()
	if len(srcIDs) == 0 || q.shards == nil {
		return nil, false
	}
	src := srcIDs[0]

	var best KeyRangeSpan
	var bestBytes int64 = -1
	for i := 0; i < q.knobs.RebalanceMaxRetries; i++ {
		spans, err := q.shards.SampleShards(ctx, src, 1)
		if err != nil || len(spans) == 0 {
			continue
		}
		b, err := q.shards.AverageShardBytes(ctx, src)
		if err != nil {
			continue
		}
		if b > bestBytes {
			bestBytes = b
			best = spans[0]
		}
	}
	if bestBytes <= 0 {
		return nil, false
	}

	sourceBytes, destBytes := srcTeam.GetLoadBytes(), destTeam.GetLoadBytes()
	floor := q.knobs.MinShardBytes
	if bestBytes > floor {
		floor = bestBytes
	}
	if sourceBytes-destBytes <= 3*floor {
		return nil, false
	}

	return &RelocateShard{
		Keys:     toRange(best),
		Priority: kind.priority(),
		Reason:   ReasonRebalanceDisk,
	}, true
}

// rebalanceReadLoad implements spec §4.7's read rebalance: reject a
// lightly-loaded or recently-used source, require a meaningful
// source/destination read-bandwidth gap, then pick a random shard
// among the source's top-K read-dense shards provided the source's
// worst-loaded server still clears the CPU threshold.
func (q *DDQueue) rebalanceReadLoad(ctx context.Context, kind rebalanceKind, tcIndex int) (*RelocateShard, bool) {
	overutil := kind == rebalanceReadOverutil
	srcTeam, _, ok := q.teams[tcIndex].GetTeam(ctx, TeamRequest{
		WantTrueBest:        overutil,
		ForReadBalance:      true,
		PreferLowerReadUtil: false,
		TeamMustHaveShards:  true,
	})
	if !ok || srcTeam == nil {
		return nil, false
	}
	destTeam, _, ok := q.teams[tcIndex].GetTeam(ctx, TeamRequest{
		WantTrueBest:        !overutil,
		ForReadBalance:      true,
		PreferLowerReadUtil: true,
		WantNewServers:      true,
	})
	if !ok || destTeam == nil {
		return nil, false
	}

	srcIDs := srcTeam.GetServerIDs()
	if len(srcIDs) == 0 || q.shards == nil || q.metrics == nil {
		return nil, false
	}
	src := srcIDs[0]

	candidates, err := q.shards.SampleShards(ctx, src, 2)
	if err != nil || len(candidates) <= 1 {
		return nil, false // source has <=1 shard.
	}

	if q.timeThrottle(src) {
		return nil, false
	}

	srcLoad, destLoad := srcTeam.GetLoadReadBandwidth(), destTeam.GetLoadReadBandwidth()
	if float64(destLoad) >= (1-q.knobs.ReadRebalanceDiffFrac)*float64(srcLoad) {
		return nil, false
	}

	topKMetrics, err := q.metrics.GetTopKMetrics(ctx, candidates, len(candidates), 0, 0)
	if err != nil || len(topKMetrics.ShardMetrics) == 0 {
		return nil, false
	}

	tracker := topk.NewTracker(len(candidates))
	for i, m := range topKMetrics.ShardMetrics {
		tracker.Add(topk.Shard{Key: string(candidates[i].Begin), ReadDensity: float64(m.BytesReadPerKSecond)})
	}

	hm, err := q.metrics.GetHealthMetrics(ctx)
	if err != nil {
		return nil, false
	}
	worstCPU := 1.0
	for _, id := range srcIDs {
		if s, ok := hm.StorageStats[id]; ok && s.CPUUsage < worstCPU {
			worstCPU = s.CPUUsage
		}
	}
	if worstCPU < q.knobs.ReadRebalanceCPUThreshold {
		return nil, false
	}

	shards := tracker.Shards()
	if len(shards) == 0 {
		return nil, false
	}
	pick := shards[rand.Intn(len(shards))]

	var chosen KeyRangeSpan
	for _, c := range candidates {
		if string(c.Begin) == pick.Key {
			chosen = c
			break
		}
	}
	if len(chosen.Begin) == 0 && len(chosen.End) == 0 {
		chosen = candidates[0]
	}

	q.post(func() { q.lastAsSource[src] = q.clock.Now() })

	return &RelocateShard{
		Keys:     toRange(chosen),
		Priority: kind.priority(),
		Reason:   ReasonRebalanceRead,
	}, true
}

// timeThrottle reports whether src moved another shard too recently
// to be picked again, per spec §4.7: within
// StorageMetricsAverageInterval / ReadRebalanceSrcParallelism.
func (q *DDQueue) timeThrottle(src ServerID) bool {
	if q.knobs.ReadRebalanceSrcParallelism <= 0 {
		return false
	}
	window := q.knobs.StorageMetricsAverageInterval / time.Duration(q.knobs.ReadRebalanceSrcParallelism)

	var last float64
	q.post(func() { last = q.lastAsSource[src] })
	if last == 0 {
		return false
	}
	elapsed := time.Duration((q.clock.Now() - last) * float64(time.Second))
	return elapsed < window
}
