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

// Priority is an urgency level attached to a RelocateData. Values are
// strictly ordered by urgency (higher is more urgent) and fall in
// [1, 999); Busyness buckets on priority/100, so at most 10 bands
// exist regardless of how many named priorities share a bucket.
type Priority int

// Named priority bands, ordered highest-urgency first to match §3.
const (
	PriorityTeam0Left Priority = 980
	PriorityTeamFailed Priority = 910
	PriorityTeam1Left Priority = 900
	PriorityTeam2Left Priority = 800
	PriorityTeamUnhealthy Priority = 700
	PriorityPopulateRegion Priority = 600
	PrioritySplitShard Priority = 560
	PriorityMergeShard Priority = 340
	PriorityTeamRedundant Priority = 300
	PriorityTeamContainsUndesiredServer Priority = 250
	PriorityTeamHealthy Priority = 140
	PriorityPerpetualStorageWiggle Priority = 139
	PriorityRebalanceOverutilized Priority = 120
	PriorityRebalanceUnderutilized Priority = 110
	PriorityRebalanceReadOverutil Priority = 103
	PriorityRebalanceReadUnderutil Priority = 102
	PriorityRecoverMove Priority = 100
)

// Bucket returns the Busyness ledger index a priority falls into.
func (p Priority) Bucket() int {
	b := int(p) / 100
	if b > 9 {
		b = 9
	}
	if b < 0 {
		b = 0
	}
	return b
}

// healthPriorities is the "Health" band from §3: priorities that
// describe a team's replication health rather than a load-balance or
// boundary operation. TEAM_FAILED is deliberately absent — the spec's
// enumeration of the Health band omits it, and per the "preserve
// behavior, do not guess" directive on open questions, that omission
// is carried forward rather than corrected.
var healthPriorities = map[Priority]bool{
	PriorityPopulateRegion:               true,
	PriorityTeamUnhealthy:                true,
	PriorityTeam2Left:                    true,
	PriorityTeam1Left:                    true,
	PriorityTeam0Left:                    true,
	PriorityTeamRedundant:                true,
	PriorityTeamHealthy:                  true,
	PriorityTeamContainsUndesiredServer:  true,
	PriorityPerpetualStorageWiggle:       true,
}

// IsHealthPriority reports whether p belongs to the Health band.
func IsHealthPriority(p Priority) bool { return healthPriorities[p] }

// boundaryPriorities is the "Boundary" band from §3.
var boundaryPriorities = map[Priority]bool{
	PrioritySplitShard: true,
	PriorityMergeShard: true,
}

// IsBoundaryPriority reports whether p belongs to the Boundary band.
func IsBoundaryPriority(p Priority) bool { return boundaryPriorities[p] }

// IsValleyFillerPriority reports whether p is produced by a
// valley-filler rebalancer (raising the load of an underutilized
// team), used to decide wantTrueBest during team selection (§4.6).
func IsValleyFillerPriority(p Priority) bool {
	return p == PriorityRebalanceUnderutilized || p == PriorityRebalanceReadUnderutil
}

// InflightPenaltyTier orders the relative inflight-load penalty
// multiplier applied during team scoring, per §4.6 step 3:
// HEALTHY < UNHEALTHY/2_LEFT < 1_LEFT/0_LEFT/POPULATE_REGION.
func InflightPenaltyTier(healthPriority Priority) float64 {
	switch healthPriority {
	case PriorityTeam0Left, PriorityTeam1Left, PriorityPopulateRegion:
		return 10.0
	case PriorityTeam2Left, PriorityTeamUnhealthy:
		return 3.0
	default:
		return 1.0
	}
}

// MoveReason records why a RelocateShard was produced, for tracing and
// for the read-rebalance-specific team-selection flags in §4.6.
type MoveReason int

const (
	ReasonOther MoveReason = iota
	ReasonRebalanceDisk
	ReasonRebalanceRead
	ReasonRecoverMove
	ReasonSizeSplit
	ReasonMergeRange
	ReasonTeamHealthy
	ReasonTeamUnhealthy
	ReasonPopulateRegion
)

func (r MoveReason) String() string {
	switch r {
	case ReasonRebalanceDisk:
		return "RebalanceDisk"
	case ReasonRebalanceRead:
		return "RebalanceRead"
	case ReasonRecoverMove:
		return "RecoverMove"
	case ReasonSizeSplit:
		return "SizeSplit"
	case ReasonMergeRange:
		return "MergeRange"
	case ReasonTeamHealthy:
		return "TeamHealthy"
	case ReasonTeamUnhealthy:
		return "TeamUnhealthy"
	case ReasonPopulateRegion:
		return "PopulateRegion"
	default:
		return "Other"
	}
}
