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

import "time"

// RebalanceSelector chooses which rebalance loops run, resolving the
// Open Question in spec §9 about BgDDLoadRebalance: the original's
// disk-rebalance-selector branch was gated behind a "not yet enabled
// by default" comment, with the legacy mountain-chopper/valley-filler
// loops running unconditionally. Both behaviors are implemented; the
// knob picks between them rather than guessing at the gate condition.
type RebalanceSelector int

const (
	// RebalanceSelectorLegacy runs BgDDMountainChopper and
	// BgDDValleyFiller unconditionally, the default.
	RebalanceSelectorLegacy RebalanceSelector = iota
	// RebalanceSelectorLoadBased additionally runs the read-bandwidth
	// rebalance loops gated on live load signal rather than always on.
	RebalanceSelectorLoadBased
)

// Knobs collects every tunable named in spec §5 and §6.5. Global
// mutable state (the clock, these knobs) is injected into the
// scheduler rather than held as package-level statics, per the
// teacher's cluster.Settings injection convention and spec §9's design
// note on the subject.
type Knobs struct {
	// HealthPollTime is how often an in-flight relocation polls
	// destination health while moveKeys is outstanding.
	HealthPollTime time.Duration
	// DestOverloadedDelay is the backoff after a team-selection round
	// finds any server of a candidate destination team overloaded.
	DestOverloadedDelay time.Duration
	// BestTeamStuckDelay is the backoff after a team-selection round
	// that simply fails to find a best team (not overload-specific).
	BestTeamStuckDelay time.Duration
	// RetryRelocateShardDelay is the backoff before retrying team
	// selection after a move_to_removed_server error.
	RetryRelocateShardDelay time.Duration
	// BgRebalancePollingInterval is the sleep between rebalancer
	// rounds.
	BgRebalancePollingInterval time.Duration
	// BgRebalanceSwitchCheckInterval is how often a rebalancer re-reads
	// the administrative ignore-rebalance bitmask.
	BgRebalanceSwitchCheckInterval time.Duration
	// StorageMetricsAverageInterval models the sample lag of the
	// metrics provider; read-load busyness decrements are delayed by
	// this much to match §4.6 step 6.
	StorageMetricsAverageInterval time.Duration
	// DDQueueLoggingInterval is the period of the queue-depth summary
	// log line.
	DDQueueLoggingInterval time.Duration

	// RelocationParallelismPerSourceServer is K_src in §4.4.
	RelocationParallelismPerSourceServer int
	// DDRebalanceParallelism caps concurrently queued rebalance
	// relocations per rebalancer priority.
	DDRebalanceParallelism int
	// RebalanceMaxRetries bounds the random-shard sampling loop in
	// rebalanceTeams.
	RebalanceMaxRetries int
	// ReadRebalanceSrcParallelism bounds how often one server can be
	// picked as a read-rebalance source within
	// StorageMetricsAverageInterval.
	ReadRebalanceSrcParallelism int
	// ReadRebalanceDiffFrac is the minimum fractional load gap required
	// between source and destination before a read rebalance fires.
	ReadRebalanceDiffFrac float64
	// ReadRebalanceCPUThreshold is the minimum source CPU usage
	// required before a read rebalance fires.
	ReadRebalanceCPUThreshold float64
	// MinShardBytes floors the shard-size comparison in rebalanceTeams.
	MinShardBytes int64

	// UseOldNeededServers selects the legacy canLaunchSrc admission
	// formula (spec §4.4, §9 Open Question); the runtime conditions
	// under which the original set this dynamically are not specified,
	// so it is a static knob here, default false.
	UseOldNeededServers bool

	// RebalanceSelector chooses which rebalance loops run (§9 Open
	// Question).
	RebalanceSelector RebalanceSelector

	// DestWorkParallelism is K_dest in §4.4. A value <= 0 disables
	// destination admission checks entirely, matching the boundary
	// property in §8.
	DestWorkParallelism int

	// FetchSourceLockSlots, StartMoveKeysLockSlots,
	// FinishMoveKeysLockSlots and CleanUpDataMoveLockSlots size the
	// global counting semaphores from §5's shared-resource policy.
	FetchSourceLockSlots     int64
	StartMoveKeysLockSlots   int64
	FinishMoveKeysLockSlots  int64
	CleanUpDataMoveLockSlots int64

	// ExpensiveValidation enables the cross-map invariant checks from
	// §7/§8 on every mutation.
	ExpensiveValidation bool

	// EnableShardMetadataEncoding gates whether dataMoveId is assigned
	// randomly (true) or left anonymous (false), whether launching a
	// relocation schedules a cancelDataMove for its range (§4.5 step 5),
	// and whether a finished move erases its dataMoves entry (§4.6 step
	// 5). Cleanup for a cancelled-data-move input and after
	// ErrDataMoveDestTeamNotFound is scheduled regardless of this knob.
	EnableShardMetadataEncoding bool
}

// DefaultKnobs returns the production defaults, chosen to match the
// magnitudes implied by spec §5 and §8's worked examples.
func DefaultKnobs() Knobs {
	return Knobs{
		HealthPollTime:                 1 * time.Second,
		DestOverloadedDelay:            10 * time.Second,
		BestTeamStuckDelay:             5 * time.Second,
		RetryRelocateShardDelay:        2 * time.Second,
		BgRebalancePollingInterval:     10 * time.Second,
		BgRebalanceSwitchCheckInterval: 60 * time.Second,
		StorageMetricsAverageInterval:  10 * time.Second,
		DDQueueLoggingInterval:         5 * time.Second,

		RelocationParallelismPerSourceServer: 2,
		DDRebalanceParallelism:               50,
		RebalanceMaxRetries:                  10,
		ReadRebalanceSrcParallelism:          4,
		ReadRebalanceDiffFrac:                0.2,
		ReadRebalanceCPUThreshold:            0.15,
		MinShardBytes:                        200 * 1024 * 1024,

		UseOldNeededServers: false,
		RebalanceSelector:   RebalanceSelectorLegacy,
		DestWorkParallelism: 2,

		FetchSourceLockSlots:     20,
		StartMoveKeysLockSlots:   15,
		FinishMoveKeysLockSlots:  15,
		CleanUpDataMoveLockSlots: 15,

		ExpensiveValidation:         false,
		EnableShardMetadataEncoding: true,
	}
}
