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
)

// StorageMetrics is GetMetricsRequest's result, spec §6.3.
type StorageMetrics struct {
	Bytes               int64
	BytesReadPerKSecond int64
}

// TopKMetrics is GetTopKMetricsRequest's result, spec §6.3.
type TopKMetrics struct {
	ShardMetrics []StorageMetrics
	MinReadLoad  int64
	MaxReadLoad  int64
}

// HealthMetrics is spec §6.3's per-server health snapshot.
type HealthMetrics struct {
	StorageStats map[ServerID]ServerHealth
}

// ServerHealth is one server's entry in HealthMetrics.
type ServerHealth struct {
	CPUUsage float64
}

// MetricsProvider is the external collaborator answering
// GetMetricsRequest/GetTopKMetricsRequest/HealthMetrics (spec §6.3).
// ddqueue never samples load itself; every number here comes from
// outside the queue.
type MetricsProvider interface {
	GetMetrics(ctx context.Context, r KeyRangeSpan) (StorageMetrics, error)
	GetTopKMetrics(ctx context.Context, rs []KeyRangeSpan, k int, minReadBytes, minReadDensity int64) (TopKMetrics, error)
	GetHealthMetrics(ctx context.Context) (HealthMetrics, error)
}

// KeyRangeSpan is the wire-level [begin, end) pair MetricsProvider and
// MoveKeys exchange with ddqueue; it mirrors keyrange.Range without
// importing that package's btree-backed Map into the public API.
type KeyRangeSpan struct {
	Begin, End []byte
}

// MoveKeysRequest is the argument bundle for the transactional move
// capability from spec §6.2.
type MoveKeysRequest struct {
	DataMoveID          uuid.UUID
	Keys                KeyRangeSpan
	DestIDs             []ServerID
	HealthyIDs          []ServerID
	CrossDC             bool
	PairID              uuid.UUID
	EnabledState        bool
	CancelConflicting   bool
}

// MoveKeys is the transactional move capability from spec §6.2. It
// rewrites the shard-to-server maps and reports back through two
// channels: dataMovementComplete closes once the first half (the
// destinations reporting in) is done, and the returned error channel
// carries the eventual terminal result (nil on success).
type MoveKeys interface {
	MoveKeys(ctx context.Context, req MoveKeysRequest, dataMovementComplete chan<- struct{}) <-chan error
}

// CleanUpDataMoveRequest bundles cleanUpDataMove's arguments, spec §6.2.
type CleanUpDataMoveRequest struct {
	DataMoveID   uuid.UUID
	Keys         KeyRangeSpan
	EnabledState bool
}

// CleanUpDataMove is the companion teardown capability to MoveKeys.
type CleanUpDataMove interface {
	CleanUpDataMove(ctx context.Context, req CleanUpDataMoveRequest) error
}

// TraceSink abstracts the structured event sink from spec §9's design
// note: relocators emit begin/end events carrying a pair id, and queue
// validation traces a SevError event per invariant violation (§7).
type TraceSink interface {
	TraceBegin(ctx context.Context, pairID uuid.UUID, name string, fields map[string]interface{})
	TraceEnd(ctx context.Context, pairID uuid.UUID, name string, fields map[string]interface{})
	TraceError(ctx context.Context, name string, fields map[string]interface{})
}

// Clock is the injected time source, per spec §9's design note that
// global mutable state (g_network->now()) must be injected rather than
// held as a static.
type Clock interface {
	Now() float64
}

// SourceResolver answers "which servers currently hold this
// key-range," the shard-to-server lookup spec §4.3 calls the
// "shard-to-server system." It is a distinct external collaborator
// from TeamCollection: TeamCollection picks destinations, SourceResolver
// reports the servers a shard already lives on.
type SourceResolver interface {
	GetSourceServersForRange(ctx context.Context, r KeyRangeSpan) (src []ServerID, completeSources []ServerID, err error)
}

// ShardSampler answers the "pick a candidate shard on this server"
// queries spec §4.7's rebalanceTeams/rebalanceReadLoad make against the
// shard catalog: an average-size estimate for rebalanceTeams's
// reject-if-too-small check, and random sampling to stand in for "pick
// the larger of REBALANCE_MAX_RETRIES random shards" and "pick one at
// random" from the top-K read-dense set. Like SourceResolver, ddqueue
// never walks the shard catalog itself — every shard boundary and size
// number here comes from outside the queue.
type ShardSampler interface {
	AverageShardBytes(ctx context.Context, src ServerID) (int64, error)
	SampleShards(ctx context.Context, src ServerID, n int) ([]KeyRangeSpan, error)
}

// RebalanceIgnoreSource reads the administrative bitmask from spec
// §6.5's rebalanceDDIgnoreKey. It is pluggable (spec §13 supplement 4)
// rather than hardwired to a specific storage backend, since that key
// lives in whatever system-key space a deployment uses.
type RebalanceIgnoreSource interface {
	ReadIgnoreBitmask(ctx context.Context) (RebalanceIgnoreMask, error)
}

// RebalanceIgnoreMask is the bitmask spec §6.5 defines.
type RebalanceIgnoreMask uint32

const (
	RebalanceIgnoreDisk RebalanceIgnoreMask = 1 << 0
	RebalanceIgnoreRead RebalanceIgnoreMask = 1 << 1
)

// Disabled reports whether the given category is disabled by the mask,
// honoring the legacy sentinels "" and "on" that spec §6.5 notes mean
// "disable all" — callers translate those strings to ^RebalanceIgnoreMask(0)
// before calling ReadIgnoreBitmask's result through this method.
func (m RebalanceIgnoreMask) Disabled(category RebalanceIgnoreMask) bool {
	return m&category != 0
}
