// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package ddqueuetestutils provides hand-rolled stand-ins for every
// external collaborator ddqueue consumes (spec §6), mirroring the
// teacher's testQueueImpl pattern in queue_test.go: a stub implementing
// the real interface, injected in place of production wiring, so
// scenario tests can drive the scheduler deterministically without
// real I/O.
package ddqueuetestutils

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/util/syncutil"
)

// FakeClock is a manually-advanced Clock; ddqueue.Clock.Now returns
// seconds as a float64, per spec §9's injected-clock design note.
type FakeClock struct {
	nanos int64
}

var _ ddqueue.Clock = (*FakeClock)(nil)

// Now implements ddqueue.Clock.
func (c *FakeClock) Now() float64 {
	return float64(atomic.LoadInt64(&c.nanos)) / 1e9
}

// Advance moves the clock forward, safe to call from any goroutine.
func (c *FakeClock) Advance(d float64) {
	atomic.AddInt64(&c.nanos, int64(d*1e9))
}

// FakeTeam is a Team whose fields are set directly by a test, with no
// scoring logic of its own.
type FakeTeam struct {
	IDs             []ddqueue.ServerID
	Healthy         bool
	Optimal         bool
	WrongConfig     bool
	LoadBytesVal    int64
	LoadReadVal     int64
	MinAvailSpace   float64
	HealthySpace    bool
	Priority        ddqueue.Priority
	InFlightData    int64
	InFlightRead    int64
}

var _ ddqueue.Team = (*FakeTeam)(nil)

func (t *FakeTeam) Size() int                             { return len(t.IDs) }
func (t *FakeTeam) GetServerIDs() []ddqueue.ServerID       { return append([]ddqueue.ServerID(nil), t.IDs...) }
func (t *FakeTeam) GetLastKnownServerInterfaces() []ddqueue.ServerID { return t.GetServerIDs() }
func (t *FakeTeam) IsHealthy() bool                        { return t.Healthy }
func (t *FakeTeam) IsOptimal() bool                        { return t.Optimal }
func (t *FakeTeam) IsWrongConfiguration() bool             { return t.WrongConfig }
func (t *FakeTeam) GetLoadBytes() int64                    { return t.LoadBytesVal }
func (t *FakeTeam) GetLoadReadBandwidth() int64            { return t.LoadReadVal }
func (t *FakeTeam) GetMinAvailableSpaceRatio() float64     { return t.MinAvailSpace }
func (t *FakeTeam) HasHealthyAvailableSpace() bool         { return t.HealthySpace }
func (t *FakeTeam) GetPriority() ddqueue.Priority          { return t.Priority }
func (t *FakeTeam) AddDataInFlightToTeam(delta int64)      { t.InFlightData += delta }
func (t *FakeTeam) AddReadInFlightToTeam(delta int64)      { t.InFlightRead += delta }
func (t *FakeTeam) AddServers(ids []ddqueue.ServerID)      { t.IDs = append(t.IDs, ids...) }
func (t *FakeTeam) UpdateStorageMetrics(bytes, read int64) { t.LoadBytesVal, t.LoadReadVal = bytes, read }
func (t *FakeTeam) SetHealthy(h bool)                      { t.Healthy = h }
func (t *FakeTeam) SetWrongConfiguration(w bool)           { t.WrongConfig = w }
func (t *FakeTeam) SetPriority(p ddqueue.Priority)         { t.Priority = p }

// FakeTeamCollection returns a fixed, test-supplied Team for every
// getTeam call, guarded by a mutex since relocators (spec §5's
// I/O-overlap parallelism) call GetTeam concurrently from outside the
// dispatcher goroutine.
type FakeTeamCollection struct {
	mu struct {
		syncutil.Mutex
		team          ddqueue.Team
		hasSourceMember bool
		ok            bool
		calls         []ddqueue.TeamRequest
	}
}

var _ ddqueue.TeamCollection = (*FakeTeamCollection)(nil)

// NewFakeTeamCollection returns a collection that always answers with
// team, until SetResult overrides it.
func NewFakeTeamCollection(team ddqueue.Team, hasSourceMember bool) *FakeTeamCollection {
	c := &FakeTeamCollection{}
	c.mu.team, c.mu.hasSourceMember, c.mu.ok = team, hasSourceMember, team != nil
	return c
}

// SetResult changes what future GetTeam calls return.
func (c *FakeTeamCollection) SetResult(team ddqueue.Team, hasSourceMember, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.team, c.mu.hasSourceMember, c.mu.ok = team, hasSourceMember, ok
}

// GetTeam implements ddqueue.TeamCollection.
func (c *FakeTeamCollection) GetTeam(
	ctx context.Context, req ddqueue.TeamRequest,
) (ddqueue.Team, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.calls = append(c.mu.calls, req)
	return c.mu.team, c.mu.hasSourceMember, c.mu.ok
}

// Calls returns every TeamRequest seen so far, for assertions on the
// flags a caller derived (wantTrueBest, inflightPenalty, and so on).
func (c *FakeTeamCollection) Calls() []ddqueue.TeamRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ddqueue.TeamRequest(nil), c.mu.calls...)
}

// FakeMoveKeys completes every move immediately and successfully
// unless told otherwise via SetErr.
type FakeMoveKeys struct {
	mu struct {
		syncutil.Mutex
		err      error
		requests []ddqueue.MoveKeysRequest
	}
}

var _ ddqueue.MoveKeys = (*FakeMoveKeys)(nil)

// SetErr makes every subsequent MoveKeys call resolve with err.
func (m *FakeMoveKeys) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.err = err
}

// Requests returns every MoveKeysRequest seen so far.
func (m *FakeMoveKeys) Requests() []ddqueue.MoveKeysRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ddqueue.MoveKeysRequest(nil), m.mu.requests...)
}

// MoveKeys implements ddqueue.MoveKeys: it closes dataMovementComplete
// immediately and resolves the error channel with whatever SetErr last
// configured (nil by default).
func (m *FakeMoveKeys) MoveKeys(
	ctx context.Context, req ddqueue.MoveKeysRequest, dataMovementComplete chan<- struct{},
) <-chan error {
	m.mu.Lock()
	m.mu.requests = append(m.mu.requests, req)
	err := m.mu.err
	m.mu.Unlock()

	close(dataMovementComplete)
	errCh := make(chan error, 1)
	errCh <- err
	return errCh
}

// FakeCleanUpDataMove records every cleanup call and always succeeds.
type FakeCleanUpDataMove struct {
	mu struct {
		syncutil.Mutex
		requests []ddqueue.CleanUpDataMoveRequest
	}
}

var _ ddqueue.CleanUpDataMove = (*FakeCleanUpDataMove)(nil)

// CleanUpDataMove implements ddqueue.CleanUpDataMove.
func (c *FakeCleanUpDataMove) CleanUpDataMove(
	ctx context.Context, req ddqueue.CleanUpDataMoveRequest,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.requests = append(c.mu.requests, req)
	return nil
}

// Requests returns every CleanUpDataMoveRequest seen so far.
func (c *FakeCleanUpDataMove) Requests() []ddqueue.CleanUpDataMoveRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ddqueue.CleanUpDataMoveRequest(nil), c.mu.requests...)
}

// TraceEvent is one recorded call into RecordingTraceSink.
type TraceEvent struct {
	Kind   string // "begin", "end", "error"
	PairID uuid.UUID
	Name   string
	Fields map[string]interface{}
}

// RecordingTraceSink implements ddqueue.TraceSink by appending every
// event to a slice, for assertions that a scenario emitted (or did
// not emit) a particular trace.
type RecordingTraceSink struct {
	mu struct {
		syncutil.Mutex
		events []TraceEvent
	}
}

var _ ddqueue.TraceSink = (*RecordingTraceSink)(nil)

func (s *RecordingTraceSink) TraceBegin(ctx context.Context, pairID uuid.UUID, name string, fields map[string]interface{}) {
	s.record(TraceEvent{Kind: "begin", PairID: pairID, Name: name, Fields: fields})
}

func (s *RecordingTraceSink) TraceEnd(ctx context.Context, pairID uuid.UUID, name string, fields map[string]interface{}) {
	s.record(TraceEvent{Kind: "end", PairID: pairID, Name: name, Fields: fields})
}

func (s *RecordingTraceSink) TraceError(ctx context.Context, name string, fields map[string]interface{}) {
	s.record(TraceEvent{Kind: "error", Name: name, Fields: fields})
}

func (s *RecordingTraceSink) record(e TraceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.events = append(s.mu.events, e)
}

// Events returns every recorded event, in call order.
func (s *RecordingTraceSink) Events() []TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TraceEvent(nil), s.mu.events...)
}

// FakeMetricsProvider answers GetMetrics/GetTopKMetrics/GetHealthMetrics
// from test-supplied tables, keyed by the string form of a range's
// begin key.
type FakeMetricsProvider struct {
	mu struct {
		syncutil.Mutex
		byBegin map[string]ddqueue.StorageMetrics
		health  ddqueue.HealthMetrics
	}
}

var _ ddqueue.MetricsProvider = (*FakeMetricsProvider)(nil)

// NewFakeMetricsProvider returns an empty provider; use SetMetrics and
// SetHealth to populate it.
func NewFakeMetricsProvider() *FakeMetricsProvider {
	p := &FakeMetricsProvider{}
	p.mu.byBegin = make(map[string]ddqueue.StorageMetrics)
	return p
}

// SetMetrics records the StorageMetrics for a range beginning at
// begin, for GetMetrics/GetTopKMetrics to answer.
func (p *FakeMetricsProvider) SetMetrics(begin []byte, m ddqueue.StorageMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.byBegin[string(begin)] = m
}

// SetHealth records the health snapshot GetHealthMetrics returns.
func (p *FakeMetricsProvider) SetHealth(h ddqueue.HealthMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.health = h
}

func (p *FakeMetricsProvider) GetMetrics(ctx context.Context, r ddqueue.KeyRangeSpan) (ddqueue.StorageMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.byBegin[string(r.Begin)], nil
}

func (p *FakeMetricsProvider) GetTopKMetrics(
	ctx context.Context, rs []ddqueue.KeyRangeSpan, k int, minReadBytes, minReadDensity int64,
) (ddqueue.TopKMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := ddqueue.TopKMetrics{}
	for _, r := range rs {
		m := p.mu.byBegin[string(r.Begin)]
		if m.BytesReadPerKSecond < minReadBytes {
			continue
		}
		out.ShardMetrics = append(out.ShardMetrics, m)
		if out.MinReadLoad == 0 || m.BytesReadPerKSecond < out.MinReadLoad {
			out.MinReadLoad = m.BytesReadPerKSecond
		}
		if m.BytesReadPerKSecond > out.MaxReadLoad {
			out.MaxReadLoad = m.BytesReadPerKSecond
		}
	}
	if len(out.ShardMetrics) > k && k > 0 {
		sort.Slice(out.ShardMetrics, func(i, j int) bool {
			return out.ShardMetrics[i].BytesReadPerKSecond > out.ShardMetrics[j].BytesReadPerKSecond
		})
		out.ShardMetrics = out.ShardMetrics[:k]
	}
	return out, nil
}

func (p *FakeMetricsProvider) GetHealthMetrics(ctx context.Context) (ddqueue.HealthMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.health, nil
}

// FakeSourceResolver answers GetSourceServersForRange from a
// test-supplied table keyed by the range's begin key, defaulting to a
// single-server answer so tests that don't care about placement still
// see relocations reach the per-server queues.
type FakeSourceResolver struct {
	mu struct {
		syncutil.Mutex
		byBegin map[string][]ddqueue.ServerID
		def     []ddqueue.ServerID
	}
}

var _ ddqueue.SourceResolver = (*FakeSourceResolver)(nil)

// NewFakeSourceResolver returns a resolver defaulting every range to
// def as both src and completeSources.
func NewFakeSourceResolver(def ...ddqueue.ServerID) *FakeSourceResolver {
	r := &FakeSourceResolver{}
	r.mu.byBegin = make(map[string][]ddqueue.ServerID)
	r.mu.def = def
	return r
}

// SetSource overrides the source servers for the range beginning at
// begin.
func (r *FakeSourceResolver) SetSource(begin []byte, src []ddqueue.ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.byBegin[string(begin)] = src
}

func (r *FakeSourceResolver) GetSourceServersForRange(
	ctx context.Context, span ddqueue.KeyRangeSpan,
) ([]ddqueue.ServerID, []ddqueue.ServerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.mu.byBegin[string(span.Begin)]; ok {
		return src, src, nil
	}
	return r.mu.def, r.mu.def, nil
}

// FakeShardSampler hands out n shards per SampleShards call, named
// deterministically from the requested server and the shard's index so
// scenario tests get stable keys without a real shard catalog, and
// reports one fixed average shard size.
type FakeShardSampler struct {
	mu struct {
		syncutil.Mutex
		avgBytes int64
	}
}

var _ ddqueue.ShardSampler = (*FakeShardSampler)(nil)

// NewFakeShardSampler returns a sampler reporting avgBytes for every
// server.
func NewFakeShardSampler(avgBytes int64) *FakeShardSampler {
	s := &FakeShardSampler{}
	s.mu.avgBytes = avgBytes
	return s
}

func (s *FakeShardSampler) AverageShardBytes(ctx context.Context, src ddqueue.ServerID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.avgBytes, nil
}

func (s *FakeShardSampler) SampleShards(
	ctx context.Context, src ddqueue.ServerID, n int,
) ([]ddqueue.KeyRangeSpan, error) {
	out := make([]ddqueue.KeyRangeSpan, n)
	for i := 0; i < n; i++ {
		begin := fmt.Sprintf("%s/shard%d", src, i)
		out[i] = ddqueue.KeyRangeSpan{Begin: []byte(begin), End: []byte(begin + "\xff")}
	}
	return out, nil
}

// FakeRebalanceIgnoreSource returns a fixed bitmask until Set changes
// it.
type FakeRebalanceIgnoreSource struct {
	mu struct {
		syncutil.Mutex
		mask ddqueue.RebalanceIgnoreMask
	}
}

var _ ddqueue.RebalanceIgnoreSource = (*FakeRebalanceIgnoreSource)(nil)

// Set changes the bitmask future ReadIgnoreBitmask calls return.
func (s *FakeRebalanceIgnoreSource) Set(mask ddqueue.RebalanceIgnoreMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.mask = mask
}

func (s *FakeRebalanceIgnoreSource) ReadIgnoreBitmask(ctx context.Context) (ddqueue.RebalanceIgnoreMask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.mask, nil
}
