// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package ddqueue implements the data-distribution relocation queue
// and scheduler: it decides when and to which destination team each
// shard relocation launches, admits work against per-server busyness
// ledgers, cancels obsolete moves, and drives the background
// rebalancers. See SPEC_FULL.md for the full requirements this package
// satisfies.
package ddqueue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/keyrange"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/pserver"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/util/log"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/util/stop"
)

// Sentinel error kinds from spec §7. Internal invariant failures are
// not returned as errors: validate logs and traces them instead.
var (
	ErrMoveToRemovedServer      = errors.New("ddqueue: move_to_removed_server")
	ErrDataMoveDestTeamNotFound = errors.New("ddqueue: data_move_dest_team_not_found")
	ErrDataMoveCancelled        = errors.New("ddqueue: data_move_cancelled")
	ErrActorCancelled           = errors.New("ddqueue: actor_cancelled")
)

// actorHandle is the "task handle" spec §3 describes for
// inFlightActors: cancelling it aborts the relocator bound to that
// key-range.
type actorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// DDQueue is the process-wide state object from spec §3. All of its
// fields below the embedded locks are owned exclusively by the single
// dispatcher goroutine started by Run: every other goroutine (public
// API callers, relocators, rebalancers) mutates this state only by
// posting a closure through post, so — per spec §5 — no lock is needed
// on the maps themselves. This is the Go rendering of the original's
// single-threaded cooperative task runtime (spec §9's first design
// note).
type DDQueue struct {
	knobs      Knobs
	clock      Clock
	teams      []TeamCollection
	moveKeys   MoveKeys
	cleanUp    CleanUpDataMove
	metrics    MetricsProvider
	trace      TraceSink
	ignoreSrc  RebalanceIgnoreSource
	sources    SourceResolver
	shards     ShardSampler
	promMetrics *queueMetrics

	fetchSourceLock     *semaphore.Weighted
	startMoveKeysLock   *semaphore.Weighted
	finishMoveKeysLock  *semaphore.Weighted
	cleanUpDataMoveLock *semaphore.Weighted

	cmdCh   chan func()
	stopper *stop.Stopper

	errCh chan error

	// --- state below: dispatcher-goroutine-owned only ---

	queueMap             *keyrange.Map // KeyRange -> *RelocateData
	fetchingSourcesQueue *pserver.Queue
	fetchKeysComplete    *pserver.Queue
	queue                map[ServerID]*pserver.Queue
	inFlight             *keyrange.Map // KeyRange -> *RelocateData
	inFlightActors       *keyrange.Map // KeyRange -> *actorHandle
	dataMoves            *keyrange.Map // KeyRange -> *DDDataMove
	busymap              map[ServerID]*Busyness
	destBusymap          map[ServerID]*Busyness
	lastAsSource         map[ServerID]float64
	fetchCancels         map[*RelocateData]context.CancelFunc

	activeRelocations      int
	queuedRelocations      int
	unhealthyRelocations   int
	priorityRelocations    map[Priority]int
	rawProcessingUnhealthy bool
	rawProcessingWiggle    bool
}

// Config bundles DDQueue's external collaborators (spec §6) and knobs
// (spec §10.3); it is the sole constructor input, matching the
// injected-clock-and-knobs design note in spec §9.
type Config struct {
	Knobs    Knobs
	Clock    Clock
	Teams    []TeamCollection
	MoveKeys MoveKeys
	CleanUp  CleanUpDataMove
	Metrics  MetricsProvider
	Trace    TraceSink
	IgnoreSource RebalanceIgnoreSource
	Sources  SourceResolver
	Shards   ShardSampler
}

// New constructs a DDQueue. Call Run to start its dispatcher goroutine
// and the background rebalancers before enqueuing work.
func New(cfg Config) *DDQueue {
	q := &DDQueue{
		knobs:     cfg.Knobs,
		clock:     cfg.Clock,
		teams:     cfg.Teams,
		moveKeys:  cfg.MoveKeys,
		cleanUp:   cfg.CleanUp,
		metrics:   cfg.Metrics,
		trace:     cfg.Trace,
		ignoreSrc: cfg.IgnoreSource,
		sources:   cfg.Sources,
		shards:    cfg.Shards,

		fetchSourceLock:     semaphore.NewWeighted(cfg.Knobs.FetchSourceLockSlots),
		startMoveKeysLock:   semaphore.NewWeighted(cfg.Knobs.StartMoveKeysLockSlots),
		finishMoveKeysLock:  semaphore.NewWeighted(cfg.Knobs.FinishMoveKeysLockSlots),
		cleanUpDataMoveLock: semaphore.NewWeighted(cfg.Knobs.CleanUpDataMoveLockSlots),

		cmdCh: make(chan func(), 256),
		errCh: make(chan error, 1),

		queueMap:             keyrange.New(),
		fetchingSourcesQueue: pserver.New(relocateDataLess),
		fetchKeysComplete:    pserver.New(relocateDataLess),
		queue:                make(map[ServerID]*pserver.Queue),
		inFlight:             keyrange.New(),
		inFlightActors:       keyrange.New(),
		dataMoves:            keyrange.New(),
		busymap:              make(map[ServerID]*Busyness),
		destBusymap:          make(map[ServerID]*Busyness),
		lastAsSource:         make(map[ServerID]float64),
		priorityRelocations:  make(map[Priority]int),
	}
	q.promMetrics = newQueueMetrics()
	return q
}

// Run starts the dispatcher goroutine and the periodic queue-depth
// logger, bound to stopper's lifetime.
func (q *DDQueue) Run(ctx context.Context, stopper *stop.Stopper) error {
	q.stopper = stopper
	if err := stopper.RunAsyncTask(ctx, "ddqueue-dispatcher", q.runDispatcher); err != nil {
		return err
	}
	if err := stopper.RunAsyncTask(ctx, "ddqueue-logger", q.runPeriodicLogging); err != nil {
		return err
	}
	return q.startRebalancers(ctx)
}

func (q *DDQueue) runDispatcher(ctx context.Context) {
	for {
		select {
		case fn := <-q.cmdCh:
			fn()
		case <-q.stopper.ShouldQuiesce():
			return
		case <-ctx.Done():
			return
		}
	}
}

// post runs fn on the dispatcher goroutine and blocks until it
// returns. Every access to DDQueue's maps goes through post, so those
// maps are touched from exactly one goroutine at a time.
func (q *DDQueue) post(fn func()) {
	done := make(chan struct{})
	q.cmdCh <- func() {
		fn()
		close(done)
	}
	<-done
}

func (q *DDQueue) runPeriodicLogging(ctx context.Context) {
	t := time.NewTicker(q.knobs.DDQueueLoggingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			var active, queued, unhealthy int
			q.post(func() {
				active, queued, unhealthy = q.activeRelocations, q.queuedRelocations, q.unhealthyRelocations
				q.refreshMetrics()
			})
			log.Infof(ctx, "ddqueue: active=%d queued=%d unhealthy=%d", active, queued, unhealthy)
		case <-q.stopper.ShouldQuiesce():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Errors returns the top-level error channel from spec §7. Every
// surfaced error other than ErrActorCancelled and ErrDataMoveCancelled
// is sent here without blocking; the channel holds one error, and an
// error arriving while it is full is dropped. Surfacing an error does
// not stop the dispatcher, the relocators or the rebalancers.
func (q *DDQueue) Errors() <-chan error { return q.errCh }

func (q *DDQueue) surfaceError(err error) {
	if err == nil || errors.Is(err, ErrActorCancelled) || errors.Is(err, ErrDataMoveCancelled) {
		return
	}
	select {
	case q.errCh <- err:
	default:
	}
}

func (q *DDQueue) busynessFor(m map[ServerID]*Busyness, id ServerID) *Busyness {
	b, ok := m[id]
	if !ok {
		b = &Busyness{}
		m[id] = b
	}
	return b
}

func (q *DDQueue) startRelocation(p, healthP Priority) {
	q.priorityRelocations[p]++
	if healthP != 0 && IsHealthPriority(healthP) && healthP != PriorityTeamHealthy {
		q.unhealthyRelocations++
	}
	q.refreshRawProcessingFlags()
}

func (q *DDQueue) finishRelocation(p, healthP Priority) {
	q.priorityRelocations[p]--
	if q.priorityRelocations[p] <= 0 {
		delete(q.priorityRelocations, p)
	}
	if healthP != 0 && IsHealthPriority(healthP) && healthP != PriorityTeamHealthy {
		q.unhealthyRelocations--
	}
	q.refreshRawProcessingFlags()
}

// refreshRawProcessingFlags recomputes the two observable booleans
// spec §3 lists alongside the counters: whether any in-flight or
// queued relocation currently has a Health-band priority other than
// PriorityTeamHealthy (what unhealthyRelocations counts), and
// whether one is driven by PriorityPerpetualStorageWiggle specifically.
func (q *DDQueue) refreshRawProcessingFlags() {
	q.rawProcessingUnhealthy = q.unhealthyRelocations > 0
	q.rawProcessingWiggle = q.priorityRelocations[PriorityPerpetualStorageWiggle] > 0
}

// ProcessingUnhealthy reports rawProcessingUnhealthy from outside the
// dispatcher goroutine.
func (q *DDQueue) ProcessingUnhealthy() bool {
	var v bool
	q.post(func() { v = q.rawProcessingUnhealthy })
	return v
}

// ProcessingWiggle reports rawProcessingWiggle from outside the
// dispatcher goroutine.
func (q *DDQueue) ProcessingWiggle() bool {
	var v bool
	q.post(func() { v = q.rawProcessingWiggle })
	return v
}

// validate checks the cross-map invariants from spec §8, tracing a
// SevError event per violation (spec §7) under EXPENSIVE_VALIDATION.
// It never changes control flow; callers run it at the end of a
// mutation when q.knobs.ExpensiveValidation is set.
func (q *DDQueue) validate(ctx context.Context) {
	if !q.knobs.ExpensiveValidation {
		return
	}

	violation := func(msg string) {
		log.Errorf(ctx, "ddqueue: invariant violation: %s", msg)
		if q.trace != nil {
			q.trace.TraceError(ctx, "InvariantViolation", map[string]interface{}{"msg": msg})
		}
	}

	q.fetchingSourcesQueue.Ascend(func(v interface{}) bool {
		rd := v.(*RelocateData)
		if len(rd.Src) != 0 {
			violation("fetchingSourcesQueue entry has resolved src")
		}
		if rd.WorkFactor != 0 {
			violation("fetchingSourcesQueue entry has nonzero workFactor")
		}
		_, val, ok := q.queueMap.RangeContaining(rd.Keys.Begin)
		if !ok || val.(*RelocateData) != rd {
			violation("fetchingSourcesQueue entry not reflected in queueMap")
		}
		return true
	})

	sum := 0
	for _, c := range q.priorityRelocations {
		sum += c
	}
	if sum != q.activeRelocations+q.queuedRelocations {
		violation("sum(priorityRelocations) != active+queued")
	}

	union := q.fetchingSourcesQueue.Len()
	for _, srvQueue := range q.queue {
		union += srvQueue.Len()
	}
	if union != q.queuedRelocations {
		violation("queuedRelocations != fetchingSourcesQueue + per-server queues")
	}

	for _, b := range q.busymap {
		if !b.IsWellFormed() {
			violation("busymap ledger not well-formed")
		}
	}
	for _, b := range q.destBusymap {
		if !b.IsWellFormed() {
			violation("destBusymap ledger not well-formed")
		}
	}
}
