// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package ddqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/ddqueuetestutils"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/keyrange"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/util/stop"
)

func newTestQueue(t *testing.T) (*ddqueue.DDQueue, *stop.Stopper, *ddqueuetestutils.FakeTeamCollection) {
	t.Helper()

	team := &ddqueuetestutils.FakeTeam{
		IDs:           []ddqueue.ServerID{"s1", "s2", "s3"},
		Healthy:       true,
		MinAvailSpace: 0.5,
		HealthySpace:  true,
	}
	tc := ddqueuetestutils.NewFakeTeamCollection(team, false)

	knobs := ddqueue.DefaultKnobs()
	knobs.ExpensiveValidation = true

	q := ddqueue.New(ddqueue.Config{
		Knobs:    knobs,
		Clock:    &ddqueuetestutils.FakeClock{},
		Teams:    []ddqueue.TeamCollection{tc},
		MoveKeys: &ddqueuetestutils.FakeMoveKeys{},
		CleanUp:  &ddqueuetestutils.FakeCleanUpDataMove{},
		Metrics:  ddqueuetestutils.NewFakeMetricsProvider(),
		Trace:    &ddqueuetestutils.RecordingTraceSink{},
		Sources:  ddqueuetestutils.NewFakeSourceResolver("s1"),
		Shards:   ddqueuetestutils.NewFakeShardSampler(1024),
	})

	stopper := stop.New(context.Background())
	require.NoError(t, q.Run(context.Background(), stopper))
	return q, stopper, tc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

// S1-style scenario: a single enqueue with a resolvable source reaches
// an active relocation (queueRelocation -> source fetch -> launch ->
// relocator) without any scheduler-level error.
func TestScenarioSingleRelocationLaunches(t *testing.T) {
	q, stopper, tc := newTestQueue(t)
	defer stopper.Stop(context.Background())

	q.Enqueue(context.Background(), ddqueue.RelocateShard{
		Keys:     keyrange.Range{Begin: "a", End: "m"},
		Priority: ddqueue.PriorityRebalanceOverutilized,
	})

	// Only a launched relocator asks the team collection for a team.
	waitFor(t, func() bool { return len(tc.Calls()) > 0 })

	select {
	case err := <-q.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

// Enqueuing a narrower, higher-priority range over a wide relocation
// whose source fetch is still pending should split/supersede the
// overlap rather than erroring, matching spec §4.2's merge/cancel
// behavior.
func TestScenarioOverlappingEnqueueSupersedes(t *testing.T) {
	q, stopper, _ := newTestQueue(t)
	defer stopper.Stop(context.Background())

	q.Enqueue(context.Background(), ddqueue.RelocateShard{
		Keys:     keyrange.Range{Begin: "a", End: "z"},
		Priority: ddqueue.PriorityRebalanceUnderutilized,
	})
	q.Enqueue(context.Background(), ddqueue.RelocateShard{
		Keys:     keyrange.Range{Begin: "f", End: "k"},
		Priority: ddqueue.PriorityTeamUnhealthy,
	})

	select {
	case err := <-q.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

// S6-style scenario: a cancelled data move with no conflicting prior
// move should record the move and schedule cleanup without error.
func TestScenarioCancelledDataMoveNoConflict(t *testing.T) {
	q, stopper, _ := newTestQueue(t)
	defer stopper.Stop(context.Background())

	id := uuid.New()
	q.Enqueue(context.Background(), ddqueue.RelocateShard{
		Keys:       keyrange.Range{Begin: "a", End: "b"},
		DataMoveID: id,
		Cancelled:  true,
	})

	select {
	case err := <-q.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTeamRequestFlagsReflectPriority(t *testing.T) {
	q, stopper, tc := newTestQueue(t)
	defer stopper.Stop(context.Background())

	q.Enqueue(context.Background(), ddqueue.RelocateShard{
		Keys:     keyrange.Range{Begin: "a", End: "b"},
		Priority: ddqueue.PriorityRebalanceUnderutilized,
	})

	waitFor(t, func() bool { return len(tc.Calls()) > 0 })

	var sawWantTrueBest bool
	for _, c := range tc.Calls() {
		if c.WantTrueBest {
			sawWantTrueBest = true
		}
	}
	require.True(t, sawWantTrueBest, "valley-filler priority should request wantTrueBest")
}
