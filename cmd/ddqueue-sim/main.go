// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Command ddqueue-sim drives a DDQueue against the ddqueuetestutils
// fakes, standing in for the manual test harnesses original_source
// used to poke the relocation queue by hand: enqueue a handful of
// relocations and rebalance hints, let the dispatcher and relocators
// run for a bit, and print what happened.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/ddqueuetestutils"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/ddqueue/keyrange"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/util/log"
	"github.com/sfc-gh-rjenkins/ddqueue/pkg/util/stop"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	numRanges := flag.Int("ranges", 8, "number of synthetic relocations to enqueue")
	numServers := flag.Int("servers", 4, "number of synthetic source/destination servers")
	duration := flag.Duration("duration", 2*time.Second, "how long to let the queue run")
	loadRebalance := flag.Bool("load-rebalance", false, "use the load-based rebalance selector, which also runs the read-bandwidth rebalance loops alongside the mountain-chopper/valley-filler pair")
	flag.Parse()

	ctx := context.Background()

	servers := make([]ddqueue.ServerID, *numServers)
	for i := range servers {
		servers[i] = ddqueue.ServerID(fmt.Sprintf("s%d", i+1))
	}

	team := &ddqueuetestutils.FakeTeam{
		IDs:           servers,
		Healthy:       true,
		MinAvailSpace: 0.5,
		HealthySpace:  true,
	}
	tc := ddqueuetestutils.NewFakeTeamCollection(team, false)

	knobs := ddqueue.DefaultKnobs()
	if *loadRebalance {
		knobs.RebalanceSelector = ddqueue.RebalanceSelectorLoadBased
	}

	trace := &ddqueuetestutils.RecordingTraceSink{}
	q := ddqueue.New(ddqueue.Config{
		Knobs:    knobs,
		Clock:    &ddqueuetestutils.FakeClock{},
		Teams:    []ddqueue.TeamCollection{tc},
		MoveKeys: &ddqueuetestutils.FakeMoveKeys{},
		CleanUp:  &ddqueuetestutils.FakeCleanUpDataMove{},
		Metrics:  ddqueuetestutils.NewFakeMetricsProvider(),
		Trace:    trace,
		Sources:  ddqueuetestutils.NewFakeSourceResolver(servers[0]),
		Shards:   ddqueuetestutils.NewFakeShardSampler(64 << 20),
	})

	stopper := stop.New(ctx)
	defer stopper.Stop(ctx)
	if err := q.Run(ctx, stopper); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}

	priorities := []ddqueue.Priority{
		ddqueue.PriorityRebalanceOverutilized,
		ddqueue.PriorityRebalanceUnderutilized,
		ddqueue.PriorityTeamUnhealthy,
		ddqueue.PrioritySplitShard,
	}
	for i := 0; i < *numRanges; i++ {
		begin := keyrange.Key(fmt.Sprintf("range-%03d", i))
		end := keyrange.Key(fmt.Sprintf("range-%03d", i+1))
		rs := ddqueue.RelocateShard{
			Keys:     keyrange.Range{Begin: begin, End: end},
			Priority: priorities[i%len(priorities)],
		}
		log.Infof(ctx, "ddqueue-sim: enqueuing %s-%s at priority %d", begin, end, rs.Priority)
		q.Enqueue(ctx, rs)
	}

	deadline := time.After(*duration)
	for {
		select {
		case err := <-q.Errors():
			return fmt.Errorf("queue surfaced error: %w", err)
		case <-deadline:
			printSummary(trace)
			return nil
		}
	}
}

func printSummary(trace *ddqueuetestutils.RecordingTraceSink) {
	events := trace.Events()
	fmt.Printf("ddqueue-sim: %d trace events recorded\n", len(events))
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Name]++
	}
	for name, n := range counts {
		fmt.Printf("  %-20s %d\n", name, n)
	}
}
