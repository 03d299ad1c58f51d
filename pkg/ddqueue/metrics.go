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

import "github.com/sfc-gh-rjenkins/ddqueue/pkg/util/metric"

// queueMetrics exports the counters spec §3/§8 describe as process
// state worth observing from outside: active/queued/unhealthy
// relocation counts and the per-priority breakdown, mirrored from the
// fields DDQueue already tracks for launchQueuedWork's own bookkeeping
// rather than sampled separately.
type queueMetrics struct {
	registry *metric.Registry

	active    *metric.Gauge
	queued    *metric.Gauge
	unhealthy *metric.Gauge
	byPriority *metric.GaugeVec

	processingUnhealthy *metric.Gauge
	processingWiggle    *metric.Gauge
}

func newQueueMetrics() *queueMetrics {
	reg := metric.NewRegistry()
	m := &queueMetrics{
		registry: reg,
		active: metric.NewGauge(metric.Metadata{
			Name: "ddqueue_active_relocations",
			Help: "Number of relocations with a live relocator actor.",
		}),
		queued: metric.NewGauge(metric.Metadata{
			Name: "ddqueue_queued_relocations",
			Help: "Number of relocations awaiting source resolution or admission.",
		}),
		unhealthy: metric.NewGauge(metric.Metadata{
			Name: "ddqueue_unhealthy_relocations",
			Help: "Number of active or queued relocations with a Health-band priority other than TeamHealthy.",
		}),
		byPriority: metric.NewGaugeVec(metric.Metadata{
			Name: "ddqueue_relocations_by_priority",
			Help: "Active plus queued relocations, broken out by priority.",
		}, "priority"),
		processingUnhealthy: metric.NewGauge(metric.Metadata{
			Name: "ddqueue_processing_unhealthy",
			Help: "1 if any in-flight or queued relocation has a Health-band priority other than TeamHealthy.",
		}),
		processingWiggle: metric.NewGauge(metric.Metadata{
			Name: "ddqueue_processing_wiggle",
			Help: "1 if any in-flight or queued relocation is driven by PriorityPerpetualStorageWiggle.",
		}),
	}
	reg.AddMetric(m.active)
	reg.AddMetric(m.queued)
	reg.AddMetric(m.unhealthy)
	reg.AddMetric(m.byPriority)
	reg.AddMetric(m.processingUnhealthy)
	reg.AddMetric(m.processingWiggle)
	return m
}

// Registry exposes the Prometheus registry backing this queue's
// metrics, for a caller to wire into its own /metrics handler.
func (q *DDQueue) Registry() *metric.Registry { return q.promMetrics.registry }

// refreshMetrics pushes the dispatcher-owned counters onto the
// Prometheus gauges. Called from runPeriodicLogging's tick, on the
// dispatcher goroutine, alongside the log line spec §5's
// DD_QUEUE_LOGGING_INTERVAL describes.
func (q *DDQueue) refreshMetrics() {
	q.promMetrics.active.Set(float64(q.activeRelocations))
	q.promMetrics.queued.Set(float64(q.queuedRelocations))
	q.promMetrics.unhealthy.Set(float64(q.unhealthyRelocations))
	for p, c := range q.priorityRelocations {
		q.promMetrics.byPriority.WithLabelValues(priorityLabel(p)).Set(float64(c))
	}
	q.promMetrics.processingUnhealthy.Set(boolToFloat(q.rawProcessingUnhealthy))
	q.promMetrics.processingWiggle.Set(boolToFloat(q.rawProcessingWiggle))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func priorityLabel(p Priority) string {
	switch p {
	case PriorityTeam0Left:
		return "Team0Left"
	case PriorityTeamFailed:
		return "TeamFailed"
	case PriorityTeam1Left:
		return "Team1Left"
	case PriorityTeam2Left:
		return "Team2Left"
	case PriorityTeamUnhealthy:
		return "TeamUnhealthy"
	case PriorityPopulateRegion:
		return "PopulateRegion"
	case PrioritySplitShard:
		return "SplitShard"
	case PriorityMergeShard:
		return "MergeShard"
	case PriorityTeamRedundant:
		return "TeamRedundant"
	case PriorityTeamContainsUndesiredServer:
		return "TeamContainsUndesiredServer"
	case PriorityTeamHealthy:
		return "TeamHealthy"
	case PriorityPerpetualStorageWiggle:
		return "PerpetualStorageWiggle"
	case PriorityRebalanceOverutilized:
		return "RebalanceOverutilized"
	case PriorityRebalanceUnderutilized:
		return "RebalanceUnderutilized"
	case PriorityRebalanceReadOverutil:
		return "RebalanceReadOverutil"
	case PriorityRebalanceReadUnderutil:
		return "RebalanceReadUnderutil"
	case PriorityRecoverMove:
		return "RecoverMove"
	default:
		return "Unknown"
	}
}
