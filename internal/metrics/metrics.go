// Package metrics defines the Prometheus metrics used to observe the
// core pipeline: ring depth, consumption-detector sleeps, and barrier
// timeouts. These are ambient observability, not part of any wire
// format or report line spec.md specifies -- the textual report
// layouts stay a collaborator's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RingDepth tracks the current occupancy of a traffic worker's
	// packet ring, sampled by the reporter after each dequeue, labelled by the job's
	// transfer prefix so a multi-flow run can be told apart in one
	// scrape.
	RingDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perfx_ring_depth",
			Help: "current occupancy of a traffic worker's packet ring",
		},
		[]string{"prefix"},
	)

	// RingEnqueueBlockedTotal counts how many times a producer had to
	// block because the ring was full, the back-pressure case spec.md
	// section 5 describes.
	RingEnqueueBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfx_ring_enqueue_blocked_total",
			Help: "number of times a traffic worker blocked enqueueing into a full ring",
		},
		[]string{"prefix"},
	)

	// ConsumptionDetectorSleepSeconds tracks how long the reporter's
	// consumption detector chose to sleep before a cycle.
	ConsumptionDetectorSleepSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perfx_reporter_consumption_sleep_seconds",
			Help:    "sleep duration chosen by the reporter consumption detector",
			Buckets: prometheus.LinearBuckets(0, 0.002, 10),
		},
	)

	// BarrierTimeoutTotal counts full-duplex and connect-done barrier
	// timeouts, labelled by barrier kind.
	BarrierTimeoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfx_barrier_timeout_total",
			Help: "number of barrier waits that expired before release",
		},
		[]string{"barrier"},
	)

	// ReportIntervalsEmittedTotal counts interval rows the reporter has
	// emitted, labelled by transfer prefix.
	ReportIntervalsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perfx_report_intervals_emitted_total",
			Help: "number of interval report rows emitted",
		},
		[]string{"prefix"},
	)

	// GroupSumMembersActive tracks live membership of a group-sum
	// aggregate.
	GroupSumMembersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "perfx_groupsum_members_active",
			Help: "current reference count across all live group-sum aggregates",
		},
	)
)
