package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Evaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "popgate_evaluations_total",
		Help: "Total number of eligibility evaluations run.",
	})

	EvaluationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "popgate_evaluations_dropped_total",
		Help: "Total number of evaluations rejected due to a full queue.",
	})

	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "popgate_decisions_total",
		Help: "Eligibility decisions, labelled by outcome (shown, no_campaign, invalid_context, timeout).",
	}, []string{"outcome"})

	CampaignsSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "popgate_campaigns_selected_total",
		Help: "Winning campaigns per surface, labelled by campaign ID and surface.",
	}, []string{"campaign_id", "surface"})

	CapDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "popgate_cap_denials_total",
		Help: "Frequency cap denials, labelled by reason.",
	}, []string{"reason"})

	CapStoreFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "popgate_cap_store_fail_open_total",
		Help: "Times the frequency cap store was unreachable and the engine failed open.",
	})

	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "popgate_assignments_total",
		Help: "Fresh experiment assignments, labelled by experiment and variant.",
	}, []string{"experiment_id", "variant_key"})

	TriggerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "popgate_trigger_fires_total",
		Help: "Trigger fires observed, labelled by campaign ID.",
	}, []string{"campaign_id"})

	ImpressionsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "popgate_impressions_recorded_total",
		Help: "Impression reports accepted (deduplicated).",
	})

	ImpressionsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "popgate_impressions_deduped_total",
		Help: "Impression reports ignored as duplicates of an earlier fire.",
	})

	AnalyticsEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "popgate_analytics_events_total",
		Help: "Analytics events accepted, labelled by type.",
	}, []string{"type"})

	AnalyticsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "popgate_analytics_dropped_total",
		Help: "Analytics events dropped because the emitter buffer was full.",
	})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "popgate_evaluation_duration_ms",
		Help:    "End-to-end eligibility evaluation latency in milliseconds.",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "popgate_queue_utilization_ratio",
		Help: "Current evaluation queue utilization (0–1).",
	})
)
