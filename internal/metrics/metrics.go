package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors for the warehouse maintenance engine's observability surface.
var (
	StreamOffset = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dwh_stream_committed_offset",
		Help: "Last committed offset per (stream, consumer).",
	}, []string{"stream", "consumer"})
	StreamStale = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwh_stream_stale_total",
		Help: "Cumulative number of stale-stream reads per stream.",
	}, []string{"stream"})

	GatePassedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwh_quality_gate_passed_total",
		Help: "Cumulative number of records passing the quality gate.",
	}, []string{"relation"})
	GateRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwh_quality_gate_rejected_total",
		Help: "Cumulative number of records quarantined by the quality gate.",
	}, []string{"relation"})

	MergeInsertedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwh_merge_inserted_total",
		Help: "Cumulative number of dimension versions inserted per dimension.",
	}, []string{"dimension"})
	MergeExpiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwh_merge_expired_total",
		Help: "Cumulative number of dimension versions expired per dimension.",
	}, []string{"dimension"})

	ResolverMissTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwh_resolver_miss_total",
		Help: "Cumulative number of surrogate-key lookup misses per dimension.",
	}, []string{"dimension"})

	FactsLoadedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwh_facts_loaded_total",
		Help: "Cumulative number of fact rows appended per fact table.",
	}, []string{"fact"})
	FactsSentinelTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwh_facts_sentinel_total",
		Help: "Cumulative number of fact rows loaded with a sentinel key.",
	}, []string{"fact"})

	TaskRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwh_task_runs_total",
		Help: "Cumulative number of task runs per (task, outcome).",
	}, []string{"task", "outcome"})
)

func init() {
	prometheus.MustRegister(
		StreamOffset,
		StreamStale,
		GatePassedTotal,
		GateRejectedTotal,
		MergeInsertedTotal,
		MergeExpiredTotal,
		ResolverMissTotal,
		FactsLoadedTotal,
		FactsSentinelTotal,
		TaskRunsTotal,
	)
}
