package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "records_ingested_total",
		Help:      "Records read from the source.",
	})
	ClustersBuilt = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "clusters_built_total",
		Help:      "Clusters emitted by the builder, head and foot included.",
	})
	ClustersTransformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "clusters_transformed_total",
		Help:      "Transform outcomes.",
	}, []string{"outcome"})
	LaneClusters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "lane_clusters_total",
		Help:      "Clusters written per output lane.",
	}, []string{"lane"})
	LaneRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Name:      "lane_records_total",
		Help:      "Records written per output lane.",
	}, []string{"lane"})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conveyor",
		Name:      "inflight_clusters",
		Help:      "Clusters handed to the transform stage and not yet finished.",
	})
	AwaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conveyor",
		Name:      "await_seconds",
		Help:      "Time workers spent blocked on a shared-state condition.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	})
)

func init() {
	prometheus.MustRegister(
		RecordsIngested,
		ClustersBuilt,
		ClustersTransformed,
		LaneClusters,
		LaneRecords,
		InFlight,
		AwaitSeconds,
	)
}

// Expose serves /metrics on port in the background. A zero port disables it.
func Expose(port int) {
	if port == 0 {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
