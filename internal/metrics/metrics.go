package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldaq_fetch_total",
			Help: "Total fetch units by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worldaq_fetch_latency_seconds",
			Help:    "Remote fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ArchiveObjects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldaq_archive_objects_total",
			Help: "Bulk archive objects by outcome",
		},
		[]string{"outcome"},
	)

	APIPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldaq_api_pages_total",
			Help: "OpenAQ REST pages fetched by status",
		},
		[]string{"status"},
	)

	CitiesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldaq_cities_total",
			Help: "Cities processed by source and final status",
		},
		[]string{"source", "status"},
	)

	FusedDays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldaq_fused_days_total",
			Help: "Fused city-days written",
		},
		[]string{"source"},
	)

	Outliers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldaq_outliers_total",
			Help: "Readings nulled by range validation",
		},
		[]string{"source", "field"},
	)

	Interpolated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldaq_interpolated_total",
			Help: "Values filled by gap-bounded interpolation",
		},
		[]string{"source", "field"},
	)
)

// WriteTextfile dumps the default registry in the node_exporter textfile
// format, for batch runs that exit before they can be scraped.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
