package spots

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	spotOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_operations_total",
		Help: "Spot registry compare-and-set operations grouped by operation and outcome.",
	}, []string{"op", "result"})

	spotOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spot_operation_seconds",
		Help:    "Time spent in spot registry operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
