package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_transitions_total",
		Help: "Booking status transitions grouped by source and target status.",
	}, []string{"from", "to"})
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_operations_total",
		Help: "Engine operations grouped by name and outcome.",
	}, []string{"op", "result"})
	operationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_operation_seconds",
		Help:    "Engine operation latency including lock wait.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	settledCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_settled_cents_total",
		Help: "Sum of exit settlements in cents.",
	})
	noShowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_no_show_total",
		Help: "Late-confirmed bookings that never entered, by outcome.",
	}, []string{"outcome"})
)

func resultLabel(err error, noop bool) string {
	switch {
	case err != nil:
		return "error"
	case noop:
		return "noop"
	default:
		return "ok"
	}
}
