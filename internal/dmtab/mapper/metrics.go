// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mapper

import (
	"github.com/prometheus/client_golang/prometheus"
)

var requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dmtab",
	Subsystem: "mapper",
	Name:      "requests",
}, []string{"op"})

var requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dmtab",
	Subsystem: "mapper",
	Name:      "request_errors",
}, []string{"op"})

var piecesPerRequest = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "dmtab",
	Subsystem: "mapper",
	Name:      "pieces_per_request",
	Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
})

// Collectors returns metrics of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{requests, requestErrors, piecesPerRequest}
}
