// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"github.com/prometheus/client_golang/prometheus"
)

var requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dmtab",
	Subsystem: "s3",
	Name:      "requests",
}, []string{"op"})

var requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dmtab",
	Subsystem: "s3",
	Name:      "request_errors",
}, []string{"op"})

var readBytes = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "dmtab",
	Subsystem: "s3",
	Name:      "read_bytes",
})

// Collectors returns metrics of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{requests, requestErrors, readBytes}
}
