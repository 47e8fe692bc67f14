// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package table

import (
	"github.com/prometheus/client_golang/prometheus"
)

var tablesByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dmtab",
	Subsystem: "table",
	Name:      "tables",
}, []string{"state"})

var heldTables = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "dmtab",
	Subsystem: "table",
	Name:      "holders",
})

var completeFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "dmtab",
	Subsystem: "table",
	Name:      "complete_failures",
})

// Collectors returns metrics of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{tablesByState, heldTables, completeFailures}
}
