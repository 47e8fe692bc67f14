// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"github.com/prometheus/client_golang/prometheus"
)

var openDevices = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "dmtab",
	Subsystem: "device",
	Name:      "open_handles",
})

var modeUpgrades = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "dmtab",
	Subsystem: "device",
	Name:      "mode_upgrades",
})

// Collectors returns metrics of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{openDevices, modeUpgrades}
}
