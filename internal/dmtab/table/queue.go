// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package table

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/dmtab/internal/dmtab/device"
	"github.com/asch/dmtab/internal/dmtab/limits"
)

// Congestion is polled very often, the warnings are rate limited.
var congestionSampler = &zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second}

var errFound = errors.New("found")

// Queue is the block queue a Ready table is exposed through.
type Queue interface {
	SetLimits(l limits.Limits)
	SetDiscard(enabled bool)
	SetRequestBased(enabled bool)
}

// AnyCongested returns true if any device of the table is congested for
// bits. Devices unable to tell are not congested.
func (t *Table) AnyCongested(bits int) bool {
	congested := false

	for _, h := range t.handles {
		c, ok := h.Resource().(device.Congester)
		if !ok {
			l := log.Sample(congestionSampler)
			l.Warn().Str("table", t.name).Str("device", h.Name).Msg("Device cannot report congestion.")
			continue
		}

		congested = c.Congested(bits) || congested
	}

	return congested
}

// AnyBusyTarget returns true if any target reports to be busy.
func (t *Table) AnyBusyTarget() bool {
	for _, ti := range t.targets {
		if b, ok := ti.Type.(BusyChecker); ok && b.Busy(ti) {
			return true
		}
	}

	return false
}

// SupportsDiscards returns true if at least one target accepts discards and
// has a device able to discard.
func (t *Table) SupportsDiscards() bool {
	for _, ti := range t.targets {
		if ti.NumDiscardRequests == 0 {
			continue
		}

		it, ok := ti.Type.(DeviceIterator)
		if !ok {
			continue
		}

		err := it.IterateDevices(ti, func(dev *device.Handle, start, length uint64) error {
			if d, ok := dev.Resource().(device.DiscardCapable); ok && d.DiscardSupported() {
				return errFound
			}
			return nil
		})

		if err == errFound {
			return true
		}
	}

	return false
}

// SetRestrictions pushes limits and features of the table to q.
func (t *Table) SetRestrictions(q Queue) {
	q.SetLimits(t.limits)
	q.SetDiscard(t.SupportsDiscards())
	q.SetRequestBased(t.IsRequestBased())
}
