// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package table

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/asch/dmtab/internal/dmtab/device"
	"github.com/asch/dmtab/internal/dmtab/limits"
)

// TargetLimits stacks limits of all devices of target ti, lets the target
// type adjust them and checks that every device area used by ti is valid for
// them.
func (t *Table) TargetLimits(ti *Target) (limits.Limits, error) {
	l, _, err := t.targetLimits(ti)
	return l, err
}

// Same as TargetLimits, also returns the logical block size stacked from the
// devices before the target type adjusted it.
func (t *Table) targetLimits(ti *Target) (limits.Limits, uint32, error) {
	l := limits.Default()

	it, ok := ti.Type.(DeviceIterator)
	if !ok {
		if h, ok := ti.Type.(IOHinter); ok {
			lbs := l.LogicalBlockSize
			h.IOHints(ti, &l)
			return l, lbs, nil
		}
		return l, l.LogicalBlockSize, nil
	}

	merge := hasMergeFn(ti.Type)

	err := it.IterateDevices(ti, func(dev *device.Handle, start, length uint64) error {
		err := limits.DeviceLimits(&l, dev.Resource().Limits(), start, merge)
		if errors.Is(err, limits.ErrMisaligned) {
			log.Warn().Str("table", t.name).Str("device", dev.Name).
				Uint64("start", start).Uint64("len", length).
				Uint32("alignment_offset", dev.Resource().Limits().AlignmentOffset).
				Msg("Device has misaligned data.")
		}

		return nil
	})
	if err != nil {
		return l, l.LogicalBlockSize, err
	}

	lbs := l.LogicalBlockSize

	if h, ok := ti.Type.(IOHinter); ok {
		h.IOHints(ti, &l)
	}

	err = it.IterateDevices(ti, func(dev *device.Handle, start, length uint64) error {
		err := limits.ValidateArea(dev.Name, start, length, dev.Resource().Size(), l)
		if err != nil {
			log.Warn().Str("table", t.name).Str("device", dev.Name).
				Uint64("start", start).Uint64("len", length).
				Uint64("dev_size", dev.Resource().Size()).
				Uint32("logical_block_size", l.LogicalBlockSize).
				Err(err).Msg("Device area invalid.")
		}

		return err
	})

	return l, lbs, err
}

// CalculateLimits combines limits of all targets into the limits of the table
// and checks that no request aligned to the table logical block size could be
// split at a point misaligned for the target receiving the piece. The check
// uses the logical block sizes of the devices, not the ones adjusted by
// IOHints.
func (t *Table) CalculateLimits() (limits.Limits, error) {
	table := limits.Default()
	areas := make([]limits.Area, 0, len(t.targets))

	for _, ti := range t.targets {
		tl, lbs, err := t.targetLimits(ti)
		if err != nil {
			return table, err
		}

		if err := limits.Stack(&table, tl, 0); err != nil {
			log.Warn().Str("table", t.name).Uint64("start", ti.Begin).Uint64("len", ti.Len).
				Msg("Adding target device caused an alignment inconsistency.")
		}

		areas = append(areas, limits.Area{
			Begin:            ti.Begin,
			Length:           ti.Len,
			LogicalBlockSize: lbs,
		})
	}

	if err := limits.ValidateBoundaries(table.LogicalBlockSize, areas); err != nil {
		log.Warn().Str("table", t.name).Err(err).Send()
		return table, err
	}

	return table, nil
}
