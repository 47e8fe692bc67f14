// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package limits describes the I/O constraints of backing devices and
// provides the rules for stacking them into the constraints of a table.
//
// All block sizes, io_min and io_opt are in bytes. Everything named Sectors
// is in 512 byte units, no matter what the logical block size of the device
// is.
package limits

import (
	"errors"
	"fmt"
	"math"
)

const (
	// Sector is a linux constant, which is always 512.
	SectorSize = 512

	SectorShift = 9

	// One page worth of sectors. Used as the maximum transfer size when
	// a target cannot respect the merge function of its device.
	PageSectors = 4096 >> SectorShift

	// Unlimited is the stacking default for all maxima.
	Unlimited = math.MaxUint32
)

var (
	// ErrMisaligned is returned by Stack when the bottom limits are not
	// compatible with the top ones. It is advisory, callers log it.
	ErrMisaligned = errors.New("misaligned limits")

	ErrDeviceAreaInvalid = errors.New("device area invalid")

	ErrAlignment = errors.New("not aligned to logical block size")
)

// Limits are queue limits of one device, one target or the whole table.
type Limits struct {
	LogicalBlockSize  uint32
	PhysicalBlockSize uint32
	IOMin             uint32
	IOOpt             uint32

	MaxSectors     uint32
	MaxHWSectors   uint32
	MaxSegmentSize uint32

	MaxDiscardSectors  uint32
	DiscardGranularity uint32

	// Offset in bytes of the first naturally aligned physical block.
	AlignmentOffset uint32
	Misaligned      bool

	// The device splits requests on its own and needs its merge function
	// to be consulted by anything stacked above it.
	HasMergeFn bool
}

// Default returns limits which stack neutrally: the smallest block sizes and
// no restriction on any maximum.
func Default() Limits {
	return Limits{
		LogicalBlockSize:  SectorSize,
		PhysicalBlockSize: SectorSize,
		IOMin:             SectorSize,
		MaxSectors:        Unlimited,
		MaxHWSectors:      Unlimited,
		MaxSegmentSize:    Unlimited,
	}
}

// LogicalBlockSectors returns the logical block size in sectors.
func (l Limits) LogicalBlockSectors() uint64 {
	return uint64(l.LogicalBlockSize >> SectorShift)
}

func (l Limits) String() string {
	return fmt.Sprintf("lbs=%d pbs=%d io_min=%d io_opt=%d max_sectors=%d align=%d",
		l.LogicalBlockSize, l.PhysicalBlockSize, l.IOMin, l.IOOpt, l.MaxSectors, l.AlignmentOffset)
}

// Stack combines bottom limits of a device starting at offset (in sectors)
// into top. Maxima are the most restrictive of both, block sizes the largest.
// Incompatible alignments mark top as misaligned and return ErrMisaligned,
// but top is always left usable.
func Stack(top *Limits, bottom Limits, offset uint64) error {
	var err error

	top.MaxSectors = minNotZero(top.MaxSectors, bottom.MaxSectors)
	top.MaxHWSectors = minNotZero(top.MaxHWSectors, bottom.MaxHWSectors)
	top.MaxSegmentSize = minNotZero(top.MaxSegmentSize, bottom.MaxSegmentSize)

	alignment := alignmentOffset(bottom, offset)

	// Bottom device has different alignment. Check that it is compatible
	// with the current top alignment.
	if top.AlignmentOffset != alignment {
		t := max(top.PhysicalBlockSize, top.IOMin) + top.AlignmentOffset
		b := max(bottom.PhysicalBlockSize, bottom.IOMin) + alignment

		if max(t, b)%min(t, b) != 0 {
			top.Misaligned = true
			err = ErrMisaligned
		}
	}

	top.LogicalBlockSize = max(top.LogicalBlockSize, bottom.LogicalBlockSize)
	top.PhysicalBlockSize = max(top.PhysicalBlockSize, bottom.PhysicalBlockSize)
	top.IOMin = max(top.IOMin, bottom.IOMin)
	top.IOOpt = lcm(top.IOOpt, bottom.IOOpt)
	top.Misaligned = top.Misaligned || bottom.Misaligned
	top.HasMergeFn = top.HasMergeFn || bottom.HasMergeFn

	if top.PhysicalBlockSize&(top.LogicalBlockSize-1) != 0 {
		top.PhysicalBlockSize = top.LogicalBlockSize
		top.Misaligned = true
		err = ErrMisaligned
	}

	if top.IOMin&(top.PhysicalBlockSize-1) != 0 {
		top.IOMin = top.PhysicalBlockSize
		top.Misaligned = true
		err = ErrMisaligned
	}

	if top.IOOpt&(top.PhysicalBlockSize-1) != 0 {
		top.IOOpt = 0
		top.Misaligned = true
		err = ErrMisaligned
	}

	// Lowest common alignment offset of both.
	t := max(top.PhysicalBlockSize, top.IOMin) + top.AlignmentOffset
	b := max(bottom.PhysicalBlockSize, bottom.IOMin) + alignment
	top.AlignmentOffset = lcm(t, b) & (top.PhysicalBlockSize - 1)

	if top.AlignmentOffset&(top.LogicalBlockSize-1) != 0 {
		top.Misaligned = true
		err = ErrMisaligned
	}

	if bottom.DiscardGranularity != 0 {
		top.DiscardGranularity = max(top.DiscardGranularity, bottom.DiscardGranularity)
		top.MaxDiscardSectors = minNotZero(top.MaxDiscardSectors, bottom.MaxDiscardSectors)
	}

	return err
}

// DeviceLimits stacks limits of a device used by a target at start (in
// sectors) into the limits of the target. When the device has its own merge
// function and the target does not declare one, the target cannot guarantee
// to respect it and the transfer size is clamped to a single page.
func DeviceLimits(top *Limits, dev Limits, start uint64, targetHasMerge bool) error {
	err := Stack(top, dev, start)

	if dev.HasMergeFn && !targetHasMerge {
		top.MaxSectors = min(top.MaxSectors, PageSectors)
		top.MaxHWSectors = min(top.MaxHWSectors, PageSectors)
	}

	return err
}

// ValidateArea checks that the area [start, start+length) in sectors lies
// within the device of devSize sectors and is aligned to the logical block
// size in l. Unknown device size (0) skips the size check.
func ValidateArea(name string, start, length, devSize uint64, l Limits) error {
	lbs := l.LogicalBlockSectors()
	if lbs == 0 {
		lbs = 1
	}

	if start&(lbs-1) != 0 {
		return fmt.Errorf("%w: %s: start=%d not aligned to h/w logical block size %d",
			ErrDeviceAreaInvalid, name, start, l.LogicalBlockSize)
	}

	if length&(lbs-1) != 0 {
		return fmt.Errorf("%w: %s: len=%d not aligned to h/w logical block size %d",
			ErrDeviceAreaInvalid, name, length, l.LogicalBlockSize)
	}

	if devSize == 0 {
		return nil
	}

	if start >= devSize || start+length > devSize || start+length < start {
		return fmt.Errorf("%w: %s too small for target: start=%d, len=%d, dev_size=%d",
			ErrDeviceAreaInvalid, name, start, length, devSize)
	}

	return nil
}

// Area is one target as seen by the boundary alignment check.
type Area struct {
	Begin  uint64
	Length uint64

	// Logical block size of the devices of this target in bytes.
	LogicalBlockSize uint32
}

// ValidateBoundaries walks consecutive areas and checks that no request
// aligned to the table logical block size tableLBS can be split at a point
// which is not aligned to the logical block size of the area receiving the
// split piece.
func ValidateBoundaries(tableLBS uint32, areas []Area) error {
	tableSectors := uint64(tableLBS >> SectorShift)
	if tableSectors == 0 {
		tableSectors = 1
	}

	var next, remaining uint64

	for i, a := range areas {
		sectors := uint64(a.LogicalBlockSize >> SectorShift)
		if sectors == 0 {
			sectors = 1
		}

		// Sectors still owed to the previous misaligned area fall
		// inside this one. They must fit its logical block size.
		if remaining < a.Length && remaining&(sectors-1) != 0 {
			return fmt.Errorf("%w: table line %d (start sect %d len %d) not aligned to h/w logical block size %d",
				ErrAlignment, i, a.Begin, a.Length, tableLBS)
		}

		next = (next + a.Length) & (tableSectors - 1)
		remaining = 0
		if next != 0 {
			remaining = tableSectors - next
		}
	}

	if remaining != 0 {
		last := areas[len(areas)-1]
		return fmt.Errorf("%w: table line %d (start sect %d len %d) not aligned to h/w logical block size %d",
			ErrAlignment, len(areas)-1, last.Begin, last.Length, tableLBS)
	}

	return nil
}

// Offset of the first aligned physical block of the device when it is used
// from sector offset.
func alignmentOffset(l Limits, offset uint64) uint32 {
	granularity := uint64(max(l.PhysicalBlockSize, l.IOMin))
	if granularity == 0 {
		return 0
	}

	alignment := (offset << SectorShift) % granularity

	return uint32((granularity - alignment + uint64(l.AlignmentOffset)) % granularity)
}

func minNotZero(a, b uint32) uint32 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}

	return min(a, b)
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}

	return a
}

func lcm(a, b uint32) uint32 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}

	return a / gcd(a, b) * b
}
