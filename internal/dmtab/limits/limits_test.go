// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func disk4k() Limits {
	l := Default()
	l.LogicalBlockSize = 4096
	l.PhysicalBlockSize = 4096
	l.IOMin = 4096
	l.MaxSectors = 2048
	l.MaxHWSectors = 4096

	return l
}

func TestStackMostRestrictiveWins(t *testing.T) {
	top := Default()

	a := Default()
	a.MaxSectors = 1024
	a.IOOpt = 65536

	b := disk4k()
	b.IOOpt = 4096 * 3

	require.NoError(t, Stack(&top, a, 0))
	require.NoError(t, Stack(&top, b, 0))

	assert.Equal(t, uint32(1024), top.MaxSectors)
	assert.Equal(t, uint32(4096), top.MaxHWSectors)
	assert.Equal(t, uint32(4096), top.LogicalBlockSize)
	assert.Equal(t, uint32(4096), top.PhysicalBlockSize)
	assert.Equal(t, uint32(4096), top.IOMin)
	assert.Equal(t, uint32(196608), top.IOOpt)
	assert.False(t, top.Misaligned)
}

func TestStackZeroMaximumMeansUnset(t *testing.T) {
	top := Default()
	dev := Default()
	dev.MaxSectors = 0
	dev.MaxSegmentSize = 65536

	require.NoError(t, Stack(&top, dev, 0))
	assert.Equal(t, uint32(Unlimited), top.MaxSectors)
	assert.Equal(t, uint32(65536), top.MaxSegmentSize)
}

func TestStackMismatchedAlignmentIsAdvisory(t *testing.T) {
	top := Default()
	require.NoError(t, Stack(&top, disk4k(), 0))

	shifted := disk4k()
	shifted.LogicalBlockSize = 512
	shifted.AlignmentOffset = 512

	err := Stack(&top, shifted, 0)
	require.ErrorIs(t, err, ErrMisaligned)
	assert.True(t, top.Misaligned)
	assert.Equal(t, uint32(4096), top.LogicalBlockSize)
}

func TestStackOffsetShiftsAlignment(t *testing.T) {
	top := Default()
	top.PhysicalBlockSize = 4096
	top.IOMin = 4096

	// One sector into a 4k device the first aligned block is 3584 bytes away.
	dev := Default()
	dev.PhysicalBlockSize = 4096
	dev.IOMin = 4096

	assert.Equal(t, uint32(3584), alignmentOffset(dev, 1))
	assert.Equal(t, uint32(0), alignmentOffset(dev, 8))

	require.ErrorIs(t, Stack(&top, dev, 1), ErrMisaligned)
}

// Granularities plus offsets of 1536 and 3072 bytes are multiples of each
// other even though neither is a power of two.
func TestStackCompatibleShiftedAlignment(t *testing.T) {
	top := Default()
	top.PhysicalBlockSize = 1024
	top.IOMin = 1024
	top.AlignmentOffset = 512

	dev := Default()
	dev.PhysicalBlockSize = 1024
	dev.IOMin = 2048

	require.Equal(t, uint32(1024), alignmentOffset(dev, 2))
	require.NoError(t, Stack(&top, dev, 2))
	assert.False(t, top.Misaligned)
	assert.Equal(t, uint32(2048), top.IOMin)
	assert.Equal(t, uint32(0), top.AlignmentOffset)

	// 1536 and 2048 are not.
	top = Default()
	top.PhysicalBlockSize = 1024
	top.IOMin = 1024
	top.AlignmentOffset = 512

	require.ErrorIs(t, Stack(&top, dev, 0), ErrMisaligned)
	assert.True(t, top.Misaligned)
}

func TestStackDiscard(t *testing.T) {
	top := Default()

	dev := Default()
	dev.DiscardGranularity = 4096
	dev.MaxDiscardSectors = 8192
	require.NoError(t, Stack(&top, dev, 0))

	other := Default()
	other.DiscardGranularity = 65536
	other.MaxDiscardSectors = 1024
	require.NoError(t, Stack(&top, other, 0))

	assert.Equal(t, uint32(65536), top.DiscardGranularity)
	assert.Equal(t, uint32(1024), top.MaxDiscardSectors)
}

func TestDeviceLimitsNoMergeFnFallback(t *testing.T) {
	dev := disk4k()
	dev.HasMergeFn = true

	withMerge := Default()
	require.NoError(t, DeviceLimits(&withMerge, dev, 0, true))
	assert.Equal(t, uint32(2048), withMerge.MaxSectors)
	assert.True(t, withMerge.HasMergeFn)

	withoutMerge := Default()
	require.NoError(t, DeviceLimits(&withoutMerge, dev, 0, false))
	assert.Equal(t, uint32(PageSectors), withoutMerge.MaxSectors)
	assert.Equal(t, uint32(PageSectors), withoutMerge.MaxHWSectors)

	// Devices without their own merge function are never clamped.
	plain := Default()
	require.NoError(t, DeviceLimits(&plain, disk4k(), 0, false))
	assert.Equal(t, uint32(2048), plain.MaxSectors)
}

func TestValidateArea(t *testing.T) {
	l := disk4k()

	tests := []struct {
		name    string
		start   uint64
		length  uint64
		devSize uint64
		ok      bool
	}{
		{"fits", 0, 16, 64, true},
		{"exact end", 48, 16, 64, true},
		{"unknown size", 8, 800, 0, true},
		{"unaligned start", 3, 16, 64, false},
		{"unaligned length", 0, 12, 64, false},
		{"past end", 56, 16, 64, false},
		{"start beyond", 64, 8, 64, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateArea("8:16", tc.start, tc.length, tc.devSize, l)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrDeviceAreaInvalid)
			}
		})
	}
}

func TestValidateBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		areas []Area
		ok    bool
	}{
		{
			name: "aligned targets",
			areas: []Area{
				{Begin: 0, Length: 16, LogicalBlockSize: 4096},
				{Begin: 16, Length: 24, LogicalBlockSize: 4096},
			},
			ok: true,
		},
		{
			name: "short first target",
			areas: []Area{
				{Begin: 0, Length: 5, LogicalBlockSize: 512},
				{Begin: 5, Length: 24, LogicalBlockSize: 4096},
			},
		},
		{
			name: "owed sectors land on small block target",
			areas: []Area{
				{Begin: 0, Length: 5, LogicalBlockSize: 512},
				{Begin: 5, Length: 3, LogicalBlockSize: 512},
				{Begin: 8, Length: 8, LogicalBlockSize: 4096},
			},
			ok: true,
		},
		{
			name: "trailing remainder",
			areas: []Area{
				{Begin: 0, Length: 8, LogicalBlockSize: 4096},
				{Begin: 8, Length: 4, LogicalBlockSize: 512},
			},
		},
		{
			name: "empty",
			ok:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateBoundaries(4096, tc.areas)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrAlignment)
			}
		})
	}
}
