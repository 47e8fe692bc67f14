// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package table

import (
	"github.com/asch/dmtab/internal/dmtab/device"
	"github.com/asch/dmtab/internal/dmtab/limits"
)

// Target is a contiguous range of sectors of the table delegated to one
// target type.
type Target struct {
	// First sector of the target in the table address space.
	Begin uint64

	// Length in sectors. Never zero.
	Len uint64

	Type TargetType

	// Private data of the target type, usually set by the constructor.
	Private any

	// Last diagnostic of the target type.
	Error string

	// Number of flush and discard requests the target wants to receive.
	// Set by the constructor. Zero discard requests means the target does
	// not support discards at all.
	NumFlushRequests   uint
	NumDiscardRequests uint

	// If non-zero, I/O is split so no piece crosses a multiple of SplitIO
	// sectors within the target.
	SplitIO uint32

	table *Table
}

// End returns the first sector after the target.
func (t *Target) End() uint64 {
	return t.Begin + t.Len
}

// Table returns the table the target belongs to.
func (t *Target) Table() *Table {
	return t.table
}

// GetDevice opens device path through the table device registry. Devices are
// shared with other targets of the same table.
func (t *Target) GetDevice(path string, mode device.Mode) (*device.Handle, error) {
	return t.table.devices.Get(path, mode)
}

// PutDevice releases a device obtained by GetDevice.
func (t *Target) PutDevice(h *device.Handle) error {
	return t.table.devices.Put(h)
}

// TargetType is the implementation behind targets. Only Name, Construct and
// Destroy are mandatory, everything else is discovered through the optional
// interfaces below.
type TargetType interface {
	Name() string

	// Construct initializes the target from its arguments. On failure it
	// should describe the problem in t.Error.
	Construct(t *Target, args []string) error

	// Destroy releases everything Construct acquired, including devices.
	Destroy(t *Target)
}

// IterateFn is called for every device used by a target, with the area of
// the device the target uses. Start and length are in sectors.
type IterateFn func(dev *device.Handle, start, length uint64) error

type DeviceIterator interface {
	IterateDevices(t *Target, fn IterateFn) error
}

type Presuspender interface {
	Presuspend(t *Target)
}

type Postsuspender interface {
	Postsuspend(t *Target)
}

type Preresumer interface {
	Preresume(t *Target) error
}

type Resumer interface {
	Resume(t *Target)
}

type BusyChecker interface {
	Busy(t *Target) bool
}

// Merger is implemented by target types which consult merge functions of
// their devices.
type Merger interface {
	HasMergeFn() bool
}

// IOHinter may adjust the limits calculated from the devices of the target.
type IOHinter interface {
	IOHints(t *Target, l *limits.Limits)
}

// RequestMapper marks target types mapping whole requests instead of bios.
type RequestMapper interface {
	RequestBased() bool
}

// IOer is implemented by target types which serve data. Offset is in sectors
// relative to the beginning of the target.
type IOer interface {
	ReadAt(t *Target, p []byte, offset uint64) error
	WriteAt(t *Target, p []byte, offset uint64) error
}

func isRequestBased(tt TargetType) bool {
	rb, ok := tt.(RequestMapper)
	return ok && rb.RequestBased()
}

func hasMergeFn(tt TargetType) bool {
	m, ok := tt.(Merger)
	return ok && m.HasMergeFn()
}
