// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package device keeps track of backing devices used by the targets of a
// table. Devices are identified by their canonical identity, not by the path
// used to name them, and every device is opened only once no matter how many
// targets use it.
//
// The package does not know how to open anything. This is the job of a
// Backend, which resolves paths into identities and opens them. Backends for
// local files and block devices and for memory are provided here, the object
// store backend lives in its own package.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/asch/dmtab/internal/dmtab/limits"
)

var (
	ErrDeviceOpen = errors.New("cannot open device")
	ErrBadDevice  = errors.New("bad device")
	ErrNotTracked = errors.New("device not tracked")
)

// Mode is the set of capabilities a device is opened with.
type Mode uint8

const (
	Read Mode = 1 << iota
	Write

	ReadWrite = Read | Write
)

// ParseMode parses "r", "w" or "rw".
func ParseMode(s string) (Mode, error) {
	var m Mode
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			m |= Read
		case 'w':
			m |= Write
		default:
			return 0, fmt.Errorf("invalid mode %q", s)
		}
	}

	if m == 0 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}

	return m, nil
}

// Satisfies returns true if a device opened with m can serve requests
// needing req.
func (m Mode) Satisfies(req Mode) bool {
	return m|req == m
}

func (m Mode) String() string {
	var b strings.Builder
	if m&Read != 0 {
		b.WriteByte('r')
	}
	if m&Write != 0 {
		b.WriteByte('w')
	}

	return b.String()
}

// ID is the canonical identity of a device.
type ID struct {
	Major uint32
	Minor uint32
}

// ParseID parses the "major:minor" notation. The second return value is
// false if s is not in this notation.
func ParseID(s string) (ID, bool) {
	var id ID
	var rest string

	n, _ := fmt.Sscanf(s, "%d:%d%s", &id.Major, &id.Minor, &rest)
	if n != 2 {
		return ID{}, false
	}

	return id, true
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Major, id.Minor)
}

// Profile describes the integrity metadata a device carries with every
// interval of data.
type Profile struct {
	Name            string
	TupleSize       uint16
	IntervalSectors uint16
}

// Resource is one opened device.
type Resource interface {
	// Size of the device in sectors. Zero means the size is unknown.
	Size() uint64

	// Limits of the device queue.
	Limits() limits.Limits

	Close() error
}

// Optional capabilities of a Resource.

type IntegrityProfiler interface {
	IntegrityProfile() *Profile
}

// Stacker is implemented by devices which can be stacked under a request
// based table.
type Stacker interface {
	Stackable() bool
}

type Congester interface {
	Congested(bits int) bool
}

type DiscardCapable interface {
	DiscardSupported() bool
}

// Backend is the backing store layer the registry uses to reach devices.
type Backend interface {
	// Resolves path into the canonical identity of the device.
	Resolve(path string) (ID, error)

	// Opens device with mode. Every call returns a new Resource which has
	// to be closed independently.
	Open(id ID, mode Mode) (Resource, error)
}
