// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/asch/dmtab/internal/dmtab/limits"
)

// MemoryMajor is the major of devices created by MemoryBackend.
const MemoryMajor = 242

var errClosed = errors.New("device closed")

// MemoryDevice describes a device served from memory.
type MemoryDevice struct {
	// Size in sectors.
	Sectors uint64

	Limits    limits.Limits
	Profile   *Profile
	Stackable bool
	Discard   bool
	Congested bool

	// Modes the device refuses to be opened with.
	DenyModes Mode
}

// MemoryBackend serves devices from memory. Useful mostly for testing, since
// it counts how many times each device is opened.
type MemoryBackend struct {
	mu      sync.Mutex
	paths   map[string]ID
	devices map[ID]*memoryDevice
}

type memoryDevice struct {
	MemoryDevice

	dataLock sync.RWMutex
	data     []byte

	opened int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		paths:   make(map[string]ID),
		devices: make(map[ID]*memoryDevice),
	}
}

// Add creates a new device reachable by path and returns its identity. Zero
// limits mean defaults.
func (m *MemoryBackend) Add(path string, d MemoryDevice) ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Limits == (limits.Limits{}) {
		d.Limits = limits.Default()
	}

	id := ID{Major: MemoryMajor, Minor: uint32(len(m.devices))}
	m.paths[path] = id
	m.devices[id] = &memoryDevice{
		MemoryDevice: d,
		data:         make([]byte, d.Sectors*limits.SectorSize),
	}

	return id
}

// Alias makes an existing device reachable by another path.
func (m *MemoryBackend) Alias(path string, id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paths[path] = id
}

// Opened returns how many resources of the device id are open right now.
func (m *MemoryBackend) Opened(id ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[id]; ok {
		return d.opened
	}

	return 0
}

// SetCongested changes the congestion state of the device id.
func (m *MemoryBackend) SetCongested(id ID, congested bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices[id].Congested = congested
}

func (m *MemoryBackend) Resolve(path string) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.paths[path]
	if !ok {
		return ID{}, fmt.Errorf("no such device %q", path)
	}

	return id, nil
}

func (m *MemoryBackend) Open(id ID, mode Mode) (Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("no such device %s", id)
	}

	if mode&d.DenyModes != 0 {
		return nil, fmt.Errorf("device %s cannot be opened with mode %s", id, mode)
	}

	d.opened++

	return &memoryResource{backend: m, device: d, mode: mode}, nil
}

type memoryResource struct {
	backend *MemoryBackend
	device  *memoryDevice
	mode    Mode

	closeOnce sync.Once
	closed    bool
}

func (r *memoryResource) Size() uint64 {
	return r.device.Sectors
}

func (r *memoryResource) Limits() limits.Limits {
	return r.device.Limits
}

func (r *memoryResource) IntegrityProfile() *Profile {
	return r.device.Profile
}

func (r *memoryResource) Stackable() bool {
	return r.device.Stackable
}

func (r *memoryResource) DiscardSupported() bool {
	return r.device.Discard
}

func (r *memoryResource) Congested(bits int) bool {
	r.backend.mu.Lock()
	defer r.backend.mu.Unlock()

	return r.device.Congested
}

func (r *memoryResource) ReadAt(p []byte, off int64) (int, error) {
	r.device.dataLock.RLock()
	defer r.device.dataLock.RUnlock()

	if r.isClosed() {
		return 0, errClosed
	}

	if off >= int64(len(r.device.data)) {
		return 0, io.EOF
	}

	n := copy(p, r.device.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (r *memoryResource) WriteAt(p []byte, off int64) (int, error) {
	r.device.dataLock.Lock()
	defer r.device.dataLock.Unlock()

	if r.isClosed() {
		return 0, errClosed
	}

	if r.mode&Write == 0 {
		return 0, fmt.Errorf("device opened with mode %s", r.mode)
	}

	if off+int64(len(p)) > int64(len(r.device.data)) {
		return 0, io.ErrShortWrite
	}

	return copy(r.device.data[off:], p), nil
}

func (r *memoryResource) isClosed() bool {
	r.backend.mu.Lock()
	defer r.backend.mu.Unlock()

	return r.closed
}

func (r *memoryResource) Close() error {
	r.closeOnce.Do(func() {
		r.backend.mu.Lock()
		defer r.backend.mu.Unlock()

		r.closed = true
		r.device.opened--
	})

	return nil
}
