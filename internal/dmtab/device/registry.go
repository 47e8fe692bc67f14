// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Handle is a reference counted opened device shared by all targets using it.
type Handle struct {
	// Canonical name, i.e. "major:minor".
	Name string
	ID   ID

	// Opened resource together with the mode it was opened with. Both are
	// replaced at once during mode upgrade.
	state atomic.Pointer[opened]

	// Guarded by the registry lock.
	refs int
}

type opened struct {
	mode     Mode
	resource Resource
}

// Resource returns the opened resource. It is never nil for a handle
// obtained from Registry.Get until the handle is released.
func (h *Handle) Resource() Resource {
	return h.state.Load().resource
}

// Mode returns the mode the device is currently opened with.
func (h *Handle) Mode() Mode {
	return h.state.Load().mode
}

func (h *Handle) String() string {
	return h.Name
}

// Registry tracks opened devices by their identity.
type Registry struct {
	backend Backend

	mu      sync.Mutex
	devices map[ID]*Handle
}

func NewRegistry(backend Backend) *Registry {
	return &Registry{
		backend: backend,
		devices: make(map[ID]*Handle),
	}
}

// Get returns a handle for the device named by path, either "major:minor" or
// anything the backend can resolve. Already tracked devices are shared and
// upgraded if they were opened with insufficient mode.
func (r *Registry) Get(path string, mode Mode) (*Handle, error) {
	id, ok := ParseID(path)
	if !ok {
		var err error
		id, err = r.backend.Resolve(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBadDevice, path, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.devices[id]
	if !ok {
		resource, err := r.backend.Open(id, mode)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%s): %w", ErrDeviceOpen, path, id, err)
		}

		h = &Handle{Name: id.String(), ID: id}
		h.state.Store(&opened{mode: mode, resource: resource})
		r.devices[id] = h
		openDevices.Inc()
	} else if !h.Mode().Satisfies(mode) {
		if err := r.upgrade(h, mode); err != nil {
			return nil, fmt.Errorf("%w: %s (%s): %w", ErrDeviceOpen, path, id, err)
		}
	}

	h.refs++

	return h, nil
}

// Reopens the device with the union of the current and requested mode. The
// new resource is opened first so the handle always refers to an opened
// resource. On failure the handle keeps the old one.
func (r *Registry) upgrade(h *Handle, mode Mode) error {
	old := h.state.Load()
	newMode := old.mode | mode

	resource, err := r.backend.Open(h.ID, newMode)
	if err != nil {
		return err
	}

	h.state.Store(&opened{mode: newMode, resource: resource})
	modeUpgrades.Inc()

	if err := old.resource.Close(); err != nil {
		log.Warn().Err(err).Str("device", h.Name).Msg("Closing device after mode upgrade failed.")
	}

	log.Debug().Str("device", h.Name).Str("from", old.mode.String()).Str("to", newMode.String()).Msg("Device mode upgraded.")

	return nil
}

// Put drops one reference of the handle. The last reference closes the
// device.
func (r *Registry) Put(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.devices[h.ID] != h {
		return fmt.Errorf("%w: %s", ErrNotTracked, h.Name)
	}

	h.refs--
	if h.refs > 0 {
		return nil
	}

	delete(r.devices, h.ID)
	openDevices.Dec()

	return h.Resource().Close()
}

// Lookup returns tracked handle of the device id.
func (r *Registry) Lookup(id ID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.devices[id]

	return h, ok
}

// Refs returns the number of references of the device id.
func (r *Registry) Refs(id ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.devices[id]; ok {
		return h.refs
	}

	return 0
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.devices)
}

// Handles returns all tracked handles ordered by identity.
func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]*Handle, 0, len(r.devices))
	for _, h := range r.devices {
		handles = append(handles, h)
	}

	sort.Slice(handles, func(i, j int) bool {
		a, b := handles[i].ID, handles[j].ID
		if a.Major != b.Major {
			return a.Major < b.Major
		}
		return a.Minor < b.Minor
	})

	return handles
}

// Close closes all devices still tracked, no matter their references, and
// returns their names. Every name returned is a reference somebody forgot to
// put.
func (r *Registry) Close() []string {
	handles := r.Handles()

	r.mu.Lock()
	defer r.mu.Unlock()

	leaked := make([]string, 0, len(handles))
	for _, h := range handles {
		leaked = append(leaked, h.Name)
		delete(r.devices, h.ID)
		openDevices.Dec()

		if err := h.Resource().Close(); err != nil {
			log.Warn().Err(err).Str("device", h.Name).Msg("Closing leaked device failed.")
		}
	}

	return leaked
}
