// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package table

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps names to target types. Types referenced by any target cannot
// be unregistered.
type Registry struct {
	mu    sync.Mutex
	types map[string]*registered
}

type registered struct {
	tt    TargetType
	users int
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*registered)}
}

func (r *Registry) Register(tt TargetType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[tt.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrTypeExists, tt.Name())
	}

	r.types[tt.Name()] = &registered{tt: tt}

	return nil
}

func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.types[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, name)
	}

	if t.users > 0 {
		return fmt.Errorf("%w: %s used by %d targets", ErrTypeInUse, name, t.users)
	}

	delete(r.types, name)

	return nil
}

// Get returns the type registered under name and takes a reference to it.
func (r *Registry) Get(name string) (TargetType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}

	t.users++

	return t.tt, nil
}

// Put drops a reference taken by Get.
func (r *Registry) Put(tt TargetType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.types[tt.Name()]; ok && t.users > 0 {
		t.users--
	}
}

// Users returns the number of references to the type name.
func (r *Registry) Users(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.types[name]; ok {
		return t.users
	}

	return 0
}

// Names returns names of all registered types, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}
