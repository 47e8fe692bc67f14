// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package table implements the mapping table. The table splits a linear
// sector address space into a contiguous run of targets, each delegating its
// range to a target type, and finds the target of any sector in logarithmic
// time.
//
// A table is built by a single owner: New, AddTarget for every target in
// order, Complete. Completed table is immutable and can be shared by any
// number of goroutines which announce themselves by Acquire and Release.
// Destroy waits until all of them are gone.
package table

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/asch/dmtab/internal/dmtab/device"
	"github.com/asch/dmtab/internal/dmtab/index"
	"github.com/asch/dmtab/internal/dmtab/limits"
)

const (
	// Upper bound of targets in one table.
	MaxTargets = 1 << 28
)

// Type is the execution type of a table, inferred from its targets.
type Type int32

const (
	Unset Type = iota
	BioBased
	RequestBased
)

func (t Type) String() string {
	switch t {
	case BioBased:
		return "bio-based"
	case RequestBased:
		return "request-based"
	}

	return "unset"
}

// State of the table lifecycle.
type State int32

const (
	Building State = iota
	Completing
	Ready
	Failed
	Draining
	Destroyed
)

func (s State) String() string {
	return [...]string{"building", "completing", "ready", "failed", "draining", "destroyed"}[s]
}

// Options to use in New() function.
type Options struct {
	// Name used in log messages.
	Name string

	// Expected number of targets. The table grows beyond it if needed.
	Capacity int

	// Mode the devices of the table are opened with.
	Mode device.Mode

	// Allocator of I/O pools. MemoryAllocator if nil.
	Allocator PoolAllocator
}

type Table struct {
	name  string
	mode  device.Mode
	state atomic.Int32

	types   *Registry
	devices *device.Registry

	// Targets and keys of the leaf level of the index. highs has always
	// the length of the allocated capacity and unused keys are
	// index.MaxSector.
	targets []*Target
	highs   []uint64
	index   *index.Index

	typ       Type
	limits    limits.Limits
	integrity *device.Profile

	// Snapshot of the devices taken when the table is completed.
	handles []*device.Handle

	allocator PoolAllocator
	pool      *Pool

	holders atomic.Int64
	drainMu sync.Mutex
	drained *sync.Cond

	eventMu  sync.Mutex
	eventFn  func(ctx any)
	eventCtx any
}

// New returns an empty table in the Building state. Target types are looked
// up in types and devices are reached through backend.
func New(types *Registry, backend device.Backend, o Options) (*Table, error) {
	capacity := roundUp(max(o.Capacity, 1), index.KeysPerNode)
	if capacity > MaxTargets {
		return nil, fmt.Errorf("%w: cannot allocate %d targets", ErrOutOfMemory, o.Capacity)
	}

	if o.Mode == 0 {
		o.Mode = device.ReadWrite
	}

	if o.Allocator == nil {
		o.Allocator = MemoryAllocator{}
	}

	t := &Table{
		name:      o.Name,
		mode:      o.Mode,
		types:     types,
		devices:   device.NewRegistry(backend),
		allocator: o.Allocator,
	}
	t.drained = sync.NewCond(&t.drainMu)
	t.allocTargets(capacity)

	tablesByState.WithLabelValues(Building.String()).Inc()

	return t, nil
}

// Grows the target and highs arrays to capacity.
func (t *Table) allocTargets(capacity int) {
	targets := make([]*Target, len(t.targets), capacity)
	copy(targets, t.targets)

	highs := make([]uint64, capacity)
	copy(highs, t.highs[:len(t.targets)])
	for i := len(t.targets); i < capacity; i++ {
		highs[i] = index.MaxSector
	}

	t.targets = targets
	t.highs = highs
}

// Doubles the capacity of the arrays when they are full.
func (t *Table) grow() error {
	if len(t.targets) < cap(t.targets) {
		return nil
	}

	if cap(t.targets) >= MaxTargets {
		return fmt.Errorf("%w: table is limited to %d targets", ErrOutOfMemory, MaxTargets)
	}

	t.allocTargets(min(cap(t.targets)*2, MaxTargets))

	return nil
}

// AddTarget appends a target of type typeName covering length sectors from
// begin. The target has to start where the previous one ends. params are
// split into arguments on white space, backslash escapes the next character.
func (t *Table) AddTarget(begin, length uint64, typeName, params string) error {
	if s := t.State(); s != Building {
		return fmt.Errorf("%w: cannot add target to %s table", ErrBadState, s)
	}

	if length == 0 {
		log.Error().Str("table", t.name).Str("type", typeName).Msg("Zero-length target.")
		return fmt.Errorf("%w: zero-length target", ErrInvalidArgument)
	}

	if begin != t.Size() {
		log.Error().Str("table", t.name).Uint64("start", begin).Uint64("end", t.Size()).Msg("Gap in table.")
		return fmt.Errorf("%w: target starts at %d, previous ends at %d", ErrGap, begin, t.Size())
	}

	if begin+length < begin {
		return fmt.Errorf("%w: target end overflows", ErrInvalidArgument)
	}

	tt, err := t.types.Get(typeName)
	if err != nil {
		log.Error().Str("table", t.name).Str("type", typeName).Msg("Unknown target type.")
		return err
	}

	if err := t.grow(); err != nil {
		t.types.Put(tt)
		return err
	}

	tgt := &Target{
		Begin: begin,
		Len:   length,
		Type:  tt,
		table: t,
	}

	if err := tt.Construct(tgt, splitArgs(params)); err != nil {
		t.types.Put(tt)

		msg := tgt.Error
		if msg == "" {
			msg = err.Error()
		}

		log.Error().Str("table", t.name).Str("type", typeName).Err(err).Msg(msg)

		return &ConstructorError{Type: typeName, Msg: msg, cause: err}
	}

	t.highs[len(t.targets)] = tgt.End() - 1
	t.targets = append(t.targets, tgt)

	return nil
}

// Complete validates the targets, builds the index and makes the table Ready.
// On failure the table is unusable and has to be destroyed.
func (t *Table) Complete() error {
	if s := t.State(); s != Building {
		return fmt.Errorf("%w: cannot complete %s table", ErrBadState, s)
	}

	t.setState(Completing)

	if err := t.complete(); err != nil {
		completeFailures.Inc()
		log.Error().Str("table", t.name).Err(err).Msg("Table completion failed.")
		t.setState(Failed)
		return err
	}

	t.setState(Ready)

	return nil
}

func (t *Table) complete() error {
	t.handles = t.devices.Handles()

	if err := t.setType(); err != nil {
		return err
	}

	l, err := t.CalculateLimits()
	if err != nil {
		return err
	}
	t.limits = l

	t.index = index.Build(t.highs, len(t.targets))

	t.setIntegrity()

	if t.typ == Unset {
		return nil
	}

	return t.AllocPools()
}

// Infers the table type. Bio based targets make bio based table. Request
// based table is possible only with one target over stackable devices.
func (t *Table) setType() error {
	bio, rq := false, false

	for _, ti := range t.targets {
		if isRequestBased(ti.Type) {
			rq = true
		} else {
			bio = true
		}

		if bio && rq {
			return fmt.Errorf("%w: different target types can't be mixed up", ErrInconsistent)
		}
	}

	if bio {
		t.typ = BioBased
		return nil
	}

	if !rq {
		t.typ = Unset
		return nil
	}

	for _, h := range t.handles {
		s, ok := h.Resource().(device.Stacker)
		if !ok || !s.Stackable() {
			return fmt.Errorf("%w: table load rejected: including non-request-stackable device %s", ErrInconsistent, h.Name)
		}
	}

	if len(t.targets) > 1 {
		return fmt.Errorf("%w: request-based table doesn't support multiple targets", ErrInconsistent)
	}

	t.typ = RequestBased

	return nil
}

// Propagates integrity profile of the devices if all of them share the same
// one.
func (t *Table) setIntegrity() {
	t.integrity = nil

	var profile *device.Profile
	advertised := false

	for i, h := range t.handles {
		var p *device.Profile
		if ip, ok := h.Resource().(device.IntegrityProfiler); ok {
			p = ip.IntegrityProfile()
		}

		advertised = advertised || p != nil

		if i == 0 {
			profile = p
			continue
		}

		if !sameProfile(profile, p) {
			if advertised {
				log.Warn().Str("table", t.name).Str("device", h.Name).Msg("Device integrity profile mismatch, integrity not propagated.")
			}
			return
		}
	}

	t.integrity = profile
}

func sameProfile(a, b *device.Profile) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// Lookup returns the index of the target owning sector. For sectors beyond
// Size() it returns NumTargets().
// Before Complete and after Destroy there is no index and every sector is
// beyond the table.
func (t *Table) Lookup(sector uint64) int {
	if t.index == nil {
		return len(t.targets)
	}

	return t.index.Lookup(sector)
}

// TargetFor returns the target owning sector, nil for sectors beyond Size().
func (t *Table) TargetFor(sector uint64) *Target {
	i := t.Lookup(sector)
	if i >= len(t.targets) {
		return nil
	}

	return t.targets[i]
}

// Target returns target number i.
func (t *Table) Target(i int) (*Target, bool) {
	if i < 0 || i >= len(t.targets) {
		return nil, false
	}

	return t.targets[i], true
}

func (t *Table) NumTargets() int {
	return len(t.targets)
}

// Size returns the number of sectors mapped by the table.
func (t *Table) Size() uint64 {
	if len(t.targets) == 0 {
		return 0
	}

	return t.targets[len(t.targets)-1].End()
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Mode() device.Mode {
	return t.mode
}

func (t *Table) Type() Type {
	return t.typ
}

func (t *Table) IsRequestBased() bool {
	return t.typ == RequestBased
}

// Limits returns the limits calculated by Complete.
func (t *Table) Limits() limits.Limits {
	return t.limits
}

// Integrity returns the integrity profile shared by all devices, if any.
func (t *Table) Integrity() *device.Profile {
	return t.integrity
}

// Devices returns devices used by the table. Valid after Complete.
func (t *Table) Devices() []*device.Handle {
	return t.handles
}

// Depth returns the depth of the lookup index, 0 if there is none.
func (t *Table) Depth() int {
	if t.index == nil {
		return 0
	}

	return t.index.Depth()
}

func (t *Table) State() State {
	return State(t.state.Load())
}

func (t *Table) setState(s State) {
	old := State(t.state.Swap(int32(s)))
	tablesByState.WithLabelValues(old.String()).Dec()
	if s != Destroyed {
		tablesByState.WithLabelValues(s.String()).Inc()
	}
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}
