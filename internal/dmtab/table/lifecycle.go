// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package table

import (
	"github.com/rs/zerolog/log"
)

// Acquire announces a new user of the table.
func (t *Table) Acquire() {
	t.holders.Add(1)
	heldTables.Inc()
}

// Release drops a user announced by Acquire.
func (t *Table) Release() {
	heldTables.Dec()

	if t.holders.Add(-1) == 0 {
		t.drainMu.Lock()
		t.drained.Broadcast()
		t.drainMu.Unlock()
	}
}

// Holders returns the number of current users.
func (t *Table) Holders() int64 {
	return t.holders.Load()
}

// Destroy waits until all users released the table, then destroys all
// targets and closes all devices. There is no timeout, a leaked holder
// blocks forever. Only the owner of the table may call it and never
// concurrently with Acquire.
func (t *Table) Destroy() {
	if t.State() == Destroyed {
		return
	}

	t.drainMu.Lock()
	if t.holders.Load() > 0 {
		log.Debug().Str("table", t.name).Int64("holders", t.holders.Load()).Msg("Waiting for table holders.")
		t.setState(Draining)
	}
	for t.holders.Load() > 0 {
		t.drained.Wait()
	}
	t.drainMu.Unlock()

	for _, ti := range t.targets {
		ti.Type.Destroy(ti)
		t.types.Put(ti.Type)
	}

	for _, name := range t.devices.Close() {
		log.Warn().Str("table", t.name).Str("device", name).Msg("Put device call missing.")
	}

	if t.pool != nil {
		t.allocator.Free(t.pool)
		t.pool = nil
	}

	t.targets = nil
	t.highs = nil
	t.index = nil
	t.handles = nil

	t.setState(Destroyed)
}

// EventCallback sets function called by FireEvent. Replaces the previous
// one.
func (t *Table) EventCallback(fn func(ctx any), ctx any) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()

	t.eventFn = fn
	t.eventCtx = ctx
}

// FireEvent calls the registered event callback, if any.
func (t *Table) FireEvent() {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()

	if t.eventFn != nil {
		t.eventFn(t.eventCtx)
	}
}

// PresuspendTargets calls presuspend hook of every target in table order.
func (t *Table) PresuspendTargets() {
	for _, ti := range t.targets {
		if p, ok := ti.Type.(Presuspender); ok {
			p.Presuspend(ti)
		}
	}
}

// PostsuspendTargets calls postsuspend hook of every target in table order.
func (t *Table) PostsuspendTargets() {
	for _, ti := range t.targets {
		if p, ok := ti.Type.(Postsuspender); ok {
			p.Postsuspend(ti)
		}
	}
}

// ResumeTargets calls preresume of all targets and when all of them succeed,
// resume of all targets. The first preresume failure is returned and no
// target is resumed.
func (t *Table) ResumeTargets() error {
	for _, ti := range t.targets {
		p, ok := ti.Type.(Preresumer)
		if !ok {
			continue
		}

		if err := p.Preresume(ti); err != nil {
			log.Error().Str("table", t.name).Str("type", ti.Type.Name()).Uint64("start", ti.Begin).Err(err).Msg("Preresume failed.")
			return err
		}
	}

	for _, ti := range t.targets {
		if r, ok := ti.Type.(Resumer); ok {
			r.Resume(ti)
		}
	}

	return nil
}
