// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package table

import (
	"fmt"
)

const (
	// Number of I/O records kept in reserve by pools of bio based tables.
	// Bio based tables split every request into pieces, hence many more
	// of them are in flight.
	bioBasedReserve = 256

	requestBasedReserve = 16
)

// IO is one piece of a request mapped to exactly one target.
type IO struct {
	Target *Target

	// Absolute sector in the table.
	Sector uint64

	Data  []byte
	Write bool
}

// Offset returns the sector of the piece relative to its target.
func (io *IO) Offset() uint64 {
	return io.Sector - io.Target.Begin
}

// Pool recycles I/O records. It keeps up to a reserve of free records, sized
// by the type of the table.
type Pool struct {
	typ  Type
	free chan *IO
}

func NewPool(typ Type) *Pool {
	reserve := bioBasedReserve
	if typ == RequestBased {
		reserve = requestBasedReserve
	}

	p := &Pool{
		typ:  typ,
		free: make(chan *IO, reserve),
	}

	for i := 0; i < reserve; i++ {
		p.free <- new(IO)
	}

	return p
}

func (p *Pool) Type() Type {
	return p.typ
}

// Reserve returns the number of free records held by the pool.
func (p *Pool) Reserve() int {
	return len(p.free)
}

func (p *Pool) Get() *IO {
	select {
	case io := <-p.free:
		return io
	default:
		return new(IO)
	}
}

func (p *Pool) Put(io *IO) {
	*io = IO{}

	select {
	case p.free <- io:
	default:
	}
}

// PoolAllocator allocates I/O pools for completed tables.
type PoolAllocator interface {
	Allocate(typ Type) (*Pool, error)
	Free(p *Pool)
}

// MemoryAllocator allocates pools in memory with the reserve prefilled.
type MemoryAllocator struct{}

func (MemoryAllocator) Allocate(typ Type) (*Pool, error) {
	if typ == Unset {
		return nil, fmt.Errorf("%w: no table type is set", ErrConfigurationIncomplete)
	}

	return NewPool(typ), nil
}

func (MemoryAllocator) Free(p *Pool) {
	for {
		select {
		case <-p.free:
		default:
			return
		}
	}
}

// AllocPools allocates the I/O pool of the table. Tables without type cannot
// have one.
func (t *Table) AllocPools() error {
	if t.typ == Unset {
		return fmt.Errorf("%w: no table type is set", ErrConfigurationIncomplete)
	}

	if t.pool != nil {
		return nil
	}

	p, err := t.allocator.Allocate(t.typ)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}

	t.pool = p

	return nil
}

// Pool returns the I/O pool, nil until AllocPools succeeds.
func (t *Table) Pool() *Pool {
	return t.pool
}
