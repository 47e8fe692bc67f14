// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package mapper exposes a Ready table as a BUSE block device. It implements
// BuseReadWriter interface of the buse library and dispatches every request
// to the targets of the table.
package mapper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/dmtab/internal/dmtab/limits"
	"github.com/asch/dmtab/internal/dmtab/table"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	writeItemSize = 32
)

var (
	ErrNotReady   = errors.New("table is not ready")
	ErrOutOfRange = errors.New("request beyond the end of the table")
	ErrNoData     = errors.New("target does not serve data")
	ErrBlockSize  = errors.New("invalid block size")
)

// Options to use in New() function.
type Options struct {
	// Block size of the BUSE device in bytes.
	BlockSize int

	// Size of the write chunk in bytes. Determines the size of the
	// metadata area at the beginning of every chunk.
	ChunkSize int
}

// Queue collects restrictions of the table for the BUSE device.
type Queue struct {
	Limits       limits.Limits
	Discard      bool
	RequestBased bool
}

func (q *Queue) SetLimits(l limits.Limits) { q.Limits = l }
func (q *Queue) SetDiscard(enabled bool) { q.Discard = enabled }
func (q *Queue) SetRequestBased(enabled bool) { q.RequestBased = enabled }

// Mapper implements BuseReadWriter over a table. It holds the table from New
// until the device is removed or Close is called.
type Mapper struct {
	table *table.Table
	queue Queue

	// Block size in sectors.
	blockSectors uint64

	// Size of the object portion which contains all writes metadata in the
	// chunk from the kernel. After this metadata_size offset real data are
	// stored.
	metadataSize int

	closeOnce sync.Once
}

// New creates mapper for the Ready table t.
func New(t *table.Table, o Options) (*Mapper, error) {
	if s := t.State(); s != table.Ready {
		return nil, fmt.Errorf("%w: table %s is %s", ErrNotReady, t.Name(), s)
	}

	if o.BlockSize < limits.SectorSize || o.BlockSize%limits.SectorSize != 0 {
		return nil, fmt.Errorf("%w: %d is not a multiple of sector size", ErrBlockSize, o.BlockSize)
	}

	m := &Mapper{
		table:        t,
		blockSectors: uint64(o.BlockSize >> limits.SectorShift),
		metadataSize: o.ChunkSize / o.BlockSize * writeItemSize,
	}

	t.SetRestrictions(&m.queue)

	if lbs := int(m.queue.Limits.LogicalBlockSize); o.BlockSize < lbs {
		return nil, fmt.Errorf("%w: %d is smaller than logical block size %d of the table", ErrBlockSize, o.BlockSize, lbs)
	}

	if t.Size()%m.blockSectors != 0 {
		log.Warn().Str("table", t.Name()).Uint64("sectors", t.Size()).Int("block_size", o.BlockSize).
			Msg("Table size not multiple of block size, tail is not accessible.")
	}

	t.Acquire()

	return m, nil
}

// Queue returns the restrictions of the table.
func (m *Mapper) Queue() Queue {
	return m.queue
}

// Blocks returns the size of the device in blocks.
func (m *Mapper) Blocks() uint64 {
	return m.table.Size() / m.blockSectors
}

// Close releases the table. It is called by BusePostRemove but can be called
// directly if the device never ran.
func (m *Mapper) Close() {
	m.closeOnce.Do(m.table.Release)
}

// Handle writes comming from the buse library. writes contain number write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadataSize and the rest are data of all writes in the same order.
//
// Writes are applied in order, later writes to the same sectors win.
func (m *Mapper) BuseWrite(writes int64, chunk []byte) error {
	m.table.Acquire()
	defer m.table.Release()

	metadata := chunk[:m.metadataSize]
	data := chunk[m.metadataSize:]

	for i := int64(0); i < writes; i++ {
		w := parseWrite(metadata[:writeItemSize])
		metadata = metadata[writeItemSize:]

		size := w.length << limits.SectorShift
		if uint64(len(data)) < size {
			return fmt.Errorf("write %d of %d sectors does not fit the chunk", i, w.length)
		}

		if err := m.mapIO(w.sector, data[:size], true); err != nil {
			log.Error().Err(err).Uint64("sector", w.sector).Uint64("len", w.length).Uint64("seqno", w.seqNo).Msg("Write failed.")
			return err
		}

		data = data[size:]
	}

	return nil
}

// Read extent starting at block with length blocks to the buffer chunk.
func (m *Mapper) BuseRead(block, length int64, chunk []byte) error {
	m.table.Acquire()
	defer m.table.Release()

	sector := uint64(block) * m.blockSectors
	size := uint64(length) * m.blockSectors << limits.SectorShift

	if err := m.mapIO(sector, chunk[:size], false); err != nil {
		log.Error().Err(err).Uint64("sector", sector).Uint64("len", size>>limits.SectorShift).Msg("Read failed.")
		return err
	}

	return nil
}

// Before buse library starts communicating with the kernel all targets are
// resumed.
func (m *Mapper) BusePreRun() {
	if err := m.table.ResumeTargets(); err != nil {
		log.Error().Err(err).Str("table", m.table.Name()).Msg("Cannot resume table.")
	}
}

// After disconnecting from the kernel module the targets are suspended and
// the table released, so it can be destroyed.
func (m *Mapper) BusePostRemove() {
	m.table.PresuspendTargets()
	m.table.PostsuspendTargets()
	m.Close()
}

// Splits data starting at sector into pieces not crossing target boundaries
// and runs them concurrently.
func (m *Mapper) mapIO(sector uint64, data []byte, write bool) error {
	sectors := uint64(len(data)) >> limits.SectorShift
	if sector+sectors > m.table.Size() || sector+sectors < sector {
		return fmt.Errorf("%w: sector=%d len=%d size=%d", ErrOutOfRange, sector, sectors, m.table.Size())
	}

	op := "read"
	if write {
		op = "write"
	}
	requests.WithLabelValues(op).Inc()

	pool := m.table.Pool()

	var g errgroup.Group
	pieces := 0

	for len(data) > 0 {
		ti := m.table.TargetFor(sector)
		if ti == nil {
			return fmt.Errorf("%w: sector=%d", ErrOutOfRange, sector)
		}

		n := min(ti.End()-sector, uint64(len(data))>>limits.SectorShift)
		if ti.SplitIO != 0 {
			split := uint64(ti.SplitIO)
			n = min(n, split-(sector-ti.Begin)%split)
		}

		io := pool.Get()
		io.Target = ti
		io.Sector = sector
		io.Data = data[:n<<limits.SectorShift]
		io.Write = write

		g.Go(func() error {
			defer pool.Put(io)
			return m.do(io)
		})

		pieces++
		sector += n
		data = data[n<<limits.SectorShift:]
	}

	piecesPerRequest.Observe(float64(pieces))

	if err := g.Wait(); err != nil {
		requestErrors.WithLabelValues(op).Inc()
		m.table.FireEvent()
		return err
	}

	return nil
}

func (m *Mapper) do(io *table.IO) error {
	ioer, ok := io.Target.Type.(table.IOer)
	if !ok {
		return fmt.Errorf("%w: %s at %d", ErrNoData, io.Target.Type.Name(), io.Target.Begin)
	}

	if io.Write {
		return ioer.WriteAt(io.Target, io.Data, io.Offset())
	}

	return ioer.ReadAt(io.Target, io.Data, io.Offset())
}

type write struct {
	sector uint64
	length uint64
	seqNo  uint64
	flag   uint64
}

// Parses write information from 32 bytes of raw memory. Sector and length
// are in 512 byte units.
func parseWrite(b []byte) write {
	return write{
		sector: binary.LittleEndian.Uint64(b[:8]),
		length: binary.LittleEndian.Uint64(b[8:16]),
		seqNo:  binary.LittleEndian.Uint64(b[16:24]),
		flag:   binary.LittleEndian.Uint64(b[24:32]),
	}
}
