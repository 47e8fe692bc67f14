// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	id, ok := ParseID("8:16")
	require.True(t, ok)
	assert.Equal(t, ID{Major: 8, Minor: 16}, id)
	assert.Equal(t, "8:16", id.String())

	for _, s := range []string{"/dev/sda", "8:", "8:16x", "", "a:b"} {
		_, ok := ParseID(s)
		assert.False(t, ok, s)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("rw")
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, m)
	assert.Equal(t, "rw", m.String())

	m, err = ParseMode("r")
	require.NoError(t, err)
	assert.Equal(t, Read, m)

	_, err = ParseMode("x")
	require.Error(t, err)

	_, err = ParseMode("")
	require.Error(t, err)

	assert.True(t, ReadWrite.Satisfies(Read))
	assert.False(t, Read.Satisfies(Write))
}

func TestGetSharesByIdentity(t *testing.T) {
	b := NewMemoryBackend()
	id := b.Add("/dev/a", MemoryDevice{Sectors: 128})
	b.Alias("/dev/disk/by-id/a", id)

	r := NewRegistry(b)

	h1, err := r.Get("/dev/a", Read)
	require.NoError(t, err)

	h2, err := r.Get("/dev/disk/by-id/a", Read)
	require.NoError(t, err)

	h3, err := r.Get(id.String(), Read)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Same(t, h1, h3)
	assert.Equal(t, 3, r.Refs(id))
	assert.Equal(t, 1, b.Opened(id))
	assert.Equal(t, "242:0", h1.Name)
}

func TestGetUnknownDevice(t *testing.T) {
	r := NewRegistry(NewMemoryBackend())

	_, err := r.Get("/dev/missing", Read)
	require.ErrorIs(t, err, ErrBadDevice)

	_, err = r.Get("242:7", Read)
	require.ErrorIs(t, err, ErrDeviceOpen)
	assert.Equal(t, 0, r.Len())
}

func TestRefcountClosure(t *testing.T) {
	b := NewMemoryBackend()
	id := b.Add("/dev/a", MemoryDevice{Sectors: 8})
	r := NewRegistry(b)

	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		var held []*Handle
		gets, puts := 0, 0

		for gets < 10 || len(held) > 0 {
			if gets < 10 && (len(held) == 0 || rng.Intn(2) == 0) {
				mode := Read
				if rng.Intn(3) == 0 {
					mode = ReadWrite
				}
				h, err := r.Get("/dev/a", mode)
				require.NoError(t, err)
				held = append(held, h)
				gets++
				continue
			}

			i := rng.Intn(len(held))
			require.NoError(t, r.Put(held[i]))
			held = append(held[:i], held[i+1:]...)
			puts++
		}

		require.Equal(t, gets, puts)
		_, tracked := r.Lookup(id)
		require.False(t, tracked)
		require.Equal(t, 0, r.Len())
		require.Equal(t, 0, b.Opened(id))
	}
}

func TestPutUntracked(t *testing.T) {
	b := NewMemoryBackend()
	b.Add("/dev/a", MemoryDevice{Sectors: 8})
	r := NewRegistry(b)

	h, err := r.Get("/dev/a", Read)
	require.NoError(t, err)
	require.NoError(t, r.Put(h))
	require.ErrorIs(t, r.Put(h), ErrNotTracked)
}

func TestModeUpgrade(t *testing.T) {
	b := NewMemoryBackend()
	id := b.Add("/dev/a", MemoryDevice{Sectors: 8})
	r := NewRegistry(b)

	ro, err := r.Get("/dev/a", Read)
	require.NoError(t, err)
	before := ro.Resource()

	rw, err := r.Get("/dev/a", Write)
	require.NoError(t, err)

	assert.Same(t, ro, rw)
	assert.Equal(t, ReadWrite, rw.Mode())
	assert.NotSame(t, before, rw.Resource())
	assert.Equal(t, 1, b.Opened(id))
	assert.Equal(t, 2, r.Refs(id))

	// Already sufficient, no reopen.
	after := rw.Resource()
	_, err = r.Get("/dev/a", Read)
	require.NoError(t, err)
	assert.Same(t, after, rw.Resource())
}

func TestModeUpgradeFailureKeepsResource(t *testing.T) {
	b := NewMemoryBackend()
	id := b.Add("/dev/ro", MemoryDevice{Sectors: 8, DenyModes: Write})
	r := NewRegistry(b)

	h, err := r.Get("/dev/ro", Read)
	require.NoError(t, err)
	resource := h.Resource()

	_, err = r.Get("/dev/ro", ReadWrite)
	require.ErrorIs(t, err, ErrDeviceOpen)

	assert.Same(t, resource, h.Resource())
	assert.Equal(t, Read, h.Mode())
	assert.Equal(t, 1, r.Refs(id))
	assert.Equal(t, 1, b.Opened(id))

	buf := make([]byte, 512)
	_, err = h.Resource().(interface {
		ReadAt([]byte, int64) (int, error)
	}).ReadAt(buf, 0)
	require.NoError(t, err)
}

func TestModeUpgradeNeverExposesClosedResource(t *testing.T) {
	b := NewMemoryBackend()
	r := NewRegistry(b)

	var current atomic.Pointer[Handle]
	var stop atomic.Bool
	var failures atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				h := current.Load()
				if h == nil {
					continue
				}
				if h.Resource() == nil || h.Mode() == 0 {
					failures.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		path := fmt.Sprintf("/dev/d%d", i)
		id := b.Add(path, MemoryDevice{Sectors: 8})

		h, err := r.Get(path, Read)
		require.NoError(t, err)
		current.Store(h)

		_, err = r.Get(path, Write)
		require.NoError(t, err)
		require.Equal(t, ReadWrite, h.Mode())
		require.Equal(t, 1, b.Opened(id))
	}

	stop.Store(true)
	wg.Wait()

	assert.Zero(t, failures.Load())
}

func TestRegistryCloseReportsLeaks(t *testing.T) {
	b := NewMemoryBackend()
	a := b.Add("/dev/a", MemoryDevice{Sectors: 8})
	c := b.Add("/dev/c", MemoryDevice{Sectors: 8})
	r := NewRegistry(b)

	_, err := r.Get("/dev/c", Read)
	require.NoError(t, err)
	_, err = r.Get("/dev/a", Read)
	require.NoError(t, err)

	assert.Equal(t, []string{"242:0", "242:1"}, r.Close())
	assert.Equal(t, 0, b.Opened(a))
	assert.Equal(t, 0, b.Opened(c))
	assert.Equal(t, 0, r.Len())
}

func TestMux(t *testing.T) {
	local := NewMemoryBackend()
	local.Add("/dev/a", MemoryDevice{Sectors: 8})

	remote := NewMemoryBackend()
	remote.Add("mem://bucket/key", MemoryDevice{Sectors: 16})

	m := NewMux(local)
	m.Handle("mem", 99, &remapped{remote})

	id, err := m.Resolve("mem://bucket/key")
	require.NoError(t, err)
	assert.Equal(t, uint32(99), id.Major)

	res, err := m.Open(id, Read)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), res.Size())

	id, err = m.Resolve("/dev/a")
	require.NoError(t, err)
	res, err = m.Open(id, Read)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), res.Size())
}

// Moves identities of a memory backend under another major.
type remapped struct {
	*MemoryBackend
}

func (r *remapped) Resolve(path string) (ID, error) {
	id, err := r.MemoryBackend.Resolve(path)
	id.Major = 99
	return id, err
}

func (r *remapped) Open(id ID, mode Mode) (Resource, error) {
	id.Major = MemoryMajor
	return r.MemoryBackend.Open(id, mode)
}
