// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package device

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/asch/dmtab/internal/dmtab/limits"
)

// FileMajor is the major under which regular files get their identities.
// Block devices keep their own.
const FileMajor = 241

type fileKey struct {
	dev uint64
	ino uint64
}

// FileBackend opens block devices and regular files of the local system.
// Regular files are treated like loop devices. Each distinct file (device and
// inode) gets a stable minor, so hard links and symlinks to the same file
// share one identity.
type FileBackend struct {
	mu    sync.Mutex
	files map[fileKey]ID
	paths map[ID]string
}

func NewFileBackend() *FileBackend {
	return &FileBackend{
		files: make(map[fileKey]ID),
		paths: make(map[ID]string),
	}
}

func (b *FileBackend) Resolve(path string) (ID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return ID{}, err
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		return ID{Major: unix.Major(uint64(st.Rdev)), Minor: unix.Minor(uint64(st.Rdev))}, nil

	case unix.S_IFREG:
		b.mu.Lock()
		defer b.mu.Unlock()

		key := fileKey{dev: uint64(st.Dev), ino: uint64(st.Ino)}
		id, ok := b.files[key]
		if !ok {
			id = ID{Major: FileMajor, Minor: uint32(len(b.files))}
			b.files[key] = id
			b.paths[id] = path
		}

		return id, nil
	}

	return ID{}, fmt.Errorf("%s is neither block device nor regular file", path)
}

func (b *FileBackend) Open(id ID, mode Mode) (Resource, error) {
	b.mu.Lock()
	path, ok := b.paths[id]
	b.mu.Unlock()

	if !ok {
		if id.Major == FileMajor {
			return nil, fmt.Errorf("unknown file device %s", id)
		}
		path = fmt.Sprintf("/dev/block/%s", id)
	}

	flags := os.O_RDONLY
	switch {
	case mode&ReadWrite == ReadWrite:
		flags = os.O_RDWR
	case mode&Write != 0:
		flags = os.O_WRONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	r := &fileResource{File: f, limits: limits.Default()}
	if err := r.query(); err != nil {
		f.Close()
		return nil, err
	}

	return r, nil
}

type fileResource struct {
	*os.File

	sectors  uint64
	blockDev bool
	limits   limits.Limits
}

// Reads size and block sizes. Block devices are asked by ioctls, regular
// files use the defaults.
func (r *fileResource) query() error {
	var st unix.Stat_t
	if err := unix.Fstat(int(r.Fd()), &st); err != nil {
		return err
	}

	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		r.sectors = uint64(st.Size) >> limits.SectorShift
		return nil
	}

	r.blockDev = true
	fd := int(r.Fd())

	size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
	if err != nil {
		return err
	}
	r.sectors = uint64(size) >> limits.SectorShift

	lbs, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		return err
	}
	r.limits.LogicalBlockSize = uint32(lbs)

	pbs, err := unix.IoctlGetInt(fd, unix.BLKPBSZGET)
	if err != nil {
		return err
	}
	r.limits.PhysicalBlockSize = uint32(pbs)
	r.limits.IOMin = uint32(max(lbs, pbs))

	if opt, err := unix.IoctlGetInt(fd, unix.BLKIOOPT); err == nil {
		r.limits.IOOpt = uint32(opt)
	}

	if align, err := unix.IoctlGetInt(fd, unix.BLKALIGNOFF); err == nil && align > 0 {
		r.limits.AlignmentOffset = uint32(align)
	}

	return nil
}

func (r *fileResource) Size() uint64 {
	return r.sectors
}

func (r *fileResource) Limits() limits.Limits {
	return r.limits
}

func (r *fileResource) Stackable() bool {
	return r.blockDev
}

func (r *fileResource) DiscardSupported() bool {
	return r.blockDev
}
