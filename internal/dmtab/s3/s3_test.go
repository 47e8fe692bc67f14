// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/dmtab/internal/dmtab/device"
)

var errNoSuchKey = errors.New("NoSuchKey")

// store is an in-memory object store serving both the client and the
// downloader of the backend.
type store struct {
	s3iface.S3API

	objects map[string][]byte
	ranges  []string
}

func (s *store) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	data, ok := s.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errNoSuchKey
	}

	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (s *store) DownloadWithContext(ctx aws.Context, w io.WriterAt, in *s3.GetObjectInput, opts ...func(*s3manager.Downloader)) (int64, error) {
	data, ok := s.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return 0, errNoSuchKey
	}

	s.ranges = append(s.ranges, *in.Range)

	var from, to int
	if _, err := fmt.Sscanf(*in.Range, "bytes=%d-%d", &from, &to); err != nil {
		return 0, err
	}

	n, err := w.WriteAt(data[from:min(to+1, len(data))], 0)

	return int64(n), err
}

func newTestBackend(objects map[string][]byte) (*Backend, *store) {
	s := &store{objects: objects}
	return newBackend(s, s, 64*1024, 0), s
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path        string
		bucket, key string
		ok          bool
	}{
		{"s3://disks/vm0.img", "disks", "vm0.img", true},
		{"s3://disks/images/vm0.img", "disks", "images/vm0.img", true},
		{"s3://disks", "", "", false},
		{"s3://disks/", "", "", false},
		{"s3:///vm0.img", "", "", false},
		{"/dev/sda", "", "", false},
		{"http://disks/vm0.img", "", "", false},
	}

	for _, tc := range tests {
		bucket, key, err := ParsePath(tc.path)
		if !tc.ok {
			require.ErrorIs(t, err, ErrBadPath, tc.path)
			continue
		}

		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.bucket, bucket)
		assert.Equal(t, tc.key, key)
	}
}

func TestResolveStableMinors(t *testing.T) {
	b, _ := newTestBackend(nil)

	a, err := b.Resolve("s3://disks/a")
	require.NoError(t, err)
	c, err := b.Resolve("s3://disks/c")
	require.NoError(t, err)
	again, err := b.Resolve("s3://disks/a")
	require.NoError(t, err)

	assert.Equal(t, device.ID{Major: Major, Minor: 0}, a)
	assert.Equal(t, device.ID{Major: Major, Minor: 1}, c)
	assert.Equal(t, a, again)

	_, err = b.Resolve("s3://disks")
	require.ErrorIs(t, err, ErrBadPath)
}

func TestOpen(t *testing.T) {
	b, _ := newTestBackend(map[string][]byte{
		"disks/a":    make([]byte, 8192),
		"disks/tail": make([]byte, 1000),
	})

	id, err := b.Resolve("s3://disks/a")
	require.NoError(t, err)

	_, err = b.Open(id, device.ReadWrite)
	require.ErrorIs(t, err, ErrReadOnly)

	r, err := b.Open(id, device.Read)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), r.Size())
	assert.Equal(t, uint32(64*1024), r.Limits().IOOpt)
	require.NoError(t, r.Close())

	id, err = b.Resolve("s3://disks/tail")
	require.NoError(t, err)
	r, err = b.Open(id, device.Read)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Size())

	id, err = b.Resolve("s3://disks/missing")
	require.NoError(t, err)
	_, err = b.Open(id, device.Read)
	require.ErrorIs(t, err, errNoSuchKey)

	_, err = b.Open(device.ID{Major: Major, Minor: 99}, device.Read)
	require.ErrorIs(t, err, ErrBadPath)
}

func TestReadAt(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i / 512)
	}

	b, s := newTestBackend(map[string][]byte{"disks/a": data})

	id, err := b.Resolve("s3://disks/a")
	require.NoError(t, err)
	res, err := b.Open(id, device.Read)
	require.NoError(t, err)

	r, ok := res.(io.ReaderAt)
	require.True(t, ok)

	p := make([]byte, 1024)
	n, err := r.ReadAt(p, 1024)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, append(bytes.Repeat([]byte{2}, 512), bytes.Repeat([]byte{3}, 512)...), p)

	n, err = r.ReadAt(p, 3584)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 512, n)
	assert.Equal(t, bytes.Repeat([]byte{7}, 512), p[:512])

	_, err = r.ReadAt(p, 4096)
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, []string{"bytes=1024-2047", "bytes=3584-4095"}, s.ranges)
}

func TestMuxRoutesObjects(t *testing.T) {
	b, _ := newTestBackend(map[string][]byte{"disks/a": make([]byte, 4096)})
	mem := device.NewMemoryBackend()
	mem.Add("/dev/a", device.MemoryDevice{Sectors: 8})

	mux := device.NewMux(mem)
	mux.Handle(Scheme, Major, b)

	reg := device.NewRegistry(mux)

	obj, err := reg.Get("s3://disks/a", device.Read)
	require.NoError(t, err)
	assert.Equal(t, "240:0", obj.Name)

	local, err := reg.Get("/dev/a", device.ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, uint32(device.MemoryMajor), local.ID.Major)

	_, err = reg.Get("s3://disks/a", device.ReadWrite)
	require.ErrorIs(t, err, device.ErrDeviceOpen)
	require.ErrorIs(t, err, ErrReadOnly)

	require.NoError(t, reg.Put(obj))
	require.NoError(t, reg.Put(local))
	assert.Equal(t, 0, reg.Len())
}
