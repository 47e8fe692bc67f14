// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargetLine(t *testing.T) {
	tests := []struct {
		in   string
		want TargetLine
		ok   bool
	}{
		{"0 16 linear /dev/sda 0", TargetLine{0, 16, "linear", "/dev/sda 0"}, true},
		{"  16\t8  zero ", TargetLine{16, 8, "zero", ""}, true},
		{`24 8 linear /dev/my\ disk 8`, TargetLine{24, 8, "linear", `/dev/my\ disk 8`}, true},
		{"32 8 linear s3://disks/vm0.img 0", TargetLine{32, 8, "linear", "s3://disks/vm0.img 0"}, true},
		{"", TargetLine{}, false},
		{"0 16", TargetLine{}, false},
		{"x 16 zero", TargetLine{}, false},
		{"0 -1 zero", TargetLine{}, false},
	}

	for _, tc := range tests {
		got, err := ParseTargetLine(tc.in)
		if !tc.ok {
			require.ErrorIs(t, err, ErrTargetLine, tc.in)
			continue
		}

		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestTargetLineString(t *testing.T) {
	assert.Equal(t, "0 16 linear /dev/sda 0", TargetLine{0, 16, "linear", "/dev/sda 0"}.String())
	assert.Equal(t, "16 8 zero", TargetLine{16, 8, "zero", ""}.String())
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
major = 3
block_size = 1024

[table]
name = "vm0"
mode = "r"
targets = [
	"0 16 linear /dev/sda 0",
	"16 8 zero"
]

[s3]
part_size = 16

[write]
chunk_size = 2
`), 0o644))

	t.Setenv("DMTAB_THREADS", "4")

	Cfg = Config{ConfigPath: path}
	require.NoError(t, parse())

	assert.Equal(t, 3, Cfg.Major)
	assert.Equal(t, 4, Cfg.Threads)
	assert.Equal(t, 4096, Cfg.BlockSize)
	assert.Equal(t, "vm0", Cfg.Table.Name)
	assert.Equal(t, "r", Cfg.Table.Mode)
	assert.Equal(t, 8, Cfg.Table.Capacity)
	assert.Equal(t, int64(16*1024*1024), Cfg.S3.PartSize)
	assert.Equal(t, 2*1024*1024, Cfg.Write.ChunkSize)
	assert.Equal(t, 32*1024*1024, Cfg.Read.BufSize)

	lines, err := Targets()
	require.NoError(t, err)
	assert.Equal(t, []TargetLine{
		{0, 16, "linear", "/dev/sda 0"},
		{16, 8, "zero", ""},
	}, lines)
}

func TestParseEnvOnly(t *testing.T) {
	t.Setenv("DMTAB_BLOCKSIZE", "512")
	t.Setenv("DMTAB_TABLE_TARGETS", "0 8 zero;8 8 error")

	Cfg = Config{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")}
	require.NoError(t, parse())

	assert.Equal(t, 512, Cfg.BlockSize)
	assert.Equal(t, "rw", Cfg.Table.Mode)

	lines, err := Targets()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "error", lines[1].Type)

	Cfg.Table.Targets = append(Cfg.Table.Targets, "8 zero")
	_, err = Targets()
	require.ErrorIs(t, err, ErrTargetLine)
}
