// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package targets

import (
	"github.com/asch/dmtab/internal/dmtab/table"
)

// Error target fails every I/O. Arguments are ignored.
type Error struct{}

func (Error) Name() string {
	return "error"
}

func (Error) Construct(t *table.Target, args []string) error {
	return nil
}

func (Error) Destroy(t *table.Target) {
}

func (Error) ReadAt(t *table.Target, p []byte, offset uint64) error {
	return ErrIO
}

func (Error) WriteAt(t *table.Target, p []byte, offset uint64) error {
	return ErrIO
}
