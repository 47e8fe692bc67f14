// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package targets

import (
	"github.com/asch/dmtab/internal/dmtab/table"
)

// Zero target does nothing but correctly. Reads return zeroes, writes are
// acknowledged and thrown away. Useful for measuring the overhead of the
// table itself and for sparse areas.
type Zero struct{}

func (Zero) Name() string {
	return "zero"
}

func (Zero) Construct(t *table.Target, args []string) error {
	if len(args) != 0 {
		t.Error = "No arguments required"
		return errArgs
	}

	t.NumDiscardRequests = 1

	return nil
}

func (Zero) Destroy(t *table.Target) {
}

func (Zero) ReadAt(t *table.Target, p []byte, offset uint64) error {
	clear(p)
	return nil
}

func (Zero) WriteAt(t *table.Target, p []byte, offset uint64) error {
	return nil
}
