// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package targets

import (
	"fmt"
	"io"
	"strconv"

	"github.com/asch/dmtab/internal/dmtab/device"
	"github.com/asch/dmtab/internal/dmtab/limits"
	"github.com/asch/dmtab/internal/dmtab/table"
)

// Linear maps its range onto a contiguous area of one device.
//
//	linear <device> <start sector>
type Linear struct{}

type linearContext struct {
	dev   *device.Handle
	start uint64
}

func (Linear) Name() string {
	return "linear"
}

func (Linear) Construct(t *table.Target, args []string) error {
	if len(args) != 2 {
		t.Error = "Invalid argument count"
		return errArgs
	}

	start, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		t.Error = "Invalid device sector"
		return fmt.Errorf("%w: %w", errArgs, err)
	}

	dev, err := t.GetDevice(args[0], t.Table().Mode())
	if err != nil {
		t.Error = "Device lookup failed"
		return err
	}

	t.NumFlushRequests = 1
	t.NumDiscardRequests = 1
	t.Private = &linearContext{dev: dev, start: start}

	return nil
}

func (Linear) Destroy(t *table.Target) {
	lc := t.Private.(*linearContext)
	t.PutDevice(lc.dev)
}

func (Linear) IterateDevices(t *table.Target, fn table.IterateFn) error {
	lc := t.Private.(*linearContext)
	return fn(lc.dev, lc.start, t.Len)
}

// Linear target never crosses device boundaries on its own, hence it can
// honor the merge function of its device.
func (Linear) HasMergeFn() bool {
	return true
}

func (Linear) ReadAt(t *table.Target, p []byte, offset uint64) error {
	lc := t.Private.(*linearContext)

	r, ok := lc.dev.Resource().(io.ReaderAt)
	if !ok {
		return fmt.Errorf("device %s is not readable", lc.dev)
	}

	n, err := r.ReadAt(p, int64((lc.start+offset)<<limits.SectorShift))
	if n == len(p) {
		return nil
	}

	if err == nil {
		err = io.ErrUnexpectedEOF
	}

	return err
}

func (Linear) WriteAt(t *table.Target, p []byte, offset uint64) error {
	lc := t.Private.(*linearContext)

	w, ok := lc.dev.Resource().(io.WriterAt)
	if !ok {
		return fmt.Errorf("device %s is not writable", lc.dev)
	}

	_, err := w.WriteAt(p, int64((lc.start+offset)<<limits.SectorShift))

	return err
}
