// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// dmtab maps a linear sector address space of a block device onto a list of
// targets. Every target covers a contiguous range of sectors and delegates
// it to a target type, which usually forwards it to an area of some backing
// device.
//
// The subpackages are layered bottom-up. limits describes I/O constraints
// and stacks them, index finds the target of a sector, device opens and
// shares backing devices, table ties it all together and targets and s3
// provide target types and backends. mapper exposes a table as a BUSE
// device.
//
// dmtab defines two interfaces to extend it. device.Backend for new kinds of
// backing devices and table.TargetType for new target types. Both can be
// added just by implementing corresponding interface.
package dmtab
