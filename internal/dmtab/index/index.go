// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package index implements the lookup structure of the mapping table. It is a
// shallow and wide search tree built bottom-up over the highest sector of
// every target. Nodes are exactly one cache line of keys, so a lookup touches
// depth cache lines and scans each of them linearly.
//
// The tree is built once and never modified, hence lookups need no locking.
package index

import (
	"math"
)

const (
	// Number of sector keys in one node. 64 bytes cache line divided by
	// 8 bytes of a key.
	KeysPerNode = 8

	// Fanout of internal nodes.
	ChildrenPerNode = KeysPerNode + 1

	// Key of slots behind the last target. Every real sector is lower
	// or equal, hence every lookup finds a path.
	MaxSector = math.MaxUint64
)

// Index is a read-only search tree. Level 0 is the root, level depth-1 are
// the leaves which are the highs slice provided to Build.
type Index struct {
	depth   int
	targets int
	counts  []int
	levels  [][]uint64
}

// Build constructs the tree above highs. The length of highs has to be a
// multiple of KeysPerNode, with unused slots set to MaxSector. The slice is
// referenced, not copied.
func Build(highs []uint64, targets int) *Index {
	leafNodes := divUp(targets, KeysPerNode)
	depth := 1 + intLog(leafNodes, ChildrenPerNode)

	i := &Index{
		depth:   depth,
		targets: targets,
		counts:  make([]int, depth),
		levels:  make([][]uint64, depth),
	}

	i.counts[depth-1] = leafNodes
	i.levels[depth-1] = highs

	for l := depth - 2; l >= 0; l-- {
		i.counts[l] = divUp(i.counts[l+1], ChildrenPerNode)
	}

	// Internal levels share one allocation.
	total := 0
	for l := 0; l < depth-1; l++ {
		total += i.counts[l]
	}
	nodes := make([]uint64, total*KeysPerNode)

	for l := depth - 2; l >= 0; l-- {
		size := i.counts[l] * KeysPerNode
		i.levels[l] = nodes[:size:size]
		nodes = nodes[size:]
		i.setupLevel(l)
	}

	return i
}

// Depth returns the number of levels including the leaves.
func (i *Index) Depth() int {
	return i.depth
}

// Nodes returns the number of nodes in level l.
func (i *Index) Nodes(l int) int {
	return i.counts[l]
}

// Lookup returns the position of the first leaf key greater or equal to
// sector. For sectors past the last target the returned position is one past
// the last target and the caller has to check it.
func (i *Index) Lookup(sector uint64) int {
	n, k := 0, 0

	for l := 0; l < i.depth; l++ {
		n = child(n, k)
		if n >= i.counts[l] {
			return i.targets
		}
		node := i.node(l, n)

		for k = 0; k < KeysPerNode; k++ {
			if node[k] >= sector {
				break
			}
		}
	}

	return n*KeysPerNode + k
}

// Fills every key of level l with the highest key reachable through the
// corresponding child in level l+1.
func (i *Index) setupLevel(l int) {
	for n := 0; n < i.counts[l]; n++ {
		node := i.node(l, n)
		for k := 0; k < KeysPerNode; k++ {
			node[k] = i.high(l+1, child(n, k))
		}
	}
}

// Returns the highest key below node n of level l, i.e. the last key of its
// rightmost descendant leaf.
func (i *Index) high(l, n int) uint64 {
	for ; l < i.depth-1; l++ {
		n = child(n, ChildrenPerNode-1)
	}

	if n >= i.counts[l] {
		return MaxSector
	}

	return i.node(l, n)[KeysPerNode-1]
}

func (i *Index) node(l, n int) []uint64 {
	return i.levels[l][n*KeysPerNode : (n+1)*KeysPerNode]
}

func child(n, k int) int {
	return n*ChildrenPerNode + k
}

func divUp(n, d int) int {
	return (n + d - 1) / d
}

// Ceil of logarithm of n in base, 0 for n <= 1.
func intLog(n, base int) int {
	result := 0
	for n > 1 {
		n = divUp(n, base)
		result++
	}

	return result
}
