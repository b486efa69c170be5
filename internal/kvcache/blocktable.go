package kvcache

import "fmt"

// BlockTable maps (sequence, logical block index) to a physical block id.
// Rows are fixed-capacity; entries past a sequence's in-use count are
// ignored by every consumer. Supplied by the external allocator, never
// mutated here.
type BlockTable struct {
	NumSeqs   int
	MaxBlocks int

	ids []int32
}

// NewBlockTable allocates a table with every entry set to -1 (unassigned).
func NewBlockTable(numSeqs, maxBlocks int) *BlockTable {
	ids := make([]int32, numSeqs*maxBlocks)
	for i := range ids {
		ids[i] = -1
	}
	return &BlockTable{NumSeqs: numSeqs, MaxBlocks: maxBlocks, ids: ids}
}

// BlockTableFromRows builds a table from per-sequence rows, padding short
// rows with -1. All rows must fit the widest row's capacity.
func BlockTableFromRows(rows [][]int32) *BlockTable {
	maxBlocks := 0
	for _, r := range rows {
		if len(r) > maxBlocks {
			maxBlocks = len(r)
		}
	}
	t := NewBlockTable(len(rows), maxBlocks)
	for s, r := range rows {
		copy(t.Row(s), r)
	}
	return t
}

// Row returns the mutable physical-block row for one sequence.
func (t *BlockTable) Row(s int) []int32 {
	if s < 0 || s >= t.NumSeqs {
		panic(fmt.Sprintf("block table: sequence %d out of range [0,%d)", s, t.NumSeqs))
	}
	return t.ids[s*t.MaxBlocks : (s+1)*t.MaxBlocks]
}

// Block resolves one logical block index to its physical id.
func (t *BlockTable) Block(s, i int) int32 {
	if i < 0 || i >= t.MaxBlocks {
		panic(fmt.Sprintf("block table: logical block %d out of range [0,%d)", i, t.MaxBlocks))
	}
	return t.Row(s)[i]
}

// Set assigns a physical block id to one logical slot.
func (t *BlockTable) Set(s, i int, id int32) {
	if i < 0 || i >= t.MaxBlocks {
		panic(fmt.Sprintf("block table: logical block %d out of range [0,%d)", i, t.MaxBlocks))
	}
	t.Row(s)[i] = id
}

// Ids exposes the flat row-major table for serialization.
func (t *BlockTable) Ids() []int32 {
	return t.ids
}
