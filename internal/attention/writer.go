package attention

import (
	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// writeTile copies one tile's key and value vectors from the packed buffers
// into the physical block the table names for (sequence, tile). The vectors
// are re-read from K/V, never taken from the attention accumulator. Slots
// past the sequence end are skipped, leaving prior cache content in place;
// the skipped count is returned. Because callers gate on the group-leader
// head, each (block, kv-head) destination is written by exactly one unit.
func writeTile(kp, vp *tensor.Packed, cache kvcache.View, sp span, seq, kvHead, tile int, row []float32) (maskedSlots int) {
	bs := cache.BlockSize()
	t0 := tile * bs
	slots := min(bs, sp.length-t0)
	phys := int(cache.Table.Block(seq, tile))

	for slot := 0; slot < slots; slot++ {
		tok := sp.start + t0 + slot
		kp.CopyRow(row, tok, kvHead)
		cache.K.StoreSlot(phys, kvHead, slot, row)
		vp.CopyRow(row, tok, kvHead)
		cache.V.StoreSlot(phys, kvHead, slot, row)
	}
	return bs - slots
}
