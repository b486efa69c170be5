package attention

// span is one sequence's token range inside the packed buffers.
type span struct {
	start  int
	length int
}

// buildSpans turns the context-length array into a span table, one entry
// per sequence, plus the packed token total. Built once per launch and
// shared read-only by every worker; the per-worker rescan it replaces
// produced identical offsets.
func buildSpans(ctxLens []int32) ([]span, int) {
	spans := make([]span, len(ctxLens))
	off := 0
	for i, n := range ctxLens {
		spans[i] = span{start: off, length: int(n)}
		off += int(n)
	}
	return spans, off
}

// maxCtxLen is the longest sequence in the batch, 0 for an empty batch.
func maxCtxLen(ctxLens []int32) int {
	longest := 0
	for _, n := range ctxLens {
		if int(n) > longest {
			longest = int(n)
		}
	}
	return longest
}
