package attention

import (
	"fmt"
	"runtime"
	"sync"
)

// gridDims is the three-dimensional launch geometry: sequence slots rounded
// up to a power of two, one slot per query head, and one slot per query
// tile of the longest sequence. Slots past the real batch or past a
// sequence's end are dispatched and immediately no-op.
type gridDims struct {
	seqSlots int
	heads    int
	tiles    int
}

func (g gridDims) units() int {
	return g.seqSlots * g.heads * g.tiles
}

// coords decodes a flat unit id; tile is the fastest axis so one worker's
// chunk walks consecutive tiles of the same (sequence, head).
func (g gridDims) coords(u int) (seq, head, tile int) {
	tile = u % g.tiles
	head = (u / g.tiles) % g.heads
	seq = u / (g.tiles * g.heads)
	return
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// launch distributes grid units over a fixed pool of goroutines in
// contiguous chunks. Each goroutine owns one scratch set for all its units.
// Workers never block on each other; a panicking unit is recovered, tagged
// with its coordinate, and aborts the launch as a whole. Returns the number
// of units that performed work.
func launch(g gridDims, workers int, newScratch func() *scratch, run func(sc *scratch, seq, head, tile int) bool) (int, error) {
	total := g.units()
	if total == 0 {
		return 0, nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > total {
		workers = total
	}
	chunk := (total + workers - 1) / workers

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		active   int
	)

	for lo := 0; lo < total; lo += chunk {
		hi := lo + chunk
		if hi > total {
			hi = total
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			var (
				seq, head, tile int
				done            int
			)
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("worker fault at unit (seq %d, head %d, tile %d): %v", seq, head, tile, r)
					}
					mu.Unlock()
				}
				mu.Lock()
				active += done
				mu.Unlock()
			}()
			sc := newScratch()
			for u := lo; u < hi; u++ {
				seq, head, tile = g.coords(u)
				if run(sc, seq, head, tile) {
					done++
				}
			}
		}(lo, hi)
	}
	wg.Wait()
	return active, firstErr
}
