package tensor

import "math"

// Stats summarizes a float32 buffer for audit logging: value range, mean
// over finite entries, and NaN/Inf counts.
type Stats struct {
	Min  float32
	Max  float32
	Mean float32
	NaN  int
	Inf  int
}

func ComputeStats(vals []float32) Stats {
	st := Stats{Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	var sum float64
	finite := 0
	for _, v := range vals {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			st.NaN++
		case math.IsInf(f, 0):
			st.Inf++
		default:
			if v < st.Min {
				st.Min = v
			}
			if v > st.Max {
				st.Max = v
			}
			sum += f
			finite++
		}
	}
	if finite > 0 {
		st.Mean = float32(sum / float64(finite))
	} else {
		st.Min, st.Max = 0, 0
	}
	return st
}
