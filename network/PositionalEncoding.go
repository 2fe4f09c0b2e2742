package network

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// SinusoidTable returns the fixed sinusoidal position embedding table
// used by the latent encoder. The returned tensor has shape
// (1, nPosition, width), where entry (0, pos, i) is
// sin(pos / 10000^(2*(i/2)/width)) for even i and the corresponding
// cosine for odd i. The table is deterministic and is treated as a
// constant buffer: it is computed once and never trained.
func SinusoidTable(nPosition, width int) *tensor.Dense {
	backing := make([]float64, nPosition*width)
	for pos := 0; pos < nPosition; pos++ {
		for i := 0; i < width; i++ {
			angle := float64(pos) /
				math.Pow(10000, float64(2*(i/2))/float64(width))
			if i%2 == 0 {
				backing[pos*width+i] = math.Sin(angle)
			} else {
				backing[pos*width+i] = math.Cos(angle)
			}
		}
	}
	return tensor.New(
		tensor.WithShape(1, nPosition, width),
		tensor.WithBacking(backing),
	)
}

// SinusoidPrefix returns the first seqLen rows of a sinusoid table
// created by SinusoidTable, so that position embeddings can be aligned
// index-for-index with token sequences of varying length.
func SinusoidPrefix(table *tensor.Dense, seqLen int) (*tensor.Dense, error) {
	shape := table.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("sinusoidprefix: expected table of shape "+
			"(1, nPosition, width) but got %v", shape)
	}
	if seqLen > shape[1] {
		return nil, fmt.Errorf("sinusoidprefix: prefix length %v exceeds "+
			"table length %v", seqLen, shape[1])
	}

	width := shape[2]
	backing := make([]float64, seqLen*width)
	copy(backing, table.Data().([]float64)[:seqLen*width])
	return tensor.New(
		tensor.WithShape(1, seqLen, width),
		tensor.WithBacking(backing),
	), nil
}

// Sine2D returns a fixed two-dimensional sine position embedding map
// for a spatial feature grid, in the style used for image features in
// detection transformers. The returned tensor has shape
// (1, width, h, w). The first width/2 channels encode the row
// coordinate and the remaining channels encode the column coordinate,
// each with interleaved sine/cosine pairs. Coordinates are normalized
// to (0, 2π]. The width must be even.
func Sine2D(width, h, w int) (*tensor.Dense, error) {
	if width%2 != 0 {
		return nil, fmt.Errorf("sine2d: embedding width must be even, "+
			"got %v", width)
	}

	half := width / 2
	backing := make([]float64, width*h*w)
	at := func(c, y, x int) int { return c*h*w + y*w + x }

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ey := float64(y+1) / float64(h) * 2 * math.Pi
			ex := float64(x+1) / float64(w) * 2 * math.Pi
			for i := 0; i < half; i++ {
				div := math.Pow(10000, float64(2*(i/2))/float64(half))
				if i%2 == 0 {
					backing[at(i, y, x)] = math.Sin(ey / div)
					backing[at(half+i, y, x)] = math.Sin(ex / div)
				} else {
					backing[at(i, y, x)] = math.Cos(ey / div)
					backing[at(half+i, y, x)] = math.Cos(ex / div)
				}
			}
		}
	}
	return tensor.New(
		tensor.WithShape(1, width, h, w),
		tensor.WithBacking(backing),
	), nil
}
