package detrvae

import (
	"testing"

	"gorgonia.org/tensor"
)

// TestExpandPadMask checks that padded positions are penalized, that
// the two prepended token positions are always attendable, and that
// shorter-than-window trajectories mask exactly their padded tail.
func TestExpandPadMask(t *testing.T) {
	const batch, seqLen = 2, 3

	// Second batch element's last two actions are padding
	isPad := tensor.New(
		tensor.WithShape(batch, seqLen),
		tensor.WithBacking([]bool{
			false, false, false,
			false, true, true,
		}),
	)

	mask, err := ExpandPadMask(isPad, batch, seqLen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shape := mask.Shape()
	if shape[0] != batch || shape[1] != 1 || shape[2] != seqLen+2 {
		t.Fatalf("expected shape (%v, 1, %v) but got %v", batch,
			seqLen+2, shape)
	}

	data := mask.Data().([]float64)
	total := seqLen + 2
	for b := 0; b < batch; b++ {
		// CLS and proprioception positions are never masked
		if data[b*total] != 0 || data[b*total+1] != 0 {
			t.Errorf("batch %v: prepended positions must be attendable", b)
		}
	}
	for i, want := range []float64{0, 0, 0} {
		if data[2+i] != want {
			t.Errorf("batch 0 action %v: expected %v but got %v", i,
				want, data[2+i])
		}
	}
	for i, want := range []float64{0, maskPenalty, maskPenalty} {
		if data[total+2+i] != want {
			t.Errorf("batch 1 action %v: expected %v but got %v", i,
				want, data[total+2+i])
		}
	}
}

// TestExpandPadMaskNil checks that a nil mask marks every position
// attendable
func TestExpandPadMaskNil(t *testing.T) {
	mask, err := ExpandPadMask(nil, 3, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range mask.Data().([]float64) {
		if v != 0 {
			t.Fatalf("expected all-attendable mask but index %v is %v",
				i, v)
		}
	}
}

// TestExpandPadMaskRankOne checks that a single-step rank-1 mask is
// accepted
func TestExpandPadMaskRankOne(t *testing.T) {
	isPad := tensor.New(
		tensor.WithShape(2),
		tensor.WithBacking([]bool{true, false}),
	)

	mask, err := ExpandPadMask(isPad, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data := mask.Data().([]float64)
	if data[2] != maskPenalty {
		t.Errorf("expected batch 0 action masked but got %v", data[2])
	}
	if data[5] != 0 {
		t.Errorf("expected batch 1 action attendable but got %v", data[5])
	}
}

// TestExpandPadMaskErrors checks rejection of mismatched shapes and
// non-boolean masks
func TestExpandPadMaskErrors(t *testing.T) {
	wrongShape := tensor.New(
		tensor.WithShape(2, 4),
		tensor.WithBacking(make([]bool, 8)),
	)
	if _, err := ExpandPadMask(wrongShape, 2, 3); err == nil {
		t.Error("expected error for mismatched mask shape")
	}

	wrongType := tensor.New(
		tensor.WithShape(2, 3),
		tensor.WithBacking(make([]float64, 6)),
	)
	if _, err := ExpandPadMask(wrongType, 2, 3); err == nil {
		t.Error("expected error for non-boolean mask")
	}
}
