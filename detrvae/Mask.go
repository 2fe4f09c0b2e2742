package detrvae

import (
	"fmt"

	"gorgonia.org/tensor"
)

// maskPenalty is added to the attention score of a masked key
// position. After the softmax such positions receive zero weight.
const maskPenalty = -1e9

// ExpandPadMask converts a boolean action-padding mask of shape
// (batch, seqLen) into the additive attention mask consumed by the
// latent encoder, of shape (batch, 1, 2+seqLen). The two prepended
// positions correspond to the CLS and proprioception tokens and are
// never masked, regardless of the trajectory length. A nil mask marks
// every position attendable.
func ExpandPadMask(isPad *tensor.Dense, batch, seqLen int) (*tensor.Dense,
	error) {
	total := seqLen + 2
	backing := make([]float64, batch*total)

	if isPad != nil {
		shape := isPad.Shape()

		// A missing sequence axis is inserted rather than rejected
		if len(shape) == 1 && shape[0] == batch && seqLen == 1 {
			shape = tensor.Shape{batch, 1}
		}
		if len(shape) != 2 || shape[0] != batch || shape[1] != seqLen {
			return nil, fmt.Errorf("expandpadmask: expected mask of shape "+
				"(%v, %v) but got %v", batch, seqLen, isPad.Shape())
		}

		flags, ok := isPad.Data().([]bool)
		if !ok {
			return nil, fmt.Errorf("expandpadmask: expected boolean mask "+
				"but got %v", isPad.Dtype())
		}
		for b := 0; b < batch; b++ {
			for l := 0; l < seqLen; l++ {
				if flags[b*seqLen+l] {
					backing[b*total+2+l] = maskPenalty
				}
			}
		}
	}

	return tensor.New(
		tensor.WithShape(batch, 1, total),
		tensor.WithBacking(backing),
	), nil
}
