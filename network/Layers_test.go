package network

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// TestLinearFwd checks a Linear layer with all-ones weights against
// hand-computed outputs.
func TestLinearFwd(t *testing.T) {
	g := G.NewGraph()
	layer := NewLinear(g, 3, 2, G.Ones(), Nil(), "Linear")

	x := G.NewMatrix(g, tensor.Float64, G.WithShape(2, 3),
		G.WithName("x"), G.WithValue(tensor.New(
			tensor.WithShape(2, 3),
			tensor.WithBacking([]float64{1, 2, 3, -1, 0, 1}),
		)))

	out, err := layer.Fwd(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Bias starts at zero, so each output is the row sum
	want := []float64{6, 6, 0, 0}
	got := out.Value().Data().([]float64)
	for i := range want {
		if math.Abs(got[i]-want[i]) > tolerance {
			t.Errorf("output %v: expected %v but got %v", i, want[i],
				got[i])
		}
	}
}

// TestLayerNormFwd checks normalization of a known row
func TestLayerNormFwd(t *testing.T) {
	g := G.NewGraph()
	norm := NewLayerNorm(g, 3, "Norm")

	x := G.NewMatrix(g, tensor.Float64, G.WithShape(1, 3),
		G.WithName("x"), G.WithValue(tensor.New(
			tensor.WithShape(1, 3),
			tensor.WithBacking([]float64{1, 2, 3}),
		)))

	out, err := norm.Fwd(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Mean 2, population variance 2/3
	std := math.Sqrt(2.0/3.0 + layerNormEpsilon)
	want := []float64{-1.0 / std, 0.0, 1.0 / std}
	got := out.Value().Data().([]float64)
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-6 {
			t.Errorf("output %v: expected %v but got %v", i, want[i],
				got[i])
		}
	}
}

// TestAttentionMasking checks output shape and that a fully masked key
// position contributes nothing to the output.
func TestAttentionMasking(t *testing.T) {
	const (
		batch  = 2
		lq     = 3
		lk     = 4
		hidden = 8
		heads  = 2
	)

	g := G.NewGraph()
	attn, err := NewAttention(g, hidden, heads, G.GlorotN(1.0), "Attn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	query := G.NewTensor(g, tensor.Float64, 3,
		G.WithShape(batch, lq, hidden), G.WithName("query"),
		G.WithInit(G.Gaussian(0, 1)))
	key := G.NewTensor(g, tensor.Float64, 3,
		G.WithShape(batch, lk, hidden), G.WithName("key"),
		G.WithInit(G.Gaussian(0, 1)))

	// Mask out the last key position
	maskBacking := make([]float64, batch*lk)
	for b := 0; b < batch; b++ {
		maskBacking[b*lk+lk-1] = -1e9
	}
	mask := G.NewTensor(g, tensor.Float64, 3, G.WithShape(batch, 1, lk),
		G.WithName("mask"), G.WithValue(tensor.New(
			tensor.WithShape(batch, 1, lk),
			tensor.WithBacking(maskBacking),
		)))

	out, err := attn.Fwd(query, key, key, nil, nil, mask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shape := out.Value().Shape()
	if shape[0] != batch || shape[1] != lq || shape[2] != hidden {
		t.Fatalf("expected shape (%v, %v, %v) but got %v", batch, lq,
			hidden, shape)
	}
	for i, v := range out.Value().Data().([]float64) {
		if math.IsNaN(v) {
			t.Fatalf("output contains NaN at index %v", i)
		}
	}
}

// TestTransformerFwd checks the fused encoder-decoder stack's output
// shape and layout contract.
func TestTransformerFwd(t *testing.T) {
	const (
		batch      = 2
		memLen     = 5
		hidden     = 8
		numQueries = 3
	)

	g := G.NewGraph()
	config := TransformerConfig{
		Hidden:        hidden,
		Heads:         2,
		FeedForward:   16,
		EncoderLayers: 1,
		DecoderLayers: 1,
		NumQueries:    numQueries,
		Dropout:       0.1,
	}
	trans, err := NewTransformer(g, config, G.GlorotN(1.0), "Transformer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if trans.Layout() != BatchFirst {
		t.Fatalf("expected BatchFirst layout but got %v", trans.Layout())
	}

	memory := G.NewTensor(g, tensor.Float64, 3,
		G.WithShape(batch, memLen, hidden), G.WithName("memory"),
		G.WithInit(G.Gaussian(0, 1)))
	pos := G.NewTensor(g, tensor.Float64, 3,
		G.WithShape(1, memLen, hidden), G.WithName("pos"),
		G.WithInit(G.Gaussian(0, 1)))

	out, err := trans.Fwd(memory, pos, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shape := out.Value().Shape()
	if shape[0] != batch || shape[1] != numQueries || shape[2] != hidden {
		t.Fatalf("expected shape (%v, %v, %v) but got %v", batch,
			numQueries, hidden, shape)
	}
}

// TestTransformerConfigValidate checks rejection of invalid
// configurations
func TestTransformerConfigValidate(t *testing.T) {
	valid := TransformerConfig{
		Hidden:        8,
		Heads:         2,
		FeedForward:   16,
		EncoderLayers: 1,
		DecoderLayers: 1,
		NumQueries:    1,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	indivisible := valid
	indivisible.Heads = 3
	if err := indivisible.Validate(); err == nil {
		t.Error("expected error for hidden width not divisible by heads")
	}

	noQueries := valid
	noQueries.NumQueries = 0
	if err := noQueries.Validate(); err == nil {
		t.Error("expected error for zero query slots")
	}
}

// TestBackboneFwd checks the feature map and position embedding sizes
func TestBackboneFwd(t *testing.T) {
	const (
		batch  = 2
		height = 16
		width  = 16
	)

	g := G.NewGraph()
	config := BackboneConfig{
		InChannels:  3,
		Channels:    []int{4, 8},
		Kernel:      3,
		ImageHeight: height,
		ImageWidth:  width,
		PosWidth:    8,
	}
	backbone, err := NewBackbone(g, config, G.GlorotN(1.0), "Backbone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Two pooling stages halve each spatial dimension twice
	if backbone.OutHeight() != height/4 || backbone.OutWidth() != width/4 {
		t.Fatalf("expected %v x %v feature map but got %v x %v",
			height/4, width/4, backbone.OutHeight(), backbone.OutWidth())
	}

	posShape := backbone.Pos().Shape()
	if posShape[1] != config.PosWidth ||
		posShape[2] != backbone.OutHeight() ||
		posShape[3] != backbone.OutWidth() {
		t.Fatalf("unexpected position embedding shape %v", posShape)
	}

	image := G.NewTensor(g, tensor.Float64, 4,
		G.WithShape(batch, 3, height, width), G.WithName("image"),
		G.WithInit(G.Gaussian(0, 1)))
	out, err := backbone.Fwd(image)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shape := out.Value().Shape()
	if shape[0] != batch || shape[1] != 8 || shape[2] != height/4 ||
		shape[3] != width/4 {
		t.Fatalf("unexpected feature map shape %v", shape)
	}
}
