package detrvae

import (
	"strings"
	"testing"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/goact/network"
)

// countingRander counts draws and returns zero noise, exposing whether
// the noise source was consulted.
type countingRander struct {
	draws int
}

func (c *countingRander) Rand(x []float64) []float64 {
	c.draws++
	if x == nil {
		x = make([]float64, 0)
	}
	for i := range x {
		x[i] = 0
	}
	return x
}

// stateOnlyConfig returns a small state-only test configuration
func stateOnlyConfig() Config {
	return Config{
		StateDim:    3,
		ActionDim:   3,
		EnvStateDim: 2,
		HiddenDim:   8,
		LatentDim:   4,
		NumQueries:  2,
		SeqLen:      2,
		BatchSize:   2,

		Heads:         2,
		FeedForward:   16,
		EncoderLayers: 1,
		DecoderLayers: 1,
		Dropout:       0.1,

		Seed: 42,
	}
}

// imageConfig returns a small image-conditioned test configuration
func imageConfig() Config {
	config := stateOnlyConfig()
	config.EnvStateDim = 0
	config.CameraNames = []string{"wrist"}
	config.Backbone = network.BackboneConfig{
		InChannels:  3,
		Channels:    []int{4},
		Kernel:      3,
		ImageHeight: 8,
		ImageWidth:  8,
	}
	return config
}

// randomDense returns a seeded random tensor of the given shape
func randomDense(seed uint64, shape ...int) *tensor.Dense {
	rng := rand.New(rand.NewSource(seed))
	size := 1
	for _, s := range shape {
		size *= s
	}
	backing := make([]float64, size)
	for i := range backing {
		backing[i] = rng.NormFloat64()
	}
	return tensor.New(
		tensor.WithShape(shape...),
		tensor.WithBacking(backing),
	)
}

// stateOnlyTraining returns a training input matching stateOnlyConfig
func stateOnlyTraining() TrainingInput {
	return TrainingInput{
		Qpos:     randomDense(1, 2, 3),
		EnvState: randomDense(2, 2, 2),
		Actions:  randomDense(3, 2, 2, 3),
		IsPad: tensor.New(
			tensor.WithShape(2, 2),
			tensor.WithBacking([]bool{false, false, false, true}),
		),
	}
}

// TestForwardTraining checks training-mode output shapes and that the
// latent distribution is returned.
func TestForwardTraining(t *testing.T) {
	model, err := BuildStateOnly(stateOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := model.Forward(stateOnlyTraining())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if shape := out.Action.Shape(); shape[0] != 2 || shape[1] != 3 {
		t.Errorf("expected action shape (2, 3) but got %v", shape)
	}
	if shape := out.IsPad.Shape(); shape[0] != 2 || shape[1] != 1 {
		t.Errorf("expected padding logit shape (2, 1) but got %v", shape)
	}
	if out.Mu == nil || out.LogVar == nil {
		t.Fatal("training output must carry the latent distribution")
	}
	if shape := out.Mu.Shape(); shape[0] != 2 || shape[1] != 4 {
		t.Errorf("expected latent mean shape (2, 4) but got %v", shape)
	}
	if shape := out.LogVar.Shape(); shape[0] != 2 || shape[1] != 4 {
		t.Errorf("expected log-variance shape (2, 4) but got %v", shape)
	}
}

// TestForwardInference checks that inference returns no latent
// distribution and never consults the noise source.
func TestForwardInference(t *testing.T) {
	model, err := BuildStateOnly(stateOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counter := &countingRander{}
	model.SetNoiseSource(counter)

	out, err := model.Forward(InferenceInput{
		Qpos:     randomDense(1, 2, 3),
		EnvState: randomDense(2, 2, 2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Mu != nil || out.LogVar != nil {
		t.Error("inference output must not carry a latent distribution")
	}
	if counter.draws != 0 {
		t.Errorf("inference consulted the noise source %v times",
			counter.draws)
	}

	// Training, by contrast, draws fresh noise
	if _, err := model.Forward(stateOnlyTraining()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counter.draws == 0 {
		t.Error("training never consulted the noise source")
	}
}

// TestForwardInferenceDeterministic checks that repeated inference on
// the same observation yields identical actions: the latent is fixed
// at the prior mean and no dropout is applied.
func TestForwardInferenceDeterministic(t *testing.T) {
	model, err := BuildStateOnly(stateOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := InferenceInput{
		Qpos:     randomDense(1, 2, 3),
		EnvState: randomDense(2, 2, 2),
	}

	first, err := model.Forward(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := model.Forward(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := first.Action.Data().([]float64)
	b := second.Action.Data().([]float64)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("inference is not deterministic at index %v: %v "+
				"and %v", i, a[i], b[i])
		}
	}
}

// TestForwardImageConditioned checks the image pathway end to end
func TestForwardImageConditioned(t *testing.T) {
	model, err := Build(imageConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := model.Forward(TrainingInput{
		Qpos:    randomDense(1, 2, 3),
		Images:  randomDense(2, 2, 1, 3, 8, 8),
		Actions: randomDense(3, 2, 2, 3),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if shape := out.Action.Shape(); shape[0] != 2 || shape[1] != 3 {
		t.Errorf("expected action shape (2, 3) but got %v", shape)
	}

	// Omitting the image stack is an error for this variant
	_, err = model.Forward(TrainingInput{
		Qpos:    randomDense(1, 2, 3),
		Actions: randomDense(3, 2, 2, 3),
	})
	if err == nil {
		t.Error("expected error for image-conditioned model without images")
	}
}

// TestNewImageConditionedRequiresBackbones checks the construction-time
// variant contract.
func TestNewImageConditionedRequiresBackbones(t *testing.T) {
	config := imageConfig()
	if _, err := NewImageConditioned(nil, config, nil, nil, nil,
		nil); err == nil {
		t.Error("expected error for image-conditioned model without " +
			"backbones")
	}
}

// TestGobRoundTrip checks that a serialized model restores to one
// producing identical predictions.
func TestGobRoundTrip(t *testing.T) {
	model, err := BuildStateOnly(stateOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := InferenceInput{
		Qpos:     randomDense(1, 2, 3),
		EnvState: randomDense(2, 2, 2),
	}
	want, err := model.Forward(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	encoded, err := model.GobEncode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	restored := new(DETRVAE)
	if err := restored.GobDecode(encoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := restored.Forward(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := want.Action.Data().([]float64)
	b := got.Action.Data().([]float64)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("restored model differs at index %v: %v and %v", i,
				a[i], b[i])
		}
	}
}

// TestCloneWithBatch checks that a deployment clone predicts with the
// new batch size and the trained parameters.
func TestCloneWithBatch(t *testing.T) {
	model, err := BuildStateOnly(stateOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clone, err := model.CloneWithBatch(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clone.BatchSize() != 1 {
		t.Fatalf("expected batch size 1 but got %v", clone.BatchSize())
	}

	out, err := clone.Forward(InferenceInput{
		Qpos:     randomDense(1, 1, 3),
		EnvState: randomDense(2, 1, 2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shape := out.Action.Shape(); shape[0] != 1 || shape[1] != 3 {
		t.Errorf("expected action shape (1, 3) but got %v", shape)
	}
}

// TestBindTrainingShapeErrors checks rejection of malformed inputs
func TestBindTrainingShapeErrors(t *testing.T) {
	model, err := BuildStateOnly(stateOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := stateOnlyTraining()
	in.Actions = randomDense(3, 2, 5, 3) // wrong sequence length
	if err := model.BindTraining(in); err == nil {
		t.Error("expected error for wrong action sequence length")
	}

	in = stateOnlyTraining()
	in.Actions = nil
	if err := model.BindTraining(in); err == nil {
		t.Error("expected error for missing actions")
	}

	in = stateOnlyTraining()
	in.Qpos = randomDense(1, 2, 7) // wrong state width
	if err := model.BindTraining(in); err == nil {
		t.Error("expected error for wrong proprioception width")
	}
}

// TestForwardSingleQuery checks both modes with a single query slot,
// where the decoder's self-attention reduces to one query over one key.
func TestForwardSingleQuery(t *testing.T) {
	config := stateOnlyConfig()
	config.NumQueries = 1
	model, err := BuildStateOnly(config, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := model.Forward(stateOnlyTraining())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shape := out.Action.Shape(); shape[0] != 2 || shape[1] != 3 {
		t.Errorf("expected action shape (2, 3) but got %v", shape)
	}
	if shape := out.IsPad.Shape(); shape[0] != 2 || shape[1] != 1 {
		t.Errorf("expected padding logit shape (2, 1) but got %v", shape)
	}

	out, err = model.Forward(InferenceInput{
		Qpos:     randomDense(1, 2, 3),
		EnvState: randomDense(2, 2, 2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shape := out.Action.Shape(); shape[0] != 2 || shape[1] != 3 {
		t.Errorf("expected action shape (2, 3) but got %v", shape)
	}
}

// TestStateOnlyLearnables checks that the latent output projection,
// whose output never reaches the state-only decoder memory, is not
// offered for differentiation, while the image variant trains it.
func TestStateOnlyLearnables(t *testing.T) {
	model, err := BuildStateOnly(stateOnlyConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, node := range model.Learnables() {
		if strings.Contains(node.Name(), "LatentOutProj") {
			t.Errorf("state-only learnables include %v", node.Name())
		}
	}

	image, err := Build(imageConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, node := range image.Learnables() {
		if strings.Contains(node.Name(), "LatentOutProj") {
			found = true
		}
	}
	if !found {
		t.Error("image-conditioned learnables omit the latent output " +
			"projection")
	}
}

// TestForwardFullWidth runs both modes at full width: two batch
// elements, one camera, 24-dimensional state and action, eight-step
// action windows, 512 hidden units.
func TestForwardFullWidth(t *testing.T) {
	config := Config{
		StateDim:    24,
		ActionDim:   24,
		HiddenDim:   512,
		LatentDim:   32,
		NumQueries:  1,
		SeqLen:      8,
		BatchSize:   2,
		CameraNames: []string{"top"},
		Backbone: network.BackboneConfig{
			InChannels:  3,
			Channels:    []int{4},
			Kernel:      3,
			ImageHeight: 8,
			ImageWidth:  8,
		},

		Heads:         8,
		FeedForward:   64,
		EncoderLayers: 1,
		DecoderLayers: 1,
		Dropout:       0.1,

		Seed: 42,
	}
	model, err := Build(config, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := model.Forward(TrainingInput{
		Qpos:    randomDense(1, 2, 24),
		Images:  randomDense(2, 2, 1, 3, 8, 8),
		Actions: randomDense(3, 2, 8, 24),
		IsPad: tensor.New(
			tensor.WithShape(2, 8),
			tensor.WithBacking(make([]bool, 16)),
		),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shape := out.Action.Shape(); shape[0] != 2 || shape[1] != 24 {
		t.Errorf("expected action shape (2, 24) but got %v", shape)
	}
	if shape := out.IsPad.Shape(); shape[0] != 2 || shape[1] != 1 {
		t.Errorf("expected padding logit shape (2, 1) but got %v", shape)
	}
	if out.Mu == nil || out.LogVar == nil {
		t.Fatal("training output must carry the latent distribution")
	}

	out, err = model.Forward(InferenceInput{
		Qpos:   randomDense(4, 2, 24),
		Images: randomDense(5, 2, 1, 3, 8, 8),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shape := out.Action.Shape(); shape[0] != 2 || shape[1] != 24 {
		t.Errorf("expected action shape (2, 24) but got %v", shape)
	}
	if out.Mu != nil || out.LogVar != nil {
		t.Error("inference output must not carry a latent distribution")
	}
}
