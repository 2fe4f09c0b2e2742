package dataset

import (
	"math"
	"path/filepath"
	"testing"

	"gorgonia.org/tensor"
)

// singleStepEpisode returns a one-timestep demonstration with known
// values
func singleStepEpisode() Demonstration {
	return Demonstration{
		Qpos:     [][]float64{{0.5, -0.5}},
		EnvState: [][]float64{{1.0, 0.0}},
		Actions:  [][]float64{{0.25, -0.25}},
	}
}

// TestSampleWindowPadding checks that windows running past the end of
// an episode are padded and masked.
func TestSampleWindowPadding(t *testing.T) {
	const seqLen, batch = 3, 4

	data, err := New([]Demonstration{singleStepEpisode()}, seqLen, batch, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in, err := data.Sample()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if shape := in.Qpos.Shape(); shape[0] != batch || shape[1] != 2 {
		t.Fatalf("expected qpos shape (%v, 2) but got %v", batch, shape)
	}
	if shape := in.Actions.Shape(); shape[0] != batch ||
		shape[1] != seqLen || shape[2] != 2 {
		t.Fatalf("expected actions shape (%v, %v, 2) but got %v", batch,
			seqLen, shape)
	}

	// A one-timestep episode always samples timestep 0: the first
	// window position is real and the rest are padding.
	isPad := in.IsPad.Data().([]bool)
	for b := 0; b < batch; b++ {
		if isPad[b*seqLen] {
			t.Errorf("batch %v: first window position must not be padded",
				b)
		}
		for l := 1; l < seqLen; l++ {
			if !isPad[b*seqLen+l] {
				t.Errorf("batch %v position %v: expected padding", b, l)
			}
		}
	}

	// Padded action positions are zero
	actions := in.Actions.Data().([]float64)
	for b := 0; b < batch; b++ {
		for l := 1; l < seqLen; l++ {
			for i := 0; i < 2; i++ {
				if v := actions[(b*seqLen+l)*2+i]; v != 0 {
					t.Errorf("batch %v position %v: expected zero "+
						"padding but got %v", b, l, v)
				}
			}
		}
	}
}

// TestStatsNormalization checks the statistics of a constant dataset:
// the standard deviation is floored and normalized values are zero.
func TestStatsNormalization(t *testing.T) {
	data, err := New([]Demonstration{singleStepEpisode()}, 1, 2, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := data.Stats()
	for i, std := range stats.QposStd {
		if std != minStd {
			t.Errorf("qpos std %v: expected floor %v but got %v", i,
				minStd, std)
		}
	}
	if stats.QposMean[0] != 0.5 || stats.QposMean[1] != -0.5 {
		t.Errorf("unexpected qpos mean %v", stats.QposMean)
	}

	in, err := data.Sample()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range in.Qpos.Data().([]float64) {
		if v != 0 {
			t.Errorf("normalized qpos %v: expected 0 but got %v", i, v)
		}
	}

	// Round trip through the statistics
	normalized := stats.NormalizeQpos([]float64{0.7, -0.3})
	if math.Abs(normalized[0]-20.0) > 1e-9 {
		t.Errorf("expected normalized value 20 but got %v", normalized[0])
	}
	action := stats.DenormalizeAction(
		[]float64{(0.9 - 0.25) / minStd, 0.0})
	if math.Abs(action[0]-0.9) > 1e-9 || math.Abs(action[1]+0.25) > 1e-9 {
		t.Errorf("unexpected denormalized action %v", action)
	}
}

// TestSampleEnvState checks that state-only demonstrations carry their
// environment state through sampling.
func TestSampleEnvState(t *testing.T) {
	data, err := New([]Demonstration{singleStepEpisode()}, 1, 2, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in, err := data.Sample()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.EnvState == nil {
		t.Fatal("expected environment state in sample")
	}

	envState := in.EnvState.Data().([]float64)
	for b := 0; b < 2; b++ {
		if envState[b*2] != 1.0 || envState[b*2+1] != 0.0 {
			t.Errorf("batch %v: unexpected environment state %v", b,
				envState[b*2:b*2+2])
		}
	}
}

// TestSampleImages checks frame extraction from image demonstrations
func TestSampleImages(t *testing.T) {
	const timesteps, frame = 2, 1 * 1 * 2 * 2

	// Frame values identify their timestep
	backing := make([]float64, timesteps*frame)
	for ts := 0; ts < timesteps; ts++ {
		for i := 0; i < frame; i++ {
			backing[ts*frame+i] = float64(ts)
		}
	}

	episode := Demonstration{
		Qpos:    [][]float64{{0}, {1}},
		Actions: [][]float64{{0}, {1}},
		Images: tensor.New(
			tensor.WithShape(timesteps, 1, 1, 2, 2),
			tensor.WithBacking(backing),
		),
	}

	data, err := New([]Demonstration{episode}, 1, 3, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in, err := data.Sample()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	shape := in.Images.Shape()
	if shape[0] != 3 || shape[1] != 1 || shape[2] != 1 ||
		shape[3] != 2 || shape[4] != 2 {
		t.Fatalf("unexpected image batch shape %v", shape)
	}

	// Each batch element's frame is constant at its sampled timestep,
	// which matches its (unnormalized) qpos value.
	images := in.Images.Data().([]float64)
	qpos := in.Qpos.Data().([]float64)
	stats := data.Stats()
	for b := 0; b < 3; b++ {
		ts := qpos[b]*stats.QposStd[0] + stats.QposMean[0]
		for i := 0; i < frame; i++ {
			if got := images[b*frame+i]; math.Abs(got-ts) > 1e-9 {
				t.Errorf("batch %v pixel %v: expected %v but got %v", b,
					i, ts, got)
			}
		}
	}
}

// TestValidation checks rejection of malformed demonstrations and
// parameters
func TestValidation(t *testing.T) {
	if _, err := New(nil, 1, 1, 14); err == nil {
		t.Error("expected error for empty dataset")
	}
	if _, err := New([]Demonstration{singleStepEpisode()}, 0, 1,
		14); err == nil {
		t.Error("expected error for non-positive sequence length")
	}

	noObs := Demonstration{
		Qpos:    [][]float64{{0}},
		Actions: [][]float64{{0}},
	}
	if _, err := New([]Demonstration{noObs}, 1, 1, 14); err == nil {
		t.Error("expected error for demonstration without observations")
	}

	mismatched := singleStepEpisode()
	mismatched.Actions = append(mismatched.Actions, []float64{0, 0})
	if _, err := New([]Demonstration{mismatched}, 1, 1, 14); err == nil {
		t.Error("expected error for mismatched episode lengths")
	}
}

// TestGobRoundTrip checks saving and loading demonstrations
func TestGobRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demos.bin")

	episodes := []Demonstration{singleStepEpisode()}
	if err := Save(path, episodes); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(loaded) != 1 {
		t.Fatalf("expected 1 episode but got %v", len(loaded))
	}
	if loaded[0].Qpos[0][0] != 0.5 || loaded[0].Qpos[0][1] != -0.5 {
		t.Errorf("unexpected loaded qpos %v", loaded[0].Qpos[0])
	}
	if loaded[0].Actions[0][0] != 0.25 {
		t.Errorf("unexpected loaded action %v", loaded[0].Actions[0])
	}
}
