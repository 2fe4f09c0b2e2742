package detrvae

import "gorgonia.org/tensor"

// Input is a tagged forward-pass input. The two variants select the
// model's mode explicitly: a TrainingInput carries a demonstrated
// action sequence and produces a latent distribution, while an
// InferenceInput carries observations only and uses the prior's mean
// (an all-zero latent) deterministically.
type Input interface {
	isInput()
}

// TrainingInput is a forward-pass input carrying a demonstrated action
// sequence.
type TrainingInput struct {
	// Qpos is the proprioceptive state, shape (batch, stateDim)
	Qpos *tensor.Dense

	// Images is the per-camera image stack, shape (batch, cameras,
	// channels, height, width). Required by image-conditioned models
	// and ignored by state-only models.
	Images *tensor.Dense

	// EnvState is the environment state, shape (batch, envStateDim).
	// Required by state-only models and ignored by image-conditioned
	// models.
	EnvState *tensor.Dense

	// Actions is the demonstrated action sequence, shape (batch,
	// seqLen, actionDim). A rank-2 (batch, actionDim) tensor is
	// treated as a single-step sequence.
	Actions *tensor.Dense

	// IsPad marks action positions beyond the true trajectory length,
	// shape (batch, seqLen) of bools. A rank-1 mask is treated as a
	// single-step mask. May be nil, in which case no position is
	// padded.
	IsPad *tensor.Dense
}

func (TrainingInput) isInput() {}

// InferenceInput is a forward-pass input carrying observations only
type InferenceInput struct {
	// Qpos is the proprioceptive state, shape (batch, stateDim)
	Qpos *tensor.Dense

	// Images is the per-camera image stack, required by
	// image-conditioned models. See TrainingInput.
	Images *tensor.Dense

	// EnvState is the environment state, required by state-only
	// models. See TrainingInput.
	EnvState *tensor.Dense
}

func (InferenceInput) isInput() {}

// Output is the result of a forward pass
type Output struct {
	// Action is the predicted action, shape (batch, actionDim)
	Action *tensor.Dense

	// IsPad is the predicted padding/termination logit, shape
	// (batch, 1)
	IsPad *tensor.Dense

	// Mu and LogVar parameterize the latent distribution, shape
	// (batch, latentDim) each. Both are nil for inference-mode calls.
	Mu     *tensor.Dense
	LogVar *tensor.Dense
}
