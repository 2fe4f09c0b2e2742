// Package detrvae implements a conditional variational
// encoder-decoder policy over robot proprioception, camera images and
// action sequences. A transformer encoder summarizes a demonstrated
// action sequence into a latent distribution; a sample from that
// distribution conditions a detection-style transformer decoder that
// predicts the next action chunk from learned query slots.
package detrvae

import (
	"fmt"

	"github.com/samuelfneumann/goact/network"
)

// DefaultLatentDim is the default width of the latent code
const DefaultLatentDim = 32

// Config describes a DETRVAE. The same Config can rebuild a
// structurally identical model, which is how clones and checkpoint
// restores are produced.
type Config struct {
	// StateDim is the width of the proprioceptive state vector
	StateDim int

	// ActionDim is the width of a single action vector
	ActionDim int

	// EnvStateDim is the width of the environment-state vector
	// consumed by state-only models. Ignored by image-conditioned
	// models.
	EnvStateDim int

	// HiddenDim is the transformer hidden width
	HiddenDim int

	// LatentDim is the width of the latent code. A non-positive value
	// selects DefaultLatentDim.
	LatentDim int

	// NumQueries is the number of learned query slots. The slot at
	// index 0 provides the model prediction.
	NumQueries int

	// SeqLen is the action-sequence length consumed by the latent
	// encoder during training
	SeqLen int

	// BatchSize fixes the batch dimension of the model's graph
	BatchSize int

	// CameraNames names the cameras of an image-conditioned model,
	// one backbone per name. Ignored by state-only models.
	CameraNames []string

	// Transformer stack hyperparameters. EncoderLayers is shared by
	// the latent encoder and the decoder-side memory encoder.
	Heads         int
	FeedForward   int
	EncoderLayers int
	DecoderLayers int
	Dropout       float64
	PreNorm       bool

	// Backbone describes the per-camera feature extractor of an
	// image-conditioned model. The PosWidth field is overwritten with
	// HiddenDim when the model is built.
	Backbone network.BackboneConfig

	// Seed seeds the latent noise source
	Seed uint64
}

// Validate returns an error describing the first invalid field of the
// configuration, if any.
func (c Config) Validate() error {
	if c.StateDim <= 0 || c.ActionDim <= 0 {
		return fmt.Errorf("config: state dimension (%v) and action "+
			"dimension (%v) must be positive", c.StateDim, c.ActionDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("config: hidden dimension must be positive "+
			"but got %v", c.HiddenDim)
	}
	if c.NumQueries <= 0 {
		return fmt.Errorf("config: need at least one query slot but "+
			"got %v", c.NumQueries)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("config: action sequence length must be "+
			"positive but got %v", c.SeqLen)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive but "+
			"got %v", c.BatchSize)
	}
	return nil
}

// latentDim returns the configured latent width, falling back to the
// default
func (c Config) latentDim() int {
	if c.LatentDim <= 0 {
		return DefaultLatentDim
	}
	return c.LatentDim
}

// transformerConfig returns the decoder-side transformer configuration
func (c Config) transformerConfig() network.TransformerConfig {
	return network.TransformerConfig{
		Hidden:        c.HiddenDim,
		Heads:         c.Heads,
		FeedForward:   c.FeedForward,
		EncoderLayers: c.EncoderLayers,
		DecoderLayers: c.DecoderLayers,
		NumQueries:    c.NumQueries,
		Dropout:       c.Dropout,
		PreNorm:       c.PreNorm,
	}
}

// encoderConfig returns the latent-encoder configuration. The layer
// count is shared with the decoder-side memory encoder.
func (c Config) encoderConfig() network.EncoderConfig {
	return network.EncoderConfig{
		Hidden:      c.HiddenDim,
		Heads:       c.Heads,
		FeedForward: c.FeedForward,
		Layers:      c.EncoderLayers,
		Dropout:     c.Dropout,
		PreNorm:     c.PreNorm,
	}
}
