package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// EncoderConfig describes a transformer encoder stack
type EncoderConfig struct {
	Hidden      int     // Model hidden width
	Heads       int     // Attention heads per layer
	FeedForward int     // Feed-forward inner width
	Layers      int     // Number of encoder layers
	Dropout     float64 // Dropout probability, 0 disables dropout
	PreNorm     bool    // Normalize before (true) or after (false) sublayers
}

// Validate returns an error describing the first invalid field of the
// configuration, if any.
func (c EncoderConfig) Validate() error {
	if c.Hidden <= 0 || c.Heads <= 0 || c.FeedForward <= 0 || c.Layers <= 0 {
		return fmt.Errorf("encoderconfig: hidden (%v), heads (%v), "+
			"feedforward (%v), and layers (%v) must all be positive",
			c.Hidden, c.Heads, c.FeedForward, c.Layers)
	}
	if c.Hidden%c.Heads != 0 {
		return fmt.Errorf("encoderconfig: hidden width %v is not "+
			"divisible by %v heads", c.Hidden, c.Heads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("encoderconfig: dropout must be in [0, 1) "+
			"but got %v", c.Dropout)
	}
	return nil
}

// encoderLayer is one self-attention + feed-forward layer of an
// Encoder
type encoderLayer struct {
	attn         *Attention
	ff1, ff2     *Linear
	norm1, norm2 *LayerNorm
}

// Encoder implements a stack of transformer encoder layers operating
// on batch-first sequences of shape (batch, length, hidden). Position
// embeddings are added to queries and keys at every layer, and an
// optional additive key-padding mask excludes padded positions from
// attention.
type Encoder struct {
	layers []*encoderLayer
	norm   *LayerNorm // Final normalization, pre-norm stacks only
	config EncoderConfig
}

// NewEncoder returns a new Encoder on graph g described by config.
// Parameters are initialized with init. The name must be unique
// within g.
func NewEncoder(g *G.ExprGraph, config EncoderConfig, init G.InitWFn,
	name string) (*Encoder, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newencoder: %v", err)
	}

	layers := make([]*encoderLayer, config.Layers)
	for i := range layers {
		prefix := fmt.Sprintf("%v/Layer%d", name, i)
		attn, err := NewAttention(g, config.Hidden, config.Heads, init,
			prefix+"/SelfAttn")
		if err != nil {
			return nil, fmt.Errorf("newencoder: %v", err)
		}
		layers[i] = &encoderLayer{
			attn: attn,
			ff1: NewLinear(g, config.Hidden, config.FeedForward, init,
				ReLU(), prefix+"/FF1"),
			ff2: NewLinear(g, config.FeedForward, config.Hidden, init,
				Nil(), prefix+"/FF2"),
			norm1: NewLayerNorm(g, config.Hidden, prefix+"/Norm1"),
			norm2: NewLayerNorm(g, config.Hidden, prefix+"/Norm2"),
		}
	}

	var norm *LayerNorm
	if config.PreNorm {
		norm = NewLayerNorm(g, config.Hidden, name+"/Norm")
	}

	return &Encoder{
		layers: layers,
		norm:   norm,
		config: config,
	}, nil
}

// Fwd adds the forward pass of the encoder stack to the computational
// graph. src has shape (batch, length, hidden), pos is an optional
// position embedding of shape (1, length, hidden), and mask is an
// optional additive key-padding mask of shape (batch, 1, length).
// Dropout is applied only when train is true.
func (e *Encoder) Fwd(src, pos, mask *G.Node, train bool) (*G.Node, error) {
	var err error
	for i, layer := range e.layers {
		if e.config.PreNorm {
			src, err = layer.fwdPreNorm(src, pos, mask, e.config.Dropout,
				train)
		} else {
			src, err = layer.fwdPostNorm(src, pos, mask, e.config.Dropout,
				train)
		}
		if err != nil {
			return nil, fmt.Errorf("fwd: could not compute encoder "+
				"layer %v: %v", i, err)
		}
	}

	if e.norm != nil {
		return e.norm.FwdSeq(src)
	}
	return src, nil
}

func (l *encoderLayer) fwdPostNorm(src, pos, mask *G.Node, p float64,
	train bool) (*G.Node, error) {
	attnOut, err := l.attn.Fwd(src, src, src, pos, pos, mask)
	if err != nil {
		return nil, err
	}
	src = G.Must(G.Add(src, dropout(attnOut, p, train)))
	if src, err = l.norm1.FwdSeq(src); err != nil {
		return nil, err
	}

	ff, err := l.feedForward(src, p, train)
	if err != nil {
		return nil, err
	}
	src = G.Must(G.Add(src, dropout(ff, p, train)))
	return l.norm2.FwdSeq(src)
}

func (l *encoderLayer) fwdPreNorm(src, pos, mask *G.Node, p float64,
	train bool) (*G.Node, error) {
	normed, err := l.norm1.FwdSeq(src)
	if err != nil {
		return nil, err
	}
	attnOut, err := l.attn.Fwd(normed, normed, normed, pos, pos, mask)
	if err != nil {
		return nil, err
	}
	src = G.Must(G.Add(src, dropout(attnOut, p, train)))

	normed, err = l.norm2.FwdSeq(src)
	if err != nil {
		return nil, err
	}
	ff, err := l.feedForward(normed, p, train)
	if err != nil {
		return nil, err
	}
	return G.Must(G.Add(src, dropout(ff, p, train))), nil
}

func (l *encoderLayer) feedForward(x *G.Node, p float64,
	train bool) (*G.Node, error) {
	hidden, err := l.ff1.FwdSeq(x)
	if err != nil {
		return nil, err
	}
	return l.ff2.FwdSeq(dropout(hidden, p, train))
}

// Learnables returns the learnable nodes of the encoder
func (e *Encoder) Learnables() G.Nodes {
	var nodes G.Nodes
	for _, l := range e.layers {
		nodes = append(nodes, l.attn.Learnables()...)
		nodes = append(nodes, l.ff1.Learnables()...)
		nodes = append(nodes, l.ff2.Learnables()...)
		nodes = append(nodes, l.norm1.Learnables()...)
		nodes = append(nodes, l.norm2.Learnables()...)
	}
	if e.norm != nil {
		nodes = append(nodes, e.norm.Learnables()...)
	}
	return nodes
}

// dropout applies dropout with probability p to x when training. At
// probability 0 or outside of training it is the identity.
func dropout(x *G.Node, p float64, train bool) *G.Node {
	if !train || p <= 0 {
		return x
	}
	return G.Must(G.Dropout(x, p))
}
