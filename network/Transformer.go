package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// TransformerConfig describes a Transformer
type TransformerConfig struct {
	Hidden        int     // Model hidden width
	Heads         int     // Attention heads per layer
	FeedForward   int     // Feed-forward inner width
	EncoderLayers int     // Layers in the memory encoder stack
	DecoderLayers int     // Layers in the query decoder stack
	NumQueries    int     // Learned query slots, one per predicted output
	Dropout       float64 // Dropout probability, 0 disables dropout
	PreNorm       bool    // Normalize before (true) or after (false) sublayers
}

// Validate returns an error describing the first invalid field of the
// configuration, if any.
func (c TransformerConfig) Validate() error {
	if c.NumQueries <= 0 {
		return fmt.Errorf("transformerconfig: need at least one query "+
			"slot but got %v", c.NumQueries)
	}
	err := EncoderConfig{
		Hidden:      c.Hidden,
		Heads:       c.Heads,
		FeedForward: c.FeedForward,
		Layers:      c.EncoderLayers,
		Dropout:     c.Dropout,
		PreNorm:     c.PreNorm,
	}.Validate()
	if err != nil {
		return fmt.Errorf("transformerconfig: %v", err)
	}
	if c.DecoderLayers <= 0 {
		return fmt.Errorf("transformerconfig: decoder layers must be "+
			"positive but got %v", c.DecoderLayers)
	}
	return nil
}

// Transformer fuses a memory of conditioning tokens into one hidden
// vector per learned query slot. The memory is first passed through an
// encoder stack, then a decoder stack cross-attends from the query
// slots into the encoded memory. The layout of the hidden-state output
// is fixed at construction and declared by Layout, so consumers never
// detect the orientation of the output from its shape.
type Transformer struct {
	encoder    *Encoder
	decoder    *Decoder
	queryEmbed *G.Node // (1, NumQueries, Hidden) learned query slots
	config     TransformerConfig
	layout     TensorLayout
}

// NewTransformer returns a new Transformer on graph g described by
// config. Parameters are initialized with init. The name must be
// unique within g.
func NewTransformer(g *G.ExprGraph, config TransformerConfig, init G.InitWFn,
	name string) (*Transformer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newtransformer: %v", err)
	}

	encoder, err := NewEncoder(g, EncoderConfig{
		Hidden:      config.Hidden,
		Heads:       config.Heads,
		FeedForward: config.FeedForward,
		Layers:      config.EncoderLayers,
		Dropout:     config.Dropout,
		PreNorm:     config.PreNorm,
	}, init, name+"/Encoder")
	if err != nil {
		return nil, fmt.Errorf("newtransformer: %v", err)
	}

	decoder, err := NewDecoder(g, DecoderConfig{
		Hidden:      config.Hidden,
		Heads:       config.Heads,
		FeedForward: config.FeedForward,
		Layers:      config.DecoderLayers,
		Dropout:     config.Dropout,
		PreNorm:     config.PreNorm,
	}, init, name+"/Decoder")
	if err != nil {
		return nil, fmt.Errorf("newtransformer: %v", err)
	}

	queryEmbed := G.NewTensor(
		g,
		tensor.Float64,
		3,
		G.WithShape(1, config.NumQueries, config.Hidden),
		G.WithName(name+"/QueryEmbed"),
		G.WithInit(init),
	)

	return &Transformer{
		encoder:    encoder,
		decoder:    decoder,
		queryEmbed: queryEmbed,
		config:     config,
		layout:     BatchFirst,
	}, nil
}

// Fwd adds the forward pass of the transformer to the computational
// graph. memory has shape (batch, length, hidden) and pos is a
// position embedding of shape (1, length, hidden) aligned with it.
// Dropout is applied only when train is true. The output holds one
// hidden vector per query slot per batch element, laid out according
// to Layout.
func (t *Transformer) Fwd(memory, pos *G.Node, train bool) (*G.Node, error) {
	if memory.Shape()[2] != t.config.Hidden {
		return nil, fmt.Errorf("fwd: transformer expected hidden width "+
			"%v but got memory of shape %v", t.config.Hidden, memory.Shape())
	}
	batch := memory.Shape()[0]

	encoded, err := t.encoder.Fwd(memory, pos, nil, train)
	if err != nil {
		return nil, fmt.Errorf("fwd: could not encode memory: %v", err)
	}

	// Query slots start from zero; the learned query embeddings enter
	// through the position path at every decoder layer. The zero
	// target must live on the same graph as the memory, and both
	// pipelines share the one node.
	tgt := G.NewTensor(
		memory.Graph(),
		tensor.Float64,
		3,
		G.WithShape(batch, t.config.NumQueries, t.config.Hidden),
		G.WithName(t.queryEmbed.Name()+"/Target"),
		G.WithInit(G.Zeroes()),
	)

	return t.decoder.Fwd(tgt, encoded, t.queryEmbed, pos, train)
}

// Layout returns the layout of the transformer's hidden-state output
func (t *Transformer) Layout() TensorLayout {
	return t.layout
}

// NumQueries returns the number of learned query slots
func (t *Transformer) NumQueries() int {
	return t.config.NumQueries
}

// Hidden returns the model hidden width
func (t *Transformer) Hidden() int {
	return t.config.Hidden
}

// Learnables returns the learnable nodes of the transformer
func (t *Transformer) Learnables() G.Nodes {
	nodes := G.Nodes{t.queryEmbed}
	nodes = append(nodes, t.encoder.Learnables()...)
	nodes = append(nodes, t.decoder.Learnables()...)
	return nodes
}
