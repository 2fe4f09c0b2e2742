package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// BackboneConfig describes a convolutional feature extractor for one
// camera.
type BackboneConfig struct {
	// InChannels is the number of channels of the input image
	InChannels int

	// Channels holds the output channel count of each convolutional
	// stage. Each stage halves the spatial dimensions, so the input
	// height and width must be divisible by 2^len(Channels).
	Channels []int

	// Kernel is the square convolution kernel size of every stage
	Kernel int

	// ImageHeight and ImageWidth give the input spatial dimensions
	ImageHeight, ImageWidth int

	// PosWidth is the embedding width of the positional map paired
	// with the output feature map, normally the model hidden width
	PosWidth int
}

// Validate returns an error describing the first invalid field of the
// configuration, if any.
func (c BackboneConfig) Validate() error {
	if c.InChannels <= 0 || len(c.Channels) == 0 {
		return fmt.Errorf("backboneconfig: need input channels (%v) and "+
			"at least one stage", c.InChannels)
	}
	if c.Kernel <= 0 || c.Kernel%2 == 0 {
		return fmt.Errorf("backboneconfig: kernel must be odd and "+
			"positive but got %v", c.Kernel)
	}
	stride := 1 << len(c.Channels)
	if c.ImageHeight%stride != 0 || c.ImageWidth%stride != 0 {
		return fmt.Errorf("backboneconfig: image size %vx%v is not "+
			"divisible by the total stride %v", c.ImageHeight,
			c.ImageWidth, stride)
	}
	if c.PosWidth <= 0 || c.PosWidth%2 != 0 {
		return fmt.Errorf("backboneconfig: positional width must be "+
			"positive and even but got %v", c.PosWidth)
	}
	return nil
}

// convStage is one convolution + bias + ReLU + pooling stage of a
// Backbone
type convStage struct {
	filter *G.Node
	bias   *G.Node
}

// Backbone extracts a spatial feature map from one camera image
// together with a fixed positional-embedding map of identical spatial
// shape. Images are NCHW. Each stage is a stride-1 same-padded
// convolution followed by ReLU and 2x2 max pooling, so the output
// feature map is (batch, Channels[last], H/2^n, W/2^n) for n stages.
type Backbone struct {
	stages []*convStage
	pos    *tensor.Dense // (1, PosWidth, outH, outW), constant
	config BackboneConfig

	outHeight, outWidth int
}

// NewBackbone returns a new Backbone on graph g described by config.
// Filters are initialized with init. The name must be unique within g.
func NewBackbone(g *G.ExprGraph, config BackboneConfig, init G.InitWFn,
	name string) (*Backbone, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newbackbone: %v", err)
	}

	stages := make([]*convStage, len(config.Channels))
	in := config.InChannels
	for i, out := range config.Channels {
		filter := G.NewTensor(
			g,
			tensor.Float64,
			4,
			G.WithShape(out, in, config.Kernel, config.Kernel),
			G.WithName(fmt.Sprintf("%v/Stage%d/Filter", name, i)),
			G.WithInit(init),
		)
		bias := G.NewTensor(
			g,
			tensor.Float64,
			4,
			G.WithShape(1, out, 1, 1),
			G.WithName(fmt.Sprintf("%v/Stage%d/Bias", name, i)),
			G.WithInit(G.Zeroes()),
		)
		stages[i] = &convStage{filter: filter, bias: bias}
		in = out
	}

	outHeight := config.ImageHeight / (1 << len(config.Channels))
	outWidth := config.ImageWidth / (1 << len(config.Channels))
	pos, err := Sine2D(config.PosWidth, outHeight, outWidth)
	if err != nil {
		return nil, fmt.Errorf("newbackbone: %v", err)
	}

	return &Backbone{
		stages:    stages,
		pos:       pos,
		config:    config,
		outHeight: outHeight,
		outWidth:  outWidth,
	}, nil
}

// Fwd adds the forward pass of the backbone to the computational
// graph. The image must have shape (batch, InChannels, ImageHeight,
// ImageWidth); the returned feature map has shape (batch,
// Channels[last], outH, outW).
func (b *Backbone) Fwd(image *G.Node) (*G.Node, error) {
	shape := image.Shape()
	if len(shape) != 4 || shape[1] != b.config.InChannels ||
		shape[2] != b.config.ImageHeight || shape[3] != b.config.ImageWidth {
		return nil, fmt.Errorf("fwd: backbone expected image of shape "+
			"(batch, %v, %v, %v) but got %v", b.config.InChannels,
			b.config.ImageHeight, b.config.ImageWidth, shape)
	}

	pad := (b.config.Kernel - 1) / 2
	x := image
	for _, stage := range b.stages {
		x = G.Must(G.Conv2d(
			x,
			stage.filter,
			tensor.Shape{b.config.Kernel, b.config.Kernel},
			[]int{pad, pad},
			[]int{1, 1},
			[]int{1, 1},
		))
		x = G.Must(G.BroadcastAdd(x, stage.bias, nil, []byte{0, 2, 3}))
		x = G.Must(G.Rectify(x))
		x = G.Must(G.MaxPool2D(
			x,
			tensor.Shape{2, 2},
			[]int{0, 0},
			[]int{2, 2},
		))
	}
	return x, nil
}

// Pos returns the fixed positional-embedding map paired with the
// backbone's feature map, of shape (1, PosWidth, outH, outW).
func (b *Backbone) Pos() *tensor.Dense {
	return b.pos
}

// NumChannels returns the channel count of the output feature map
func (b *Backbone) NumChannels() int {
	return b.config.Channels[len(b.config.Channels)-1]
}

// OutHeight returns the spatial height of the output feature map
func (b *Backbone) OutHeight() int {
	return b.outHeight
}

// OutWidth returns the spatial width of the output feature map
func (b *Backbone) OutWidth() int {
	return b.outWidth
}

// Learnables returns the learnable nodes of the backbone
func (b *Backbone) Learnables() G.Nodes {
	nodes := make(G.Nodes, 0, 2*len(b.stages))
	for _, stage := range b.stages {
		nodes = append(nodes, stage.filter, stage.bias)
	}
	return nodes
}
