package detrvae

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"gonum.org/v1/gonum/stat/distmv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/goact/initwfn"
	"github.com/samuelfneumann/goact/network"
)

// variant selects between the two constructible model variants
type variant int

const (
	imageConditioned variant = iota
	stateOnly
)

// DETRVAE composes a latent encoder, a reparameterization sampler, a
// conditioning pathway and a decoder transformer into a single policy
// model. The model's graph holds both the training pipeline (latent
// encoder, sampled latent, decoder) and the inference pipeline (zero
// latent, decoder) over shared parameters, and Forward dispatches
// between them on the type of its Input.
//
// A DETRVAE is stateless between calls: parameters change only through
// gradient-based optimization owned by the surrounding training loop,
// and every forward call builds its non-parameter tensors afresh.
type DETRVAE struct {
	g       *G.ExprGraph
	config  Config
	variant variant

	backbones   []*network.Backbone
	transformer *network.Transformer
	encoder     *network.Encoder

	// Latent encoder parameters
	clsEmbed          *G.Node // (1, 1, hidden) learned CLS token
	encoderActionProj *network.Linear
	encoderJointProj  *network.Linear
	latentProj        *network.Linear

	// Conditioning parameters
	inputProjFilter     *G.Node // 1x1 projection, image variant
	inputProjBias       *G.Node
	inputProjRobotState *network.Linear
	inputProjEnvState   *network.Linear // state-only variant
	latentOutProj       *network.Linear
	additionalPosEmbed  *G.Node // (1, 2, hidden): proprioception, latent
	statePosEmbed       *G.Node // (1, 2, hidden), state-only variant

	// Output heads
	actionHead *network.Linear
	isPadHead  *network.Linear

	// Inputs
	qpos     *G.Node   // (batch, stateDim)
	cameras  []*G.Node // each (batch, channels, height, width)
	envState *G.Node   // (batch, envStateDim)
	actions  *G.Node   // (batch, seqLen, actionDim)
	padMask  *G.Node   // (batch, 1, 2+seqLen) additive
	noise    *G.Node   // (batch, latentDim)

	// Training-pipeline outputs
	muNode      *G.Node
	logVarNode  *G.Node
	trainAction *G.Node
	trainIsPad  *G.Node

	// Inference-pipeline outputs
	inferAction *G.Node
	inferIsPad  *G.Node

	// Output values are held behind a pointer because the graph's
	// value readers capture their addresses at build time: the struct
	// may be copied afterwards, the read targets must not be.
	vals *outputValues

	learnables G.Nodes
	model      []G.ValueGrad
	vm         G.VM
	sampler    *Sampler
}

// NewImageConditioned returns a DETRVAE conditioned on camera images.
// The backbones, transformer, and latent encoder must already have
// been constructed on graph g, with one backbone per configured camera
// name. A model constructed without backbones cannot consume images,
// so a missing or empty backbone list is a construction-time error.
func NewImageConditioned(g *G.ExprGraph, config Config,
	backbones []*network.Backbone, transformer *network.Transformer,
	encoder *network.Encoder, init G.InitWFn) (*DETRVAE, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newimageconditioned: %v", err)
	}
	if len(backbones) == 0 {
		return nil, fmt.Errorf("newimageconditioned: image-conditioned " +
			"model requires at least one backbone")
	}
	if len(backbones) != len(config.CameraNames) {
		return nil, fmt.Errorf("newimageconditioned: have %v backbones "+
			"for %v cameras", len(backbones), len(config.CameraNames))
	}
	for i, backbone := range backbones {
		if width := backbone.Pos().Shape()[1]; width != config.HiddenDim {
			return nil, fmt.Errorf("newimageconditioned: backbone %v "+
				"produces position embeddings of width %v but the model "+
				"hidden dimension is %v", i, width, config.HiddenDim)
		}
	}

	m := &DETRVAE{
		g:           g,
		config:      config,
		variant:     imageConditioned,
		backbones:   backbones,
		transformer: transformer,
		encoder:     encoder,
		sampler:     NewSampler(config.latentDim(), config.Seed),
		vals:        &outputValues{},
	}
	if err := m.build(init); err != nil {
		return nil, fmt.Errorf("newimageconditioned: %v", err)
	}
	return m, nil
}

// NewStateOnly returns a DETRVAE conditioned on a low-dimensional
// environment state instead of camera images. The transformer and
// latent encoder must already have been constructed on graph g.
func NewStateOnly(g *G.ExprGraph, config Config,
	transformer *network.Transformer, encoder *network.Encoder,
	init G.InitWFn) (*DETRVAE, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newstateonly: %v", err)
	}
	if config.EnvStateDim <= 0 {
		return nil, fmt.Errorf("newstateonly: environment state "+
			"dimension must be positive but got %v", config.EnvStateDim)
	}

	m := &DETRVAE{
		g:           g,
		config:      config,
		variant:     stateOnly,
		transformer: transformer,
		encoder:     encoder,
		sampler:     NewSampler(config.latentDim(), config.Seed),
		vals:        &outputValues{},
	}
	if err := m.build(init); err != nil {
		return nil, fmt.Errorf("newstateonly: %v", err)
	}
	return m, nil
}

// Build constructs an image-conditioned DETRVAE together with all of
// its sub-modules on a fresh graph. A nil init selects Glorot normal
// initialization.
func Build(config Config, init *initwfn.InitWFn) (*DETRVAE, error) {
	initFn, err := defaultInit(init)
	if err != nil {
		return nil, fmt.Errorf("build: %v", err)
	}
	g := G.NewGraph()

	backboneConfig := config.Backbone
	backboneConfig.PosWidth = config.HiddenDim
	backbones := make([]*network.Backbone, len(config.CameraNames))
	for i, name := range config.CameraNames {
		backbones[i], err = network.NewBackbone(g, backboneConfig, initFn,
			"Backbone/"+name)
		if err != nil {
			return nil, fmt.Errorf("build: %v", err)
		}
	}

	transformer, encoder, err := buildStacks(g, config, initFn)
	if err != nil {
		return nil, fmt.Errorf("build: %v", err)
	}
	return NewImageConditioned(g, config, backbones, transformer, encoder,
		initFn)
}

// BuildStateOnly constructs a state-only DETRVAE together with all of
// its sub-modules on a fresh graph. A nil init selects Glorot normal
// initialization.
func BuildStateOnly(config Config, init *initwfn.InitWFn) (*DETRVAE, error) {
	initFn, err := defaultInit(init)
	if err != nil {
		return nil, fmt.Errorf("buildstateonly: %v", err)
	}
	g := G.NewGraph()

	transformer, encoder, err := buildStacks(g, config, initFn)
	if err != nil {
		return nil, fmt.Errorf("buildstateonly: %v", err)
	}
	return NewStateOnly(g, config, transformer, encoder, initFn)
}

// buildStacks constructs the decoder transformer and latent encoder
func buildStacks(g *G.ExprGraph, config Config,
	init G.InitWFn) (*network.Transformer, *network.Encoder, error) {
	transformer, err := network.NewTransformer(g, config.transformerConfig(),
		init, "Transformer")
	if err != nil {
		return nil, nil, err
	}
	encoder, err := network.NewEncoder(g, config.encoderConfig(), init,
		"LatentEncoder")
	if err != nil {
		return nil, nil, err
	}
	return transformer, encoder, nil
}

// defaultInit resolves the weight initializer, defaulting to Glorot
// normal
func defaultInit(init *initwfn.InitWFn) (G.InitWFn, error) {
	if init == nil {
		glorot, err := initwfn.NewGlorotN(1.0)
		if err != nil {
			return nil, err
		}
		return glorot.InitWFn(), nil
	}
	return init.InitWFn(), nil
}

// build creates the model's parameters and input nodes and assembles
// both forward pipelines.
func (m *DETRVAE) build(init G.InitWFn) error {
	if err := m.transformer.Layout().Validate(); err != nil {
		return err
	}
	if m.transformer.NumQueries() != m.config.NumQueries {
		return fmt.Errorf("transformer has %v query slots but the model "+
			"is configured for %v", m.transformer.NumQueries(),
			m.config.NumQueries)
	}

	g := m.g
	cfg := m.config
	hidden := cfg.HiddenDim
	latent := cfg.latentDim()
	batch := cfg.BatchSize

	// Latent encoder parameters
	m.clsEmbed = G.NewTensor(g, tensor.Float64, 3,
		G.WithShape(1, 1, hidden), G.WithName("CLSEmbed"), G.WithInit(init))
	m.encoderActionProj = network.NewLinear(g, cfg.ActionDim, hidden, init,
		network.Nil(), "EncoderActionProj")
	m.encoderJointProj = network.NewLinear(g, cfg.StateDim, hidden, init,
		network.Nil(), "EncoderJointProj")
	m.latentProj = network.NewLinear(g, hidden, 2*latent, init,
		network.Nil(), "LatentProj")

	// Conditioning parameters
	m.inputProjRobotState = network.NewLinear(g, cfg.StateDim, hidden, init,
		network.Nil(), "InputProjRobotState")
	m.latentOutProj = network.NewLinear(g, latent, hidden, init,
		network.Nil(), "LatentOutProj")

	switch m.variant {
	case imageConditioned:
		channels := m.backbones[0].NumChannels()
		m.inputProjFilter = G.NewTensor(g, tensor.Float64, 4,
			G.WithShape(hidden, channels, 1, 1),
			G.WithName("InputProj/Filter"), G.WithInit(init))
		m.inputProjBias = G.NewTensor(g, tensor.Float64, 4,
			G.WithShape(1, hidden, 1, 1),
			G.WithName("InputProj/Bias"), G.WithInit(G.Zeroes()))
		m.additionalPosEmbed = G.NewTensor(g, tensor.Float64, 3,
			G.WithShape(1, 2, hidden), G.WithName("AdditionalPosEmbed"),
			G.WithInit(init))
	case stateOnly:
		m.inputProjEnvState = network.NewLinear(g, cfg.EnvStateDim, hidden,
			init, network.Nil(), "InputProjEnvState")
		m.statePosEmbed = G.NewTensor(g, tensor.Float64, 3,
			G.WithShape(1, 2, hidden), G.WithName("StatePosEmbed"),
			G.WithInit(init))
	}

	// Output heads
	m.actionHead = network.NewLinear(g, hidden, cfg.ActionDim, init,
		network.Nil(), "ActionHead")
	m.isPadHead = network.NewLinear(g, hidden, 1, init, network.Nil(),
		"IsPadHead")

	// Inputs
	m.qpos = G.NewMatrix(g, tensor.Float64,
		G.WithShape(batch, cfg.StateDim), G.WithName("Input/Qpos"),
		G.WithInit(G.Zeroes()))
	m.actions = G.NewTensor(g, tensor.Float64, 3,
		G.WithShape(batch, cfg.SeqLen, cfg.ActionDim),
		G.WithName("Input/Actions"), G.WithInit(G.Zeroes()))
	m.padMask = G.NewTensor(g, tensor.Float64, 3,
		G.WithShape(batch, 1, cfg.SeqLen+2), G.WithName("Input/PadMask"),
		G.WithInit(G.Zeroes()))
	m.noise = G.NewMatrix(g, tensor.Float64, G.WithShape(batch, latent),
		G.WithName("Input/Noise"), G.WithInit(G.Zeroes()))

	switch m.variant {
	case imageConditioned:
		backbone := m.config.Backbone
		m.cameras = make([]*G.Node, len(cfg.CameraNames))
		for i, name := range cfg.CameraNames {
			m.cameras[i] = G.NewTensor(g, tensor.Float64, 4,
				G.WithShape(batch, backbone.InChannels,
					backbone.ImageHeight, backbone.ImageWidth),
				G.WithName("Input/Camera/"+name), G.WithInit(G.Zeroes()))
		}
	case stateOnly:
		m.envState = G.NewMatrix(g, tensor.Float64,
			G.WithShape(batch, cfg.EnvStateDim),
			G.WithName("Input/EnvState"), G.WithInit(G.Zeroes()))
	}

	if err := m.buildLatentEncoder(); err != nil {
		return err
	}
	if err := m.buildPipelines(); err != nil {
		return err
	}

	m.collectLearnables()
	return nil
}

// buildLatentEncoder assembles the training-mode latent pipeline:
// tokens [CLS, proprioception, action sequence] through the encoder,
// the CLS output projected and split into mean and log-variance, and
// the reparameterized latent sample.
func (m *DETRVAE) buildLatentEncoder() error {
	cfg := m.config
	batch := cfg.BatchSize
	hidden := cfg.HiddenDim
	latent := cfg.latentDim()

	actionTokens, err := m.encoderActionProj.FwdSeq(m.actions)
	if err != nil {
		return err
	}
	jointToken, err := m.encoderJointProj.Fwd(m.qpos)
	if err != nil {
		return err
	}
	jointToken = G.Must(G.Reshape(jointToken, tensor.Shape{batch, 1, hidden}))

	// Broadcast the learned CLS embedding over the batch
	zeros := constTensor(m.g, tensor.New(
		tensor.Of(tensor.Float64),
		tensor.WithShape(batch, 1, hidden),
	), "CLSTile")
	clsToken := G.Must(G.BroadcastAdd(zeros, m.clsEmbed, nil, []byte{0}))

	encoderIn := G.Must(G.Concat(1, clsToken, jointToken, actionTokens))

	// Position embeddings are the first 2+seqLen rows of the sinusoid
	// table, aligned index-for-index with the tokens
	tableLen := 2 + cfg.SeqLen
	if cfg.NumQueries+2 > tableLen {
		tableLen = 2 + cfg.NumQueries
	}
	table := network.SinusoidTable(tableLen, hidden)
	prefix, err := network.SinusoidPrefix(table, 2+cfg.SeqLen)
	if err != nil {
		return err
	}
	pos := constTensor(m.g, prefix, "LatentEncoderPos")

	encoded, err := m.encoder.Fwd(encoderIn, pos, m.padMask, true)
	if err != nil {
		return err
	}

	// Only the CLS position's output is retained
	clsOut := G.Must(G.Slice(encoded, nil, G.S(0)))

	latentInfo, err := m.latentProj.Fwd(clsOut)
	if err != nil {
		return err
	}
	m.muNode = G.Must(G.Slice(latentInfo, nil, G.S(0, latent)))
	m.logVarNode = G.Must(G.Slice(latentInfo, nil, G.S(latent, 2*latent)))

	G.Read(m.muNode, &m.vals.mu)
	G.Read(m.logVarNode, &m.vals.logVar)
	return nil
}

// buildPipelines assembles the training and inference decoder passes
// over shared parameters. The training pass conditions on the sampled
// latent; the inference pass conditions on the prior's mean, an
// all-zero latent of the same shape.
func (m *DETRVAE) buildPipelines() error {
	batch := m.config.BatchSize
	latent := m.config.latentDim()

	sample := reparametrize(m.muNode, m.logVarNode, m.noise)
	latentTrain, err := m.latentOutProj.Fwd(sample)
	if err != nil {
		return err
	}

	zeroLatent := constTensor(m.g, tensor.New(
		tensor.Of(tensor.Float64),
		tensor.WithShape(batch, latent),
	), "ZeroLatent")
	latentInfer, err := m.latentOutProj.Fwd(zeroLatent)
	if err != nil {
		return err
	}

	m.trainAction, m.trainIsPad, err = m.decode(latentTrain, true)
	if err != nil {
		return err
	}
	m.inferAction, m.inferIsPad, err = m.decode(latentInfer, false)
	if err != nil {
		return err
	}

	G.Read(m.trainAction, &m.vals.trainAct)
	G.Read(m.trainIsPad, &m.vals.trainPad)
	G.Read(m.inferAction, &m.vals.inferAct)
	G.Read(m.inferIsPad, &m.vals.inferPad)
	return nil
}

// decode runs the conditioning pathway and decoder transformer for one
// pipeline and selects the slot-0 prediction from the output heads.
func (m *DETRVAE) decode(latentInput *G.Node, train bool) (*G.Node, *G.Node,
	error) {
	batch := m.config.BatchSize
	hidden := m.config.HiddenDim

	latentToken := G.Must(G.Reshape(latentInput,
		tensor.Shape{batch, 1, hidden}))

	var memory, pos *G.Node
	switch m.variant {
	case imageConditioned:
		proprio, err := m.inputProjRobotState.Fwd(m.qpos)
		if err != nil {
			return nil, nil, err
		}
		proprioToken := G.Must(G.Reshape(proprio,
			tensor.Shape{batch, 1, hidden}))

		cameraTokens, cameraPos, err := m.cameraFeatures()
		if err != nil {
			return nil, nil, err
		}

		memory = G.Must(G.Concat(1, latentToken, proprioToken, cameraTokens))
		pos = G.Must(G.Concat(1, m.additionalPosEmbed, cameraPos))
	case stateOnly:
		// The latent conditions only the training loss here: the
		// decoder memory carries the proprioception and environment
		// tokens alone, mirroring the reference behaviour.
		proprio, err := m.inputProjRobotState.Fwd(m.qpos)
		if err != nil {
			return nil, nil, err
		}
		proprioToken := G.Must(G.Reshape(proprio,
			tensor.Shape{batch, 1, hidden}))

		env, err := m.inputProjEnvState.Fwd(m.envState)
		if err != nil {
			return nil, nil, err
		}
		envToken := G.Must(G.Reshape(env, tensor.Shape{batch, 1, hidden}))

		memory = G.Must(G.Concat(1, proprioToken, envToken))
		pos = m.statePosEmbed
	}

	hs, err := m.transformer.Fwd(memory, pos, train)
	if err != nil {
		return nil, nil, err
	}
	return m.selectSlot(hs)
}

// cameraFeatures extracts, projects, and flattens the per-camera
// feature maps. Camera feature maps are concatenated along the width
// axis before flattening so that one attention computation attends
// jointly across all views. Returns batch-first tokens
// (batch, S, hidden) and positions (1, S, hidden).
func (m *DETRVAE) cameraFeatures() (*G.Node, *G.Node, error) {
	batch := m.config.BatchSize
	hidden := m.config.HiddenDim

	features := make([]*G.Node, len(m.backbones))
	positions := make([]*G.Node, len(m.backbones))
	for i, backbone := range m.backbones {
		feat, err := backbone.Fwd(m.cameras[i])
		if err != nil {
			return nil, nil, err
		}
		feat = G.Must(G.Conv2d(feat, m.inputProjFilter, tensor.Shape{1, 1},
			[]int{0, 0}, []int{1, 1}, []int{1, 1}))
		feat = G.Must(G.BroadcastAdd(feat, m.inputProjBias, nil,
			[]byte{0, 2, 3}))
		features[i] = feat
		positions[i] = constTensor(m.g, backbone.Pos(),
			fmt.Sprintf("CameraPos%d", i))
	}

	src := features[0]
	pos := positions[0]
	if len(features) > 1 {
		src = G.Must(G.Concat(3, features...))
		pos = G.Must(G.Concat(3, positions...))
	}

	h, w := src.Shape()[2], src.Shape()[3]
	spatial := h * w

	src = G.Must(G.Reshape(src, tensor.Shape{batch, hidden, spatial}))
	src = G.Must(G.Transpose(src, 0, 2, 1))
	pos = G.Must(G.Reshape(pos, tensor.Shape{1, hidden, spatial}))
	pos = G.Must(G.Transpose(pos, 0, 2, 1))
	return src, pos, nil
}

// selectSlot applies the output heads to every query slot and selects
// the slot-0 prediction according to the transformer's declared
// layout. Note that the slot-0 rule applies even when more than one
// query slot is configured.
func (m *DETRVAE) selectSlot(hs *G.Node) (*G.Node, *G.Node, error) {
	actions, err := m.actionHead.FwdSeq(hs)
	if err != nil {
		return nil, nil, err
	}
	isPad, err := m.isPadHead.FwdSeq(hs)
	if err != nil {
		return nil, nil, err
	}

	switch m.transformer.Layout() {
	case network.BatchFirst:
		return G.Must(G.Slice(actions, nil, G.S(0))),
			G.Must(G.Slice(isPad, nil, G.S(0))), nil
	case network.QueryFirst:
		return G.Must(G.Slice(actions, G.S(0))),
			G.Must(G.Slice(isPad, G.S(0))), nil
	}
	return nil, nil, fmt.Errorf("selectslot: unexpected hidden-state "+
		"layout %v for shape %v", m.transformer.Layout(), hs.Shape())
}

// Forward evaluates the model on input. A TrainingInput runs the
// latent encoder and reparameterization sampler and returns the latent
// mean and log-variance alongside the prediction; an InferenceInput
// skips both, conditions on a zero latent, and returns nil mean and
// log-variance.
func (m *DETRVAE) Forward(input Input) (*Output, error) {
	switch in := input.(type) {
	case TrainingInput:
		if err := m.BindTraining(in); err != nil {
			return nil, fmt.Errorf("forward: %v", err)
		}
		if err := m.run(); err != nil {
			return nil, fmt.Errorf("forward: %v", err)
		}
		return &Output{
			Action: denseOf(m.vals.trainAct),
			IsPad:  denseOf(m.vals.trainPad),
			Mu:     denseOf(m.vals.mu),
			LogVar: denseOf(m.vals.logVar),
		}, nil
	case InferenceInput:
		if err := m.bindInference(in); err != nil {
			return nil, fmt.Errorf("forward: %v", err)
		}
		if err := m.run(); err != nil {
			return nil, fmt.Errorf("forward: %v", err)
		}
		return &Output{
			Action: denseOf(m.vals.inferAct),
			IsPad:  denseOf(m.vals.inferPad),
		}, nil
	}
	return nil, fmt.Errorf("forward: unknown input variant %T", input)
}

// BindTraining validates a TrainingInput and binds it to the model's
// input nodes, drawing fresh latent noise. It is exposed so that
// training loops can bind inputs and then run their own gradient
// virtual machine over the model's graph.
func (m *DETRVAE) BindTraining(in TrainingInput) error {
	cfg := m.config
	batch := cfg.BatchSize

	if in.Actions == nil {
		return fmt.Errorf("bindtraining: training requires an action " +
			"sequence")
	}
	actions := in.Actions

	// A missing sequence axis is inserted rather than rejected
	if actions.Dims() == 2 {
		actions = actions.Clone().(*tensor.Dense)
		if err := actions.Reshape(batch, 1, cfg.ActionDim); err != nil {
			return fmt.Errorf("bindtraining: %v", err)
		}
	}
	if !shapeEq(actions.Shape(), batch, cfg.SeqLen, cfg.ActionDim) {
		return fmt.Errorf("bindtraining: expected actions of shape "+
			"(%v, %v, %v) but got %v", batch, cfg.SeqLen, cfg.ActionDim,
			in.Actions.Shape())
	}

	if err := m.bindObservations(in.Qpos, in.Images, in.EnvState); err != nil {
		return fmt.Errorf("bindtraining: %v", err)
	}
	if err := G.Let(m.actions, actions); err != nil {
		return fmt.Errorf("bindtraining: %v", err)
	}

	mask, err := ExpandPadMask(in.IsPad, batch, cfg.SeqLen)
	if err != nil {
		return fmt.Errorf("bindtraining: %v", err)
	}
	if err := G.Let(m.padMask, mask); err != nil {
		return fmt.Errorf("bindtraining: %v", err)
	}

	// Fresh noise on every call keeps the latent sample stochastic
	if err := G.Let(m.noise, m.sampler.Draw(batch)); err != nil {
		return fmt.Errorf("bindtraining: %v", err)
	}
	return nil
}

// bindInference binds an InferenceInput. The training-only inputs are
// zeroed: their pipelines still exist in the graph but their outputs
// are discarded, and the reparameterization sampler is never invoked.
func (m *DETRVAE) bindInference(in InferenceInput) error {
	cfg := m.config
	batch := cfg.BatchSize

	if err := m.bindObservations(in.Qpos, in.Images, in.EnvState); err != nil {
		return fmt.Errorf("bindinference: %v", err)
	}

	zeroActions := tensor.New(tensor.Of(tensor.Float64),
		tensor.WithShape(batch, cfg.SeqLen, cfg.ActionDim))
	if err := G.Let(m.actions, zeroActions); err != nil {
		return fmt.Errorf("bindinference: %v", err)
	}

	mask, err := ExpandPadMask(nil, batch, cfg.SeqLen)
	if err != nil {
		return fmt.Errorf("bindinference: %v", err)
	}
	if err := G.Let(m.padMask, mask); err != nil {
		return fmt.Errorf("bindinference: %v", err)
	}

	zeroNoise := tensor.New(tensor.Of(tensor.Float64),
		tensor.WithShape(batch, cfg.latentDim()))
	if err := G.Let(m.noise, zeroNoise); err != nil {
		return fmt.Errorf("bindinference: %v", err)
	}
	return nil
}

// bindObservations binds the observation inputs common to both modes
func (m *DETRVAE) bindObservations(qpos, images,
	envState *tensor.Dense) error {
	cfg := m.config
	batch := cfg.BatchSize

	if qpos == nil || !shapeEq(qpos.Shape(), batch, cfg.StateDim) {
		return fmt.Errorf("expected proprioception of shape (%v, %v) "+
			"but got %v", batch, cfg.StateDim, shapeOf(qpos))
	}
	if err := G.Let(m.qpos, qpos); err != nil {
		return err
	}

	switch m.variant {
	case imageConditioned:
		if images == nil {
			return fmt.Errorf("image-conditioned model requires an " +
				"image stack")
		}
		split, err := splitCameras(images, batch, len(m.cameras),
			cfg.Backbone.InChannels, cfg.Backbone.ImageHeight,
			cfg.Backbone.ImageWidth)
		if err != nil {
			return err
		}
		for i, camera := range split {
			if err := G.Let(m.cameras[i], camera); err != nil {
				return err
			}
		}
	case stateOnly:
		if envState == nil ||
			!shapeEq(envState.Shape(), batch, cfg.EnvStateDim) {
			return fmt.Errorf("expected environment state of shape "+
				"(%v, %v) but got %v", batch, cfg.EnvStateDim,
				shapeOf(envState))
		}
		if err := G.Let(m.envState, envState); err != nil {
			return err
		}
	}
	return nil
}

// run evaluates the model's graph
func (m *DETRVAE) run() error {
	if m.vm == nil {
		m.vm = G.NewTapeMachine(m.g)
	}
	defer m.vm.Reset()
	if err := m.vm.RunAll(); err != nil {
		return fmt.Errorf("run: %v", err)
	}
	return nil
}

// splitCameras splits a (batch, cameras, channels, height, width)
// image stack into per-camera (batch, channels, height, width) tensors.
func splitCameras(images *tensor.Dense, batch, cameras, channels, height,
	width int) ([]*tensor.Dense, error) {
	if !shapeEq(images.Shape(), batch, cameras, channels, height, width) {
		return nil, fmt.Errorf("splitcameras: expected image stack of "+
			"shape (%v, %v, %v, %v, %v) but got %v", batch, cameras,
			channels, height, width, images.Shape())
	}
	data, ok := images.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("splitcameras: expected float64 images "+
			"but got %v", images.Dtype())
	}

	frame := channels * height * width
	out := make([]*tensor.Dense, cameras)
	for cam := 0; cam < cameras; cam++ {
		backing := make([]float64, batch*frame)
		for b := 0; b < batch; b++ {
			start := (b*cameras + cam) * frame
			copy(backing[b*frame:(b+1)*frame], data[start:start+frame])
		}
		out[cam] = tensor.New(
			tensor.WithShape(batch, channels, height, width),
			tensor.WithBacking(backing),
		)
	}
	return out, nil
}

// collectLearnables gathers every learnable node of the model
func (m *DETRVAE) collectLearnables() {
	nodes := G.Nodes{m.clsEmbed}
	nodes = append(nodes, m.encoderActionProj.Learnables()...)
	nodes = append(nodes, m.encoderJointProj.Learnables()...)
	nodes = append(nodes, m.latentProj.Learnables()...)
	nodes = append(nodes, m.inputProjRobotState.Learnables()...)
	if m.variant == imageConditioned {
		// In the state-only variant the decoder memory omits the
		// projected latent, so these weights never reach any output
		// and cannot be differentiated against.
		nodes = append(nodes, m.latentOutProj.Learnables()...)
	}
	nodes = append(nodes, m.actionHead.Learnables()...)
	nodes = append(nodes, m.isPadHead.Learnables()...)
	nodes = append(nodes, m.encoder.Learnables()...)
	nodes = append(nodes, m.transformer.Learnables()...)

	switch m.variant {
	case imageConditioned:
		nodes = append(nodes, m.inputProjFilter, m.inputProjBias,
			m.additionalPosEmbed)
		for _, backbone := range m.backbones {
			nodes = append(nodes, backbone.Learnables()...)
		}
	case stateOnly:
		nodes = append(nodes, m.inputProjEnvState.Learnables()...)
		nodes = append(nodes, m.statePosEmbed)
	}
	m.learnables = nodes
}

// Graph returns the computational graph of the model
func (m *DETRVAE) Graph() *G.ExprGraph {
	return m.g
}

// Config returns the model's configuration
func (m *DETRVAE) Config() Config {
	return m.config
}

// BatchSize returns the batch size the model's graph was built for
func (m *DETRVAE) BatchSize() int {
	return m.config.BatchSize
}

// Learnables returns the model's learnable nodes
func (m *DETRVAE) Learnables() G.Nodes {
	return m.learnables
}

// Model returns the learnable nodes of the model as ValueGrads for use
// with a Gorgonia solver.
func (m *DETRVAE) Model() []G.ValueGrad {
	if m.model == nil {
		m.model = make([]G.ValueGrad, len(m.learnables))
		for i, node := range m.learnables {
			m.model[i] = node
		}
	}
	return m.model
}

// PredictedAction returns the training-pipeline slot-0 action node,
// for loss construction.
func (m *DETRVAE) PredictedAction() *G.Node {
	return m.trainAction
}

// PredictedIsPad returns the training-pipeline slot-0 padding-logit
// node, for loss construction.
func (m *DETRVAE) PredictedIsPad() *G.Node {
	return m.trainIsPad
}

// LatentParams returns the latent mean and log-variance nodes, for
// KL-divergence loss construction.
func (m *DETRVAE) LatentParams() (mu, logVar *G.Node) {
	return m.muNode, m.logVarNode
}

// ActionsInput returns the action-sequence input node, for loss
// construction against the demonstrated actions.
func (m *DETRVAE) ActionsInput() *G.Node {
	return m.actions
}

// SetNoiseSource replaces the latent noise source. Useful for
// deterministic tests.
func (m *DETRVAE) SetNoiseSource(rng distmv.Rander) {
	m.sampler.SetSource(rng)
}

// Set copies the parameter values of source into the receiver by
// parameter name. The models must be structurally identical up to
// batch size.
func (m *DETRVAE) Set(source *DETRVAE) error {
	byName := make(map[string]*G.Node, len(source.learnables))
	for _, node := range source.learnables {
		byName[node.Name()] = node
	}

	for _, dest := range m.learnables {
		src, ok := byName[dest.Name()]
		if !ok {
			return fmt.Errorf("set: source model has no parameter %q",
				dest.Name())
		}
		value := src.Value().(*tensor.Dense).Clone().(*tensor.Dense)
		if err := G.Let(dest, value); err != nil {
			return fmt.Errorf("set: %v", err)
		}
	}
	return nil
}

// CloneWithBatch returns a structurally identical model with the same
// parameter values built for a different batch size. Deployment
// typically clones a trained model with batch size 1.
func (m *DETRVAE) CloneWithBatch(batch int) (*DETRVAE, error) {
	config := m.config
	config.BatchSize = batch

	var clone *DETRVAE
	var err error
	switch m.variant {
	case imageConditioned:
		clone, err = Build(config, nil)
	case stateOnly:
		clone, err = BuildStateOnly(config, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	if err := clone.Set(m); err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	return clone, nil
}

// outputValues receives the pipeline outputs of a run. One instance is
// shared between a model and its graph's readers.
type outputValues struct {
	mu, logVar         G.Value
	trainAct, trainPad G.Value
	inferAct, inferPad G.Value
}

// weightChunk carries one serialized parameter
type weightChunk struct {
	Shape []int
	Data  []float64
}

// GobEncode implements the gob.GobEncoder interface. Only the
// configuration and parameter values are serialized; the graph is
// rebuilt on decode.
func (m *DETRVAE) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(m.config); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode config: %v", err)
	}
	if err := enc.Encode(int(m.variant)); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode variant: %v",
			err)
	}

	weights := make(map[string]weightChunk, len(m.learnables))
	for _, node := range m.learnables {
		value := node.Value().(*tensor.Dense)
		data := value.Data().([]float64)
		weights[node.Name()] = weightChunk{
			Shape: append([]int(nil), value.Shape()...),
			Data:  append([]float64(nil), data...),
		}
	}
	if err := enc.Encode(weights); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode weights: %v",
			err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface
func (m *DETRVAE) GobDecode(encoded []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(encoded))

	var config Config
	if err := dec.Decode(&config); err != nil {
		return fmt.Errorf("gobdecode: could not decode config: %v", err)
	}
	var v int
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("gobdecode: could not decode variant: %v", err)
	}

	var decoded *DETRVAE
	var err error
	switch variant(v) {
	case imageConditioned:
		decoded, err = Build(config, nil)
	case stateOnly:
		decoded, err = BuildStateOnly(config, nil)
	default:
		return fmt.Errorf("gobdecode: unknown model variant %v", v)
	}
	if err != nil {
		return fmt.Errorf("gobdecode: %v", err)
	}

	weights := make(map[string]weightChunk)
	if err := dec.Decode(&weights); err != nil {
		return fmt.Errorf("gobdecode: could not decode weights: %v", err)
	}
	for _, node := range decoded.learnables {
		chunk, ok := weights[node.Name()]
		if !ok {
			return fmt.Errorf("gobdecode: missing weights for %q",
				node.Name())
		}
		value := tensor.New(
			tensor.WithShape(chunk.Shape...),
			tensor.WithBacking(chunk.Data),
		)
		if err := G.Let(node, value); err != nil {
			return fmt.Errorf("gobdecode: %v", err)
		}
	}

	*m = *decoded
	return nil
}

// denseOf copies a graph value into a standalone tensor
func denseOf(value G.Value) *tensor.Dense {
	return value.(*tensor.Dense).Clone().(*tensor.Dense)
}

// constTensor attaches a fixed-valued tensor to graph g as a named
// non-learnable node. Tensor-valued nodes must belong to a graph
// before any op consumes them.
func constTensor(g *G.ExprGraph, value *tensor.Dense, name string) *G.Node {
	return G.NewTensor(g, tensor.Float64, value.Dims(),
		G.WithValue(value),
		G.WithName(name),
	)
}

// shapeEq returns whether shape equals the expected dimensions
func shapeEq(shape tensor.Shape, dims ...int) bool {
	if len(shape) != len(dims) {
		return false
	}
	for i, d := range dims {
		if shape[i] != d {
			return false
		}
	}
	return true
}

// shapeOf formats a possibly nil tensor's shape for error messages
func shapeOf(t *tensor.Dense) interface{} {
	if t == nil {
		return "<nil>"
	}
	return t.Shape()
}
