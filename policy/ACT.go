// Package policy implements imitation-learning policies trained from
// demonstration data.
package policy

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/goact/detrvae"
	"github.com/samuelfneumann/goact/solver"
)

// Losses holds the loss breakdown of a single gradient step
type Losses struct {
	Total  float64
	Action float64 // L1 reconstruction loss on the slot-0 action
	Pad    float64 // Padding-head loss
	KL     float64 // Unweighted KL divergence to the unit Gaussian prior
}

// ACT is an action-chunking imitation policy. It trains a DETRVAE
// model by gradient descent on a composite loss: the L1 distance
// between the predicted and demonstrated action, a padding-prediction
// term, and a KL divergence that regularizes the latent posterior
// toward the unit Gaussian prior.
type ACT struct {
	model    *detrvae.DETRVAE
	solver   *solver.Solver
	klWeight float64

	padTarget *G.Node

	lossVal   G.Value
	actionVal G.Value
	padVal    G.Value
	klVal     G.Value

	vm G.VM
}

// NewACT returns a policy that trains model with the given solver.
// klWeight scales the KL-divergence term of the loss. The loss and
// its gradient are appended to the model's graph, so the model passed
// here must not already be owned by another policy.
func NewACT(model *detrvae.DETRVAE, sol *solver.Solver,
	klWeight float64) (*ACT, error) {
	if model == nil {
		return nil, fmt.Errorf("newact: no model given")
	}
	if sol == nil {
		return nil, fmt.Errorf("newact: no solver given")
	}
	if klWeight < 0 {
		return nil, fmt.Errorf("newact: KL weight must be non-negative "+
			"but got %v", klWeight)
	}

	p := &ACT{
		model:    model,
		solver:   sol,
		klWeight: klWeight,
	}
	if err := p.buildLoss(); err != nil {
		return nil, fmt.Errorf("newact: %v", err)
	}
	return p, nil
}

// buildLoss appends the composite loss and its gradient to the model's
// graph
func (p *ACT) buildLoss() error {
	g := p.model.Graph()
	batch := p.model.BatchSize()

	p.padTarget = G.NewMatrix(g, tensor.Float64, G.WithShape(batch, 1),
		G.WithName("Policy/PadTarget"), G.WithInit(G.Zeroes()))

	// L1 reconstruction against the demonstrated slot-0 action
	target := G.Must(G.Slice(p.model.ActionsInput(), nil, G.S(0)))
	diff := G.Must(G.Sub(p.model.PredictedAction(), target))
	actionLoss := G.Must(G.Mean(G.Must(G.Abs(diff))))

	// Padding head: squared error of the predicted probability
	padProb := G.Must(G.Sigmoid(p.model.PredictedIsPad()))
	padDiff := G.Must(G.Sub(padProb, p.padTarget))
	padLoss := G.Must(G.Mean(G.Must(G.Square(padDiff))))

	// KL(q(z|x) || N(0, I)) with a diagonal Gaussian posterior
	mu, logVar := p.model.LatentParams()
	one := G.NewConstant(1.0)
	term := G.Must(G.Add(one, logVar))
	term = G.Must(G.Sub(term, G.Must(G.Square(mu))))
	term = G.Must(G.Sub(term, G.Must(G.Exp(logVar))))
	perSample := G.Must(G.Sum(term, 1))
	klLoss := G.Must(G.Mul(
		G.NewConstant(-0.5),
		G.Must(G.Mean(perSample)),
	))

	loss := G.Must(G.Add(actionLoss, padLoss))
	loss = G.Must(G.Add(loss, G.Must(G.Mul(
		G.NewConstant(p.klWeight),
		klLoss,
	))))

	G.Read(actionLoss, &p.actionVal)
	G.Read(padLoss, &p.padVal)
	G.Read(klLoss, &p.klVal)
	G.Read(loss, &p.lossVal)

	if _, err := G.Grad(loss, p.model.Learnables()...); err != nil {
		return fmt.Errorf("could not compute gradient: %v", err)
	}

	p.vm = G.NewTapeMachine(g,
		G.BindDualValues(p.model.Learnables()...))
	return nil
}

// Step performs one gradient step on a batch of demonstration data and
// returns the loss breakdown at the pre-update parameters.
func (p *ACT) Step(in detrvae.TrainingInput) (Losses, error) {
	if err := p.model.BindTraining(in); err != nil {
		return Losses{}, fmt.Errorf("step: %v", err)
	}

	padTarget, err := padTargets(in.IsPad, p.model.BatchSize())
	if err != nil {
		return Losses{}, fmt.Errorf("step: %v", err)
	}
	if err := G.Let(p.padTarget, padTarget); err != nil {
		return Losses{}, fmt.Errorf("step: %v", err)
	}

	if err := p.vm.RunAll(); err != nil {
		return Losses{}, fmt.Errorf("step: %v", err)
	}
	if err := p.solver.Step(p.model.Model()); err != nil {
		return Losses{}, fmt.Errorf("step: could not update weights: %v",
			err)
	}
	p.vm.Reset()

	return Losses{
		Total:  scalarOf(p.lossVal),
		Action: scalarOf(p.actionVal),
		Pad:    scalarOf(p.padVal),
		KL:     scalarOf(p.klVal),
	}, nil
}

// SelectAction predicts an action for the given observation using the
// inference pipeline: the latent is fixed at the prior mean and no
// sampling occurs.
func (p *ACT) SelectAction(in detrvae.InferenceInput) (*tensor.Dense,
	error) {
	out, err := p.model.Forward(in)
	if err != nil {
		return nil, fmt.Errorf("selectaction: %v", err)
	}
	return out.Action, nil
}

// Model returns the policy's underlying model, e.g. for checkpointing
// or for cloning to a deployment batch size.
func (p *ACT) Model() *detrvae.DETRVAE {
	return p.model
}

// KLWeight returns the weight of the KL-divergence loss term
func (p *ACT) KLWeight() float64 {
	return p.klWeight
}

// padTargets extracts the slot-0 column of a padding mask as a
// (batch, 1) float tensor of {0, 1} targets. A nil mask means no
// timestep is padding.
func padTargets(isPad *tensor.Dense, batch int) (*tensor.Dense, error) {
	backing := make([]float64, batch)
	if isPad != nil {
		flags, ok := isPad.Data().([]bool)
		if !ok {
			return nil, fmt.Errorf("padtargets: expected bool padding "+
				"mask but got %v", isPad.Dtype())
		}
		if isPad.Shape()[0] != batch {
			return nil, fmt.Errorf("padtargets: expected padding mask "+
				"with %v rows but got shape %v", batch, isPad.Shape())
		}
		cols := 1
		if isPad.Dims() > 1 {
			cols = isPad.Shape()[1]
		}
		for b := 0; b < batch; b++ {
			if flags[b*cols] {
				backing[b] = 1.0
			}
		}
	}
	return tensor.New(
		tensor.WithShape(batch, 1),
		tensor.WithBacking(backing),
	), nil
}

// scalarOf extracts a float64 from a scalar graph value
func scalarOf(value G.Value) float64 {
	return value.Data().(float64)
}
