// Package experiment implements functionality for running an experiment
package experiment

import (
	"fmt"
	"time"

	"github.com/samuelfneumann/goact/dataset"
	"github.com/samuelfneumann/goact/experiment/checkpointer"
	"github.com/samuelfneumann/goact/experiment/tracker"
	"github.com/samuelfneumann/goact/policy"
	"github.com/samuelfneumann/goact/utils/progressbar"
)

// progressBarWidth is the terminal width of an experiment's progress
// bar
const progressBarWidth int = 40

// Imitation runs an imitation-learning experiment: a policy is trained
// for a number of epochs on batches sampled from a demonstration
// dataset. Per-epoch mean losses are sent to Trackers, which cache
// the data in RAM; the Save() method then takes all cached data and
// saves it to disk. This is usually performed after the experiment
// has been run. Checkpointers save training state periodically while
// the experiment runs.
type Imitation struct {
	policy        *policy.ACT
	data          *dataset.Dataset
	epochs        int
	stepsPerEpoch int

	trackers      []tracker.Tracker
	checkpointers []checkpointer.Checkpointer
	progress      bool
}

// NewImitation returns a new imitation-learning experiment that trains
// p on batches sampled from data for the given number of epochs, each
// epoch consisting of stepsPerEpoch gradient steps.
func NewImitation(p *policy.ACT, data *dataset.Dataset, epochs,
	stepsPerEpoch int, progress bool, trackers []tracker.Tracker,
	checkpointers []checkpointer.Checkpointer) (*Imitation, error) {
	if p == nil {
		return nil, fmt.Errorf("newimitation: no policy given")
	}
	if data == nil {
		return nil, fmt.Errorf("newimitation: no dataset given")
	}
	if epochs <= 0 || stepsPerEpoch <= 0 {
		return nil, fmt.Errorf("newimitation: epochs and steps per "+
			"epoch must be positive but got %v and %v", epochs,
			stepsPerEpoch)
	}
	if data.BatchSize() != p.Model().BatchSize() {
		return nil, fmt.Errorf("newimitation: dataset samples batches "+
			"of %v but the policy's model was built for batches of %v",
			data.BatchSize(), p.Model().BatchSize())
	}

	return &Imitation{
		policy:        p,
		data:          data,
		epochs:        epochs,
		stepsPerEpoch: stepsPerEpoch,
		trackers:      trackers,
		checkpointers: checkpointers,
		progress:      progress,
	}, nil
}

// Register adds a new tracker.Tracker to the (possibly already
// running) experiment. Useful if you want to track data only after a
// specified event.
func (i *Imitation) Register(t tracker.Tracker) {
	i.trackers = append(i.trackers, t)
}

// Run runs the experiment. The per-epoch losses sent to the trackers
// are the means over the epoch's gradient steps.
func (i *Imitation) Run() error {
	var pbar *progressbar.ProgressBar
	if i.progress {
		pbar = progressbar.NewProgressBar(progressBarWidth, i.epochs,
			time.Second, false)
		pbar.Display()
		defer pbar.Close()
	}

	for epoch := 0; epoch < i.epochs; epoch++ {
		var sum policy.Losses
		for step := 0; step < i.stepsPerEpoch; step++ {
			batch, err := i.data.Sample()
			if err != nil {
				return fmt.Errorf("run: epoch %v: %v", epoch, err)
			}

			losses, err := i.policy.Step(batch)
			if err != nil {
				return fmt.Errorf("run: epoch %v: %v", epoch, err)
			}
			sum.Total += losses.Total
			sum.Action += losses.Action
			sum.Pad += losses.Pad
			sum.KL += losses.KL
		}

		steps := float64(i.stepsPerEpoch)
		mean := policy.Losses{
			Total:  sum.Total / steps,
			Action: sum.Action / steps,
			Pad:    sum.Pad / steps,
			KL:     sum.KL / steps,
		}
		i.track(epoch, mean)
		if err := i.checkpoint(epoch); err != nil {
			return fmt.Errorf("run: epoch %v: %v", epoch, err)
		}

		if pbar != nil {
			pbar.Increment()
		}
	}
	return nil
}

// Save all tracked data to disk
func (i *Imitation) Save() {
	for _, t := range i.trackers {
		t.Save()
	}
}

// track sends the current epoch's mean losses to the trackers
func (i *Imitation) track(epoch int, losses policy.Losses) {
	for _, t := range i.trackers {
		t.Track(epoch, losses)
	}
}

// checkpoint saves the current training state
func (i *Imitation) checkpoint(epoch int) error {
	for _, c := range i.checkpointers {
		if err := c.Checkpoint(epoch); err != nil {
			return err
		}
	}
	return nil
}
