// Package dataset implements storage and sampling of demonstration
// data for imitation learning. Demonstrations are recorded episodes
// of observations and actions; sampling draws fixed-length action
// windows starting at random timesteps, padding windows that run past
// the end of their episode.
package dataset

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/goact/detrvae"
	"github.com/samuelfneumann/goact/utils/floatutils"
	"github.com/samuelfneumann/goact/utils/tensorutils"
)

// minStd floors normalization denominators so that constant dimensions
// do not blow up
const minStd float64 = 1e-2

// Demonstration is a single recorded episode. Images holds one frame
// stack per timestep with shape (timesteps, cameras, channels, height,
// width) and may be nil for state-only data, in which case EnvState
// must be set. All per-timestep slices must have the same length.
type Demonstration struct {
	Qpos     [][]float64
	EnvState [][]float64
	Actions  [][]float64
	Images   *tensor.Dense
}

// Len returns the number of timesteps in the demonstration
func (d Demonstration) Len() int {
	return len(d.Qpos)
}

// validate checks the demonstration for internal consistency
func (d Demonstration) validate() error {
	if d.Len() == 0 {
		return fmt.Errorf("demonstration has no timesteps")
	}
	if len(d.Actions) != d.Len() {
		return fmt.Errorf("demonstration has %v proprioception readings "+
			"but %v actions", d.Len(), len(d.Actions))
	}
	if d.Images == nil && d.EnvState == nil {
		return fmt.Errorf("demonstration has neither images nor " +
			"environment state")
	}
	if d.EnvState != nil && len(d.EnvState) != d.Len() {
		return fmt.Errorf("demonstration has %v proprioception readings "+
			"but %v environment states", d.Len(), len(d.EnvState))
	}
	if d.Images != nil {
		if d.Images.Dims() != 5 {
			return fmt.Errorf("demonstration images must have shape "+
				"(timesteps, cameras, channels, height, width) but got %v",
				d.Images.Shape())
		}
		if d.Images.Shape()[0] != d.Len() {
			return fmt.Errorf("demonstration has %v proprioception "+
				"readings but %v image stacks", d.Len(), d.Images.Shape()[0])
		}
	}
	return nil
}

// Stats holds per-dimension normalization statistics of a dataset
type Stats struct {
	QposMean, QposStd     []float64
	ActionMean, ActionStd []float64
}

// Dataset samples fixed-size training batches from a collection of
// demonstrations. Proprioception and actions are normalized with the
// dataset's statistics; images are used as stored.
type Dataset struct {
	episodes []Demonstration
	seqLen   int
	batch    int
	stats    Stats
	rng      *rand.Rand
}

// New returns a dataset sampling windows of seqLen actions in batches
// of batchSize from episodes.
func New(episodes []Demonstration, seqLen, batchSize int,
	seed uint64) (*Dataset, error) {
	if len(episodes) == 0 {
		return nil, fmt.Errorf("new: no demonstrations given")
	}
	if seqLen <= 0 {
		return nil, fmt.Errorf("new: sequence length must be positive "+
			"but got %v", seqLen)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("new: batch size must be positive but "+
			"got %v", batchSize)
	}
	for i, episode := range episodes {
		if err := episode.validate(); err != nil {
			return nil, fmt.Errorf("new: episode %v: %v", i, err)
		}
	}

	d := &Dataset{
		episodes: episodes,
		seqLen:   seqLen,
		batch:    batchSize,
		rng:      rand.New(rand.NewSource(seed)),
	}
	d.computeStats()
	return d, nil
}

// computeStats computes per-dimension normalization statistics over
// every timestep of every episode
func (d *Dataset) computeStats() {
	stateDim := len(d.episodes[0].Qpos[0])
	actionDim := len(d.episodes[0].Actions[0])

	qpos := make([][]float64, stateDim)
	actions := make([][]float64, actionDim)
	for _, episode := range d.episodes {
		for t := 0; t < episode.Len(); t++ {
			for i, v := range episode.Qpos[t] {
				qpos[i] = append(qpos[i], v)
			}
			for i, v := range episode.Actions[t] {
				actions[i] = append(actions[i], v)
			}
		}
	}

	d.stats = Stats{
		QposMean:   make([]float64, stateDim),
		QposStd:    make([]float64, stateDim),
		ActionMean: make([]float64, actionDim),
		ActionStd:  make([]float64, actionDim),
	}
	for i := range qpos {
		d.stats.QposMean[i] = floatutils.Mean(qpos[i]...)
		d.stats.QposStd[i] = math.Max(floatutils.StdDev(qpos[i]...), minStd)
	}
	for i := range actions {
		d.stats.ActionMean[i] = floatutils.Mean(actions[i]...)
		d.stats.ActionStd[i] = math.Max(floatutils.StdDev(actions[i]...),
			minStd)
	}
}

// Stats returns the dataset's normalization statistics. Deployment
// must normalize observations with these same statistics and
// denormalize predicted actions with them.
func (d *Dataset) Stats() Stats {
	return d.stats
}

// NumEpisodes returns the number of demonstrations in the dataset
func (d *Dataset) NumEpisodes() int {
	return len(d.episodes)
}

// BatchSize returns the number of windows per sampled batch
func (d *Dataset) BatchSize() int {
	return d.batch
}

// SeqLen returns the action window length of sampled batches
func (d *Dataset) SeqLen() int {
	return d.seqLen
}

// Sample draws a training batch. Each batch element is an independent
// draw of an episode and a start timestep within it: the observation
// at the start timestep and the normalized window of the following
// seqLen actions, with the padding mask marking positions past the
// episode's end.
func (d *Dataset) Sample() (detrvae.TrainingInput, error) {
	first := d.episodes[0]
	stateDim := len(first.Qpos[0])
	actionDim := len(first.Actions[0])

	qpos := make([]float64, d.batch*stateDim)
	actions := make([]float64, d.batch*d.seqLen*actionDim)
	isPad := make([]bool, d.batch*d.seqLen)

	var envState []float64
	if first.EnvState != nil {
		envState = make([]float64, d.batch*len(first.EnvState[0]))
	}
	var images []float64
	var frame int
	if first.Images != nil {
		frame = frameSize(first.Images)
		images = make([]float64, d.batch*frame)
	}

	for b := 0; b < d.batch; b++ {
		episode := d.episodes[d.rng.Intn(len(d.episodes))]
		ts := d.rng.Intn(episode.Len())

		for i, v := range episode.Qpos[ts] {
			qpos[b*stateDim+i] = (v - d.stats.QposMean[i]) /
				d.stats.QposStd[i]
		}
		if envState != nil {
			if episode.EnvState == nil {
				return detrvae.TrainingInput{}, fmt.Errorf("sample: " +
					"episode without environment state in a state " +
					"dataset")
			}
			width := len(episode.EnvState[ts])
			copy(envState[b*width:(b+1)*width], episode.EnvState[ts])
		}
		if images != nil {
			if episode.Images == nil {
				return detrvae.TrainingInput{}, fmt.Errorf("sample: " +
					"episode without images in an image dataset")
			}
			view, err := episode.Images.Slice(
				tensorutils.NewSlice(ts, ts+1, 1))
			if err != nil {
				return detrvae.TrainingInput{}, fmt.Errorf("sample: "+
					"could not slice frame %v: %v", ts, err)
			}
			data := view.Materialize().Data().([]float64)
			copy(images[b*frame:(b+1)*frame], data)
		}

		for t := 0; t < d.seqLen; t++ {
			at := b*d.seqLen + t
			if ts+t >= episode.Len() {
				isPad[at] = true
				continue
			}
			for i, v := range episode.Actions[ts+t] {
				actions[at*actionDim+i] = (v - d.stats.ActionMean[i]) /
					d.stats.ActionStd[i]
			}
		}
	}

	in := detrvae.TrainingInput{
		Qpos: tensor.New(
			tensor.WithShape(d.batch, stateDim),
			tensor.WithBacking(qpos),
		),
		Actions: tensor.New(
			tensor.WithShape(d.batch, d.seqLen, actionDim),
			tensor.WithBacking(actions),
		),
		IsPad: tensor.New(
			tensor.WithShape(d.batch, d.seqLen),
			tensor.WithBacking(isPad),
		),
	}
	if envState != nil {
		in.EnvState = tensor.New(
			tensor.WithShape(d.batch, len(first.EnvState[0])),
			tensor.WithBacking(envState),
		)
	}
	if images != nil {
		shape := first.Images.Shape()
		in.Images = tensor.New(
			tensor.WithShape(d.batch, shape[1], shape[2], shape[3],
				shape[4]),
			tensor.WithBacking(images),
		)
	}
	return in, nil
}

// NormalizeQpos normalizes a proprioception reading with the dataset's
// statistics, for deployment-time observations.
func (s Stats) NormalizeQpos(qpos []float64) []float64 {
	out := make([]float64, len(qpos))
	for i, v := range qpos {
		out[i] = (v - s.QposMean[i]) / s.QposStd[i]
	}
	return out
}

// DenormalizeAction maps a normalized model prediction back to the
// action space of the demonstrations.
func (s Stats) DenormalizeAction(action []float64) []float64 {
	out := make([]float64, len(action))
	for i, v := range action {
		out[i] = v*s.ActionStd[i] + s.ActionMean[i]
	}
	return out
}

// frameSize returns the number of elements of one timestep's image
// stack
func frameSize(images *tensor.Dense) int {
	shape := images.Shape()
	return shape[1] * shape[2] * shape[3] * shape[4]
}

// Save gob-encodes demonstrations to a file
func Save(path string, episodes []Demonstration) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save: could not create file: %v", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(episodes); err != nil {
		return fmt.Errorf("save: could not encode demonstrations: %v", err)
	}
	return nil
}

// Load reads gob-encoded demonstrations from a file
func Load(path string) ([]Demonstration, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load: could not open file: %v", err)
	}
	defer file.Close()

	var episodes []Demonstration
	if err := gob.NewDecoder(file).Decode(&episodes); err != nil {
		return nil, fmt.Errorf("load: could not decode demonstrations: %v",
			err)
	}
	return episodes, nil
}
