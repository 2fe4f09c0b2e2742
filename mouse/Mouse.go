// Package mouse implements demonstration recording for cursor
// imitation: a screen-capture interface with a synthetic
// implementation, a frame-history recorder, a scripted cursor
// controller, and conversion of recordings into demonstration
// episodes where the observation is the cursor position plus a screen
// frame and the action is the cursor's next position.
package mouse

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/goact/dataset"
	"github.com/samuelfneumann/goact/utils/floatutils"
)

// cursorRadius is the drawn size of the synthetic cursor in pixels
const cursorRadius float64 = 6.0

// Screen captures frames of a display
type Screen interface {
	// Capture returns the current frame
	Capture() (image.Image, error)

	// Bounds returns the width and height of captured frames in pixels
	Bounds() (width, height int)
}

// SyntheticScreen is a Screen that renders a plain background with a
// cursor dot, replacing real screen capture for simulation and tests.
type SyntheticScreen struct {
	width, height    int
	cursorX, cursorY float64

	backgroundColour color.Color
	cursorColour     color.Color
}

// NewSyntheticScreen returns a synthetic screen of the given pixel
// size with the cursor at its center.
func NewSyntheticScreen(width, height int) (*SyntheticScreen, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("newsyntheticscreen: screen size must "+
			"be positive but got %v x %v", width, height)
	}
	return &SyntheticScreen{
		width:            width,
		height:           height,
		cursorX:          float64(width) / 2.0,
		cursorY:          float64(height) / 2.0,
		backgroundColour: color.RGBA{R: 30, G: 30, B: 30, A: 255},
		cursorColour:     color.RGBA{R: 255, G: 255, B: 255, A: 255},
	}, nil
}

// Bounds returns the width and height of the screen in pixels
func (s *SyntheticScreen) Bounds() (int, int) {
	return s.width, s.height
}

// MoveCursor moves the cursor, clipping to the screen bounds
func (s *SyntheticScreen) MoveCursor(x, y float64) {
	s.cursorX = floatutils.Clip(x, 0.0, float64(s.width-1))
	s.cursorY = floatutils.Clip(y, 0.0, float64(s.height-1))
}

// Cursor returns the cursor position in pixels
func (s *SyntheticScreen) Cursor() (float64, float64) {
	return s.cursorX, s.cursorY
}

// Capture renders and returns the current frame
func (s *SyntheticScreen) Capture() (image.Image, error) {
	dc := gg.NewContext(s.width, s.height)
	dc.SetColor(s.backgroundColour)
	dc.Clear()
	dc.SetColor(s.cursorColour)
	dc.DrawCircle(s.cursorX, s.cursorY, cursorRadius)
	dc.Fill()
	return dc.Image(), nil
}

// Recorder captures frames from a Screen and keeps the most recent
// ones, oldest first.
type Recorder struct {
	screen  Screen
	size    int
	history []*tensor.Dense

	height, width int
}

// NewRecorder returns a recorder keeping the last size frames of
// screen, each downsampled to (3, height, width).
func NewRecorder(screen Screen, size, height, width int) (*Recorder,
	error) {
	if screen == nil {
		return nil, fmt.Errorf("newrecorder: no screen given")
	}
	if size <= 0 {
		return nil, fmt.Errorf("newrecorder: history size must be "+
			"positive but got %v", size)
	}
	return &Recorder{
		screen: screen,
		size:   size,
		height: height,
		width:  width,
	}, nil
}

// Record captures one frame and appends it to the history, dropping
// the oldest frame once the history is full.
func (r *Recorder) Record() error {
	img, err := r.screen.Capture()
	if err != nil {
		return fmt.Errorf("record: could not capture frame: %v", err)
	}

	frame := FrameTensor(img, r.height, r.width)
	if len(r.history) == r.size {
		r.history = append(r.history[1:], frame)
	} else {
		r.history = append(r.history, frame)
	}
	return nil
}

// Len returns the number of recorded frames, at most the history size
func (r *Recorder) Len() int {
	return len(r.history)
}

// Latest returns the most recently recorded frame
func (r *Recorder) Latest() (*tensor.Dense, error) {
	if len(r.history) == 0 {
		return nil, fmt.Errorf("latest: no frames recorded")
	}
	return r.history[len(r.history)-1], nil
}

// Frames returns the history as one (frames, 3, height, width) tensor,
// oldest frame first.
func (r *Recorder) Frames() (*tensor.Dense, error) {
	if len(r.history) == 0 {
		return nil, fmt.Errorf("frames: no frames recorded")
	}

	frame := r.height * r.width * 3
	backing := make([]float64, len(r.history)*frame)
	for i, f := range r.history {
		copy(backing[i*frame:(i+1)*frame], f.Data().([]float64))
	}
	return tensor.New(
		tensor.WithShape(len(r.history), 3, r.height, r.width),
		tensor.WithBacking(backing),
	), nil
}

// CircleController scripts a cursor trajectory around a circle, for
// generating demonstrations without a human in the loop.
type CircleController struct {
	CenterX, CenterY float64
	Radius           float64
	Period           int // timesteps per revolution
}

// Position returns the scripted cursor position at timestep t
func (c CircleController) Position(t int) (float64, float64) {
	angle := 2.0 * math.Pi * float64(t) / float64(c.Period)
	return c.CenterX + c.Radius*math.Cos(angle),
		c.CenterY + c.Radius*math.Sin(angle)
}

// Collect records one demonstration episode of steps timesteps: the
// controller moves the cursor, and each timestep stores the normalized
// cursor position, a (1, 3, height, width) frame stack, and the next
// cursor position as the action.
func Collect(screen *SyntheticScreen, controller CircleController,
	steps, height, width int) (dataset.Demonstration, error) {
	if steps <= 0 {
		return dataset.Demonstration{}, fmt.Errorf("collect: steps "+
			"must be positive but got %v", steps)
	}

	screenW, screenH := screen.Bounds()
	frame := 3 * height * width

	qpos := make([][]float64, steps)
	actions := make([][]float64, steps)
	images := make([]float64, steps*frame)

	for t := 0; t < steps; t++ {
		x, y := controller.Position(t)
		screen.MoveCursor(x, y)

		img, err := screen.Capture()
		if err != nil {
			return dataset.Demonstration{}, fmt.Errorf("collect: %v", err)
		}
		data := FrameTensor(img, height, width).Data().([]float64)
		copy(images[t*frame:(t+1)*frame], data)

		cursorX, cursorY := screen.Cursor()
		qpos[t] = normalize(cursorX, cursorY, screenW, screenH)

		nextX, nextY := controller.Position(t + 1)
		actions[t] = normalize(
			floatutils.Clip(nextX, 0.0, float64(screenW-1)),
			floatutils.Clip(nextY, 0.0, float64(screenH-1)),
			screenW, screenH,
		)
	}

	return dataset.Demonstration{
		Qpos:    qpos,
		Actions: actions,
		Images: tensor.New(
			tensor.WithShape(steps, 1, 3, height, width),
			tensor.WithBacking(images),
		),
	}, nil
}

// normalize maps pixel coordinates to [-1, 1] in each axis
func normalize(x, y float64, width, height int) []float64 {
	return []float64{
		2.0*x/float64(width-1) - 1.0,
		2.0*y/float64(height-1) - 1.0,
	}
}

// Denormalize maps a normalized [-1, 1] position back to pixel
// coordinates, for moving the cursor with a model's predicted action.
func Denormalize(action []float64, width, height int) (float64, float64) {
	x := (action[0] + 1.0) / 2.0 * float64(width-1)
	y := (action[1] + 1.0) / 2.0 * float64(height-1)
	return x, y
}

// FrameTensor downsamples an image to (3, height, width) RGB
// intensities in [0, 1] with nearest-neighbour sampling.
func FrameTensor(img image.Image, height, width int) *tensor.Dense {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	backing := make([]float64, 3*height*width)
	for y := 0; y < height; y++ {
		srcY := bounds.Min.Y + y*srcH/height
		for x := 0; x < width; x++ {
			srcX := bounds.Min.X + x*srcW/width
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			backing[0*height*width+y*width+x] = float64(r) / 65535.0
			backing[1*height*width+y*width+x] = float64(g) / 65535.0
			backing[2*height*width+y*width+x] = float64(b) / 65535.0
		}
	}
	return tensor.New(
		tensor.WithShape(3, height, width),
		tensor.WithBacking(backing),
	)
}
