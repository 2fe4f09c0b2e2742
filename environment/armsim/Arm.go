// Package armsim implements a physics-based planar robot arm for
// collecting demonstrations and evaluating trained policies. The arm
// is a chain of rigid links connected by motorized revolute joints,
// simulated top-down so that gravity plays no role. Actions are
// target joint angles; the motors turn each joint toward its target
// with proportional speed control.
package armsim

import (
	"fmt"
	"image/color"
	"math"

	"github.com/ByteArena/box2d"
	"github.com/fogleman/gg"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/goact/utils/floatutils"
)

const (
	FPS float64 = 50

	// Pixels per Box2D world unit
	Scale float64 = 30.0

	ViewportW float64 = 400
	ViewportH float64 = 400

	// Link geometry in pixels
	LinkLength float64 = 60.0
	LinkWidth  float64 = 8.0

	MaxMotorTorque float64 = 500.0

	// Proportional gain mapping joint-angle error to motor speed
	MotorGain float64 = 10.0

	MaxJointAngle float64 = math.Pi
	MinJointAngle float64 = -MaxJointAngle

	velocityIterations int = 6
	positionIterations int = 2
)

// Arm is a planar robot arm with a static base at the viewport center
type Arm struct {
	world  box2d.B2World
	base   *box2d.B2Body
	links  []*box2d.B2Body
	joints []*box2d.B2RevoluteJoint

	numLinks int
	rng      *rand.Rand

	backgroundColour color.Color
	linkColour       color.Color
	jointColour      color.Color
}

// NewArm returns a planar arm with numLinks links. The seed determines
// the random joint angles drawn on each Reset.
func NewArm(numLinks int, seed uint64) (*Arm, error) {
	if numLinks < 1 {
		return nil, fmt.Errorf("newarm: arm must have at least one "+
			"link but got %v", numLinks)
	}
	reach := float64(numLinks) * LinkLength
	if 2*reach > ViewportW || 2*reach > ViewportH {
		return nil, fmt.Errorf("newarm: %v links of length %v cannot "+
			"fit in the %v x %v viewport", numLinks, LinkLength,
			ViewportW, ViewportH)
	}

	arm := &Arm{
		world:            box2d.MakeB2World(box2d.MakeB2Vec2(0.0, 0.0)),
		numLinks:         numLinks,
		rng:              rand.New(rand.NewSource(seed)),
		backgroundColour: color.RGBA{R: 245, G: 245, B: 245, A: 255},
		linkColour:       color.RGBA{R: 70, G: 90, B: 180, A: 255},
		jointColour:      color.RGBA{R: 40, G: 40, B: 40, A: 255},
	}
	arm.Reset()
	return arm, nil
}

// NumLinks returns the number of links of the arm
func (a *Arm) NumLinks() int {
	return a.numLinks
}

// Reset rebuilds the arm with uniformly random joint angles and
// returns the new joint configuration.
func (a *Arm) Reset() []float64 {
	a.destroy()

	baseX := ViewportW / Scale / 2.0
	baseY := ViewportH / Scale / 2.0

	baseDef := box2d.NewB2BodyDef()
	baseDef.Type = 0 // Static body
	baseDef.Position = box2d.MakeB2Vec2(baseX, baseY)
	a.base = a.world.CreateBody(baseDef)

	baseShape := box2d.NewB2CircleShape()
	baseShape.SetRadius(LinkWidth / Scale)
	baseFix := box2d.MakeB2FixtureDef()
	baseFix.Shape = baseShape
	a.base.CreateFixtureFromDef(&baseFix)

	a.links = make([]*box2d.B2Body, a.numLinks)
	a.joints = make([]*box2d.B2RevoluteJoint, a.numLinks)

	length := LinkLength / Scale
	parent := a.base
	anchorX, anchorY := baseX, baseY
	angle := 0.0
	for i := 0; i < a.numLinks; i++ {
		angle += a.rng.Float64()*(MaxJointAngle-MinJointAngle) +
			MinJointAngle

		linkDef := box2d.NewB2BodyDef()
		linkDef.Type = 2 // Dynamic body
		linkDef.Position = box2d.MakeB2Vec2(
			anchorX+math.Cos(angle)*length/2.0,
			anchorY+math.Sin(angle)*length/2.0,
		)
		linkDef.Angle = angle
		linkDef.LinearDamping = 0.5
		linkDef.AngularDamping = 0.5
		link := a.world.CreateBody(linkDef)

		linkShape := box2d.NewB2PolygonShape()
		linkShape.SetAsBox(length/2.0, LinkWidth/Scale/2.0)

		linkFix := box2d.MakeB2FixtureDef()
		linkFix.Density = 1.0
		linkFix.Restitution = 0.0
		linkFix.Shape = linkShape

		// Links of the same arm never collide with each other
		filter := box2d.MakeB2Filter()
		filter.GroupIndex = -1
		linkFix.Filter = filter
		link.CreateFixtureFromDef(&linkFix)

		rjd := box2d.MakeB2RevoluteJointDef()
		rjd.BodyA = parent
		rjd.BodyB = link
		if i == 0 {
			rjd.LocalAnchorA = box2d.MakeB2Vec2(0.0, 0.0)
		} else {
			rjd.LocalAnchorA = box2d.MakeB2Vec2(length/2.0, 0.0)
		}
		rjd.LocalAnchorB = box2d.MakeB2Vec2(-length/2.0, 0.0)
		rjd.EnableMotor = true
		rjd.MaxMotorTorque = MaxMotorTorque
		rjd.MotorSpeed = 0.0

		joint := a.world.CreateJoint(&rjd)
		a.joints[i] = joint.(*box2d.B2RevoluteJoint)
		a.links[i] = link

		parent = link
		anchorX += math.Cos(angle) * length
		anchorY += math.Sin(angle) * length
	}

	return a.Qpos()
}

// destroy removes all bodies of the arm from the world
func (a *Arm) destroy() {
	if a.base == nil {
		return
	}
	for _, link := range a.links {
		a.world.DestroyBody(link)
	}
	a.world.DestroyBody(a.base)
	a.base = nil
	a.links = nil
	a.joints = nil
}

// Step drives each joint's motor toward its target angle and advances
// the simulation by one frame, returning the resulting joint
// configuration. Targets beyond the joint range are clipped.
func (a *Arm) Step(target []float64) ([]float64, error) {
	if len(target) != a.numLinks {
		return nil, fmt.Errorf("step: expected %v target angles but "+
			"got %v", a.numLinks, len(target))
	}

	for i, joint := range a.joints {
		goal := floatutils.Clip(target[i], MinJointAngle, MaxJointAngle)
		err := wrapAngle(goal - joint.GetJointAngle())
		joint.SetMotorSpeed(MotorGain * err)
	}

	a.world.Step(1.0/FPS, velocityIterations, positionIterations)
	return a.Qpos(), nil
}

// Qpos returns the current joint angles, wrapped to
// [MinJointAngle, MaxJointAngle)
func (a *Arm) Qpos() []float64 {
	qpos := make([]float64, a.numLinks)
	for i, joint := range a.joints {
		qpos[i] = wrapAngle(joint.GetJointAngle())
	}
	return qpos
}

// TipPosition returns the world coordinates of the arm's end effector
func (a *Arm) TipPosition() (float64, float64) {
	last := a.links[a.numLinks-1]
	length := LinkLength / Scale
	tip := last.GetWorldPoint(box2d.MakeB2Vec2(length/2.0, 0.0))
	return tip.X, tip.Y
}

// EnvState returns the low-dimensional state of the arm: the joint
// angles followed by the end-effector position normalized to [-1, 1].
func (a *Arm) EnvState() []float64 {
	state := a.Qpos()
	x, y := a.TipPosition()
	state = append(state,
		(x-ViewportW/Scale/2.0)/(ViewportW/Scale/2.0),
		(y-ViewportH/Scale/2.0)/(ViewportH/Scale/2.0),
	)
	return state
}

// worldToPixelCoord converts Box2D world coordinates to pixel
// coordinates
func worldToPixelCoord(coords [2]float64) [2]float64 {
	return [2]float64{Scale * coords[0], ViewportH - Scale*coords[1]}
}

// draw renders the arm onto a drawing context of the given size
func (a *Arm) draw(width, height int) *gg.Context {
	dc := gg.NewContext(width, height)
	dc.Scale(float64(width)/ViewportW, float64(height)/ViewportH)

	dc.SetColor(a.backgroundColour)
	dc.Clear()

	// Links
	dc.SetColor(a.linkColour)
	for _, link := range a.links {
		fix := link.GetFixtureList()
		shape := fix.M_shape.(*box2d.B2PolygonShape)

		dc.ClearPath()
		for i := 0; i < shape.M_count; i++ {
			vertex := box2d.B2TransformVec2Mul(link.M_xf,
				shape.M_vertices[i])
			coords := worldToPixelCoord([2]float64{vertex.X, vertex.Y})
			dc.LineTo(coords[0], coords[1])
		}
		dc.ClosePath()
		dc.Fill()
	}

	// Joints
	dc.SetColor(a.jointColour)
	for _, joint := range a.joints {
		anchor := joint.GetAnchorA()
		coords := worldToPixelCoord([2]float64{anchor.X, anchor.Y})
		dc.DrawCircle(coords[0], coords[1], LinkWidth/2.0)
		dc.Fill()
	}

	return dc
}

// Render renders the arm as a (channels, height, width) tensor of RGB
// intensities in [0, 1], suitable as a camera observation.
func (a *Arm) Render(height, width int) *tensor.Dense {
	img := a.draw(width, height).Image()

	backing := make([]float64, 3*height*width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
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

// SavePNG writes a full-resolution rendering of the arm to a PNG file
func (a *Arm) SavePNG(path string) error {
	dc := a.draw(int(ViewportW), int(ViewportH))
	if err := dc.SavePNG(path); err != nil {
		return fmt.Errorf("savepng: %v", err)
	}
	return nil
}

// wrapAngle wraps an angle to [-π, π)
func wrapAngle(angle float64) float64 {
	wrapped := math.Mod(angle+math.Pi, 2.0*math.Pi)
	if wrapped < 0 {
		wrapped += 2.0 * math.Pi
	}
	return wrapped - math.Pi
}
