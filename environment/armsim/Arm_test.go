package armsim

import (
	"math"
	"testing"
)

// TestNewArm checks construction and joint configuration bounds
func TestNewArm(t *testing.T) {
	arm, err := NewArm(2, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if arm.NumLinks() != 2 {
		t.Fatalf("expected 2 links but got %v", arm.NumLinks())
	}
	for i, angle := range arm.Qpos() {
		if angle < MinJointAngle || angle >= MaxJointAngle {
			t.Errorf("joint %v angle %v outside joint range", i, angle)
		}
	}

	if _, err := NewArm(0, 14); err == nil {
		t.Error("expected error for arm without links")
	}
	if _, err := NewArm(100, 14); err == nil {
		t.Error("expected error for arm larger than the viewport")
	}
}

// TestStep checks action validation and that motor control moves each
// joint toward its target.
func TestStep(t *testing.T) {
	arm, err := NewArm(2, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := arm.Step([]float64{0.0}); err == nil {
		t.Error("expected error for wrong number of targets")
	}

	target := []float64{1.0, -0.5}
	var qpos []float64
	for i := 0; i < 300; i++ {
		qpos, err = arm.Step(target)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	for i := range target {
		if diff := math.Abs(wrapAngle(qpos[i] - target[i])); diff > 0.5 {
			t.Errorf("joint %v: error %v after settling on target %v",
				i, diff, target[i])
		}
	}
}

// TestReset checks that resetting redraws the joint configuration
func TestReset(t *testing.T) {
	arm, err := NewArm(3, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := arm.Qpos()
	second := arm.Reset()

	same := true
	for i := range first {
		if first[i] != second[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("reset did not redraw the joint configuration")
	}
}

// TestEnvState checks the low-dimensional state layout
func TestEnvState(t *testing.T) {
	arm, err := NewArm(2, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state := arm.EnvState()
	if len(state) != 4 {
		t.Fatalf("expected 4 state entries but got %v", len(state))
	}
	for i := 2; i < 4; i++ {
		if state[i] < -1.0 || state[i] > 1.0 {
			t.Errorf("normalized tip coordinate %v outside [-1, 1]: %v",
				i, state[i])
		}
	}
}

// TestRender checks observation tensor shape and intensity range
func TestRender(t *testing.T) {
	arm, err := NewArm(2, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame := arm.Render(48, 64)
	shape := frame.Shape()
	if shape[0] != 3 || shape[1] != 48 || shape[2] != 64 {
		t.Fatalf("expected shape (3, 48, 64) but got %v", shape)
	}
	for i, v := range frame.Data().([]float64) {
		if v < 0 || v > 1 {
			t.Fatalf("pixel %v intensity %v outside [0, 1]", i, v)
		}
	}
}

// TestWrapAngle checks angle wrapping at the boundaries
func TestWrapAngle(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi, -math.Pi},
		{-math.Pi, -math.Pi},
		{2 * math.Pi, 0},
		{3 * math.Pi, -math.Pi},
	}
	for _, c := range cases {
		if got := wrapAngle(c.in); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("wrapAngle(%v): expected %v but got %v", c.in,
				c.want, got)
		}
	}
}
