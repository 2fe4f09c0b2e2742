package initwfn

import (
	"encoding/json"
	"testing"
)

// TestJSONRoundTrip checks that every initializer type can be created,
// marshalled, and unmarshalled back to its own type.
func TestJSONRoundTrip(t *testing.T) {
	inits := []struct {
		name string
		wfn  func() (*InitWFn, error)
		typ  Type
	}{
		{"GlorotU", func() (*InitWFn, error) { return NewGlorotU(1.0) },
			GlorotU},
		{"GlorotN", func() (*InitWFn, error) { return NewGlorotN(1.0) },
			GlorotN},
		{"Zeroes", NewZeroes, Zeroes},
		{"Ones", NewOnes, Ones},
		{"Constant", func() (*InitWFn, error) { return NewConstant(0.5) },
			Constant},
		{"Gaussian", func() (*InitWFn, error) {
			return NewGaussian(0.0, 1.0)
		}, Gaussian},
		{"Uniform", func() (*InitWFn, error) {
			return NewUniform(-1.0, 1.0)
		}, Uniform},
	}

	for _, c := range inits {
		wfn, err := c.wfn()
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", c.name, err)
		}
		if wfn.Type != c.typ {
			t.Errorf("%v: expected type %v but got %v", c.name, c.typ,
				wfn.Type)
		}
		if wfn.InitWFn() == nil {
			t.Errorf("%v: no wrapped initializer was created", c.name)
		}

		data, err := json.Marshal(wfn)
		if err != nil {
			t.Fatalf("%v: unexpected error: %v", c.name, err)
		}
		restored := new(InitWFn)
		if err := json.Unmarshal(data, restored); err != nil {
			t.Fatalf("%v: unexpected error: %v", c.name, err)
		}
		if restored.Type != c.typ {
			t.Errorf("%v: restored to type %v", c.name, restored.Type)
		}
		if restored.InitWFn() == nil {
			t.Errorf("%v: restored without a wrapped initializer", c.name)
		}
	}
}
