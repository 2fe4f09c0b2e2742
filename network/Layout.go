package network

import "fmt"

// TensorLayout declares how a transformer lays out its per-query
// hidden states. The layout is fixed when the transformer is
// constructed so that consumers never have to guess the orientation of
// a hidden-state tensor from its shape at run time.
type TensorLayout int

const (
	// BatchFirst lays hidden states out as (batch, queries, hidden)
	BatchFirst TensorLayout = iota

	// QueryFirst lays hidden states out as (queries, batch, hidden)
	QueryFirst
)

// String implements the fmt.Stringer interface
func (t TensorLayout) String() string {
	switch t {
	case BatchFirst:
		return "BatchFirst"
	case QueryFirst:
		return "QueryFirst"
	}
	return fmt.Sprintf("TensorLayout(%d)", int(t))
}

// Validate returns an error if the layout is not one of the declared
// layouts. Consumers treat an invalid layout as a configuration error
// between the query count and the model wiring, so this is checked at
// construction time rather than per call.
func (t TensorLayout) Validate() error {
	switch t {
	case BatchFirst, QueryFirst:
		return nil
	}
	return fmt.Errorf("layout: unexpected hidden-state layout %v", t)
}
