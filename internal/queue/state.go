package queue

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// State is the persisted form of a queue.
type State struct {
	K    int       `msgpack:"k"`
	Dim  int       `msgpack:"dim"`
	Ptr  int       `msgpack:"ptr"`
	Data []float64 `msgpack:"data"`
}

// State returns a copy of the bank and cursor.
func (q *FeatureQueue) State() State {
	k, d := q.bank.Dims()
	return State{K: k, Dim: d, Ptr: q.ptr, Data: append([]float64{}, q.bank.RawMatrix().Data...)}
}

// Load replaces the bank and cursor with s. The shape must match the queue's
// configured shape and every row must be unit length.
func (q *FeatureQueue) Load(s State) error {
	k, d := q.bank.Dims()
	if s.K != k || s.Dim != d {
		return fmt.Errorf("%w: checkpoint queue is %dx%d, configured %dx%d", ErrDimensionMismatch, s.K, s.Dim, k, d)
	}
	if len(s.Data) != k*d {
		return fmt.Errorf("%w: checkpoint queue holds %d values, want %d", ErrDimensionMismatch, len(s.Data), k*d)
	}
	if s.Ptr < 0 || s.Ptr >= k {
		return fmt.Errorf("checkpoint queue cursor %d outside [0, %d)", s.Ptr, k)
	}

	bank := mat.NewDense(k, d, append([]float64{}, s.Data...))
	for i := 0; i < k; i++ {
		row := bank.RawRowView(i)
		n := floats.Norm(row, 2)
		if n == 0 {
			return fmt.Errorf("%w: checkpoint queue row %d", ErrZeroVector, i)
		}
		floats.Scale(1/n, row)
	}
	q.bank, q.ptr = bank, s.Ptr
	return nil
}
