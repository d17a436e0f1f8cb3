// Package queue implements the fixed-capacity memory bank of projected region
// embeddings used as contrastive negatives.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/andresmejia3/softteacher/internal/dist"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch is returned when a feature row does not match the
	// projector dimension the queue was built with.
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
	// ErrZeroVector is returned when a row cannot be L2-normalized.
	ErrZeroVector = errors.New("cannot normalize zero vector")
)

// FeatureQueue is a K x D ring buffer of L2-normalized rows plus a write
// cursor. It always holds exactly K rows; stale rows stay until overwritten.
//
// The queue is not locked. Writes only happen after the gather barrier inside
// Enqueue, and each rank owns its own copy.
type FeatureQueue struct {
	bank *mat.Dense
	ptr  int
	coll dist.Collective
}

// New builds a queue of k random unit rows of dimension dim.
func New(k, dim int, coll dist.Collective, rng *rand.Rand) (*FeatureQueue, error) {
	if k <= 0 || dim <= 0 {
		return nil, fmt.Errorf("invalid queue shape %dx%d", k, dim)
	}
	if coll == nil {
		coll = dist.Local{}
	}
	data := make([]float64, k*dim)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	q := &FeatureQueue{bank: mat.NewDense(k, dim, data), coll: coll}
	for i := 0; i < k; i++ {
		row := q.bank.RawRowView(i)
		if n := floats.Norm(row, 2); n > 0 {
			floats.Scale(1/n, row)
		} else {
			row[0] = 1
		}
	}
	return q, nil
}

// Len returns the capacity K.
func (q *FeatureQueue) Len() int {
	k, _ := q.bank.Dims()
	return k
}

// Dim returns the row dimension D.
func (q *FeatureQueue) Dim() int {
	_, d := q.bank.Dims()
	return d
}

// Cursor returns the next write position, always in [0, K).
func (q *FeatureQueue) Cursor() int { return q.ptr }

// Snapshot returns a copy of the bank.
func (q *FeatureQueue) Snapshot() *mat.Dense {
	return mat.DenseCopyOf(q.bank)
}

// Similarities returns anchors · bankᵀ, the N x K matrix of dot products
// between every anchor row and every stored row.
func (q *FeatureQueue) Similarities(anchors mat.Matrix) (*mat.Dense, error) {
	if _, c := anchors.Dims(); c != q.Dim() {
		return nil, fmt.Errorf("%w: anchors have %d columns, queue has %d", ErrDimensionMismatch, c, q.Dim())
	}
	var out mat.Dense
	out.Mul(anchors, q.bank.T())
	return &out, nil
}

// Combine returns w · bank, the N x D weighted sums of stored rows for an
// N x K weight matrix.
func (q *FeatureQueue) Combine(w mat.Matrix) (*mat.Dense, error) {
	if _, c := w.Dims(); c != q.Len() {
		return nil, fmt.Errorf("%w: weights have %d columns, queue has %d rows", ErrDimensionMismatch, c, q.Len())
	}
	var out mat.Dense
	out.Mul(w, q.bank)
	return &out, nil
}

// Enqueue gathers rows from every rank and writes them at the cursor,
// wrapping around the end of the bank. It must be called exactly once per
// contrastive loss on every rank, with an empty rows slice when this rank has
// nothing to contribute.
func (q *FeatureQueue) Enqueue(ctx context.Context, rows [][]float64) error {
	dim := q.Dim()
	for i, r := range rows {
		if len(r) != dim {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrDimensionMismatch, i, len(r), dim)
		}
	}

	merged, err := GatherVariable(ctx, q.coll, rows, dim)
	if err != nil {
		return fmt.Errorf("gather queue features: %w", err)
	}
	if len(merged) == 0 {
		return nil
	}

	norms := make([]float64, len(merged))
	for i, r := range merged {
		if norms[i] = floats.Norm(r, 2); norms[i] == 0 {
			return fmt.Errorf("%w: gathered row %d", ErrZeroVector, i)
		}
	}

	k := q.Len()
	for i, r := range merged {
		dst := q.bank.RawRowView((q.ptr + i) % k)
		floats.ScaleTo(dst, 1/norms[i], r)
	}
	q.ptr = (q.ptr + len(merged)) % k
	return nil
}

// GatherVariable concatenates rows from every rank in rank order when ranks
// hold different row counts. Ranks first exchange their counts, then send
// their rows zero-padded to the largest count, and the padding is dropped on
// receipt. Both collectives are issued even when every rank is empty.
func GatherVariable(ctx context.Context, coll dist.Collective, rows [][]float64, dim int) ([][]float64, error) {
	sizes, err := coll.AllGather(ctx, []float64{float64(len(rows))})
	if err != nil {
		return nil, fmt.Errorf("exchange sizes: %w", err)
	}

	counts := make([]int, len(sizes))
	maxCount := 0
	for r, s := range sizes {
		counts[r] = int(s[0])
		maxCount = max(maxCount, counts[r])
	}

	padded := make([]float64, maxCount*dim)
	for i, row := range rows {
		copy(padded[i*dim:(i+1)*dim], row)
	}

	chunks, err := coll.AllGather(ctx, padded)
	if err != nil {
		return nil, fmt.Errorf("gather padded features: %w", err)
	}

	var merged [][]float64
	for r, chunk := range chunks {
		for i := 0; i < counts[r]; i++ {
			merged = append(merged, chunk[i*dim:(i+1)*dim])
		}
	}
	return merged, nil
}
