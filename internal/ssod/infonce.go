package ssod

import (
	"fmt"
	"math"

	"github.com/andresmejia3/softteacher/internal/queue"
	"github.com/andresmejia3/softteacher/internal/types"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// contrastResult is one (1+K)-way contrastive cross-entropy evaluation.
type contrastResult struct {
	Loss float64
	// Logits is N x (1+K): column 0 is the positive pair, the rest the queue.
	Logits *mat.Dense
	// Grad is dLoss/dAnchor for the raw, unnormalized anchor rows.
	Grad [][]float64
}

// normalizeRows returns unit-length copies of rows.
func normalizeRows(rows [][]float64) ([][]float64, []float64, error) {
	out := make([][]float64, len(rows))
	norms := make([]float64, len(rows))
	for i, r := range rows {
		n := floats.Norm(r, 2)
		if n == 0 {
			return nil, nil, fmt.Errorf("%w: embedding row %d", queue.ErrZeroVector, i)
		}
		out[i] = make([]float64, len(r))
		floats.ScaleTo(out[i], 1/n, r)
		norms[i] = n
	}
	return out, norms, nil
}

// contrast scores every normalized anchor against its positive and against
// every row in q, divides by temp, and returns the mean cross-entropy with
// target class 0. positives must already be unit length; q is read but never
// differentiated.
func contrast(anchors, positives [][]float64, q *queue.FeatureQueue, temp float64) (contrastResult, error) {
	n := len(anchors)
	if len(positives) != n {
		return contrastResult{}, fmt.Errorf("%w: %d anchors, %d positives", types.ErrMisaligned, n, len(positives))
	}
	if n == 0 {
		return contrastResult{}, nil
	}
	dim := q.Dim()
	for i := range anchors {
		if len(anchors[i]) != dim || len(positives[i]) != dim {
			return contrastResult{}, fmt.Errorf("%w: pair %d has %d/%d values, want %d",
				queue.ErrDimensionMismatch, i, len(anchors[i]), len(positives[i]), dim)
		}
	}

	z, norms, err := normalizeRows(anchors)
	if err != nil {
		return contrastResult{}, err
	}
	zm := mat.NewDense(n, dim, nil)
	for i, r := range z {
		zm.SetRow(i, r)
	}
	neg, err := q.Similarities(zm)
	if err != nil {
		return contrastResult{}, err
	}

	k := q.Len()
	logits := mat.NewDense(n, 1+k, nil)
	probs := mat.NewDense(n, k, nil)
	posProb := make([]float64, n)
	var loss float64
	for i := 0; i < n; i++ {
		row := logits.RawRowView(i)
		row[0] = floats.Dot(z[i], positives[i])
		copy(row[1:], neg.RawRowView(i))
		floats.Scale(1/temp, row)

		lse := floats.LogSumExp(row)
		loss += lse - row[0]

		posProb[i] = expShift(row[0], lse)
		p := probs.RawRowView(i)
		for j := 0; j < k; j++ {
			p[j] = expShift(row[1+j], lse)
		}
	}
	loss /= float64(n)

	// dL/dz_i = ((p_i0 - 1) * pos_i + sum_k p_ik * queue_k) / (T * N)
	mixed, err := q.Combine(probs)
	if err != nil {
		return contrastResult{}, err
	}
	scale := 1 / (temp * float64(n))
	grad := make([][]float64, n)
	for i := 0; i < n; i++ {
		gz := make([]float64, dim)
		floats.AddScaled(gz, posProb[i]-1, positives[i])
		floats.Add(gz, mixed.RawRowView(i))
		floats.Scale(scale, gz)

		// back through z = a / |a|
		floats.AddScaled(gz, -floats.Dot(gz, z[i]), z[i])
		floats.Scale(1/norms[i], gz)
		grad[i] = gz
	}

	return contrastResult{Loss: loss, Logits: logits, Grad: grad}, nil
}

func expShift(x, lse float64) float64 {
	return math.Exp(x - lse)
}
