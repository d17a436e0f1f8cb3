// Package transform maps boxes between differently augmented views of the
// same image.
//
// Every view carries a 3x3 matrix taking canonical image coordinates to the
// view's pixel space. The relative transform from view A to view B is
// B · A⁻¹, and boxes are carried across by mapping their four corners and
// taking the enclosing axis-aligned box, clipped to the target image.
//
// All arithmetic is float64 whatever precision the detector backend trains
// in; box coordinates are too sensitive for half precision.
package transform

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/andresmejia3/softteacher/internal/types"
	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a view transform cannot be inverted.
var ErrSingular = errors.New("transform matrix is not invertible")

// FromArray copies a row-major 3x3 array into a matrix.
func FromArray(a [3][3]float64) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, a[r][c])
		}
	}
	return m
}

// FromMetas returns the transform matrix of every meta, in order.
func FromMetas(metas []types.ImageMeta) []*mat.Dense {
	out := make([]*mat.Dense, len(metas))
	for i, m := range metas {
		out[i] = FromArray(m.Transform)
	}
	return out
}

// Shapes returns the augmented image shape of every meta, in order.
func Shapes(metas []types.ImageMeta) []types.Shape {
	out := make([]types.Shape, len(metas))
	for i, m := range metas {
		out[i] = m.ImgShape
	}
	return out
}

// Relative returns, for every pair, the transform taking a box in frame a[i]
// to frame b[i]: b[i] · a[i]⁻¹.
func Relative(a, b []*mat.Dense) ([]*mat.Dense, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d source and %d target transforms", types.ErrMisaligned, len(a), len(b))
	}
	out := make([]*mat.Dense, len(a))
	for i := range a {
		var inv mat.Dense
		if err := inv.Inverse(a[i]); err != nil {
			return nil, fmt.Errorf("image %d: %w: %v", i, ErrSingular, err)
		}
		var rel mat.Dense
		rel.Mul(b[i], &inv)
		out[i] = &rel
	}
	return out, nil
}

// Boxes applies mats[i] to every box of dets[i] and clips the result to
// shapes[i]. Scores and labels are carried over unchanged; empty detections
// stay empty.
func Boxes(dets []types.Detections, mats []*mat.Dense, shapes []types.Shape) ([]types.Detections, error) {
	if len(dets) != len(mats) || len(dets) != len(shapes) {
		return nil, fmt.Errorf("%w: %d detection sets, %d transforms, %d shapes",
			types.ErrMisaligned, len(dets), len(mats), len(shapes))
	}
	out := make([]types.Detections, len(dets))
	for i, d := range dets {
		moved := d.Clone()
		if moved.Boxes == nil {
			moved.Boxes = []types.Box{}
		}
		for j, b := range d.Boxes {
			moved.Boxes[j] = Box(b, mats[i], shapes[i])
		}
		out[i] = moved
	}
	return out, nil
}

// Box maps a single box through m and clips it to shape.
func Box(b types.Box, m *mat.Dense, shape types.Shape) types.Box {
	corners := [4][2]float64{{b.X1, b.Y1}, {b.X2, b.Y1}, {b.X2, b.Y2}, {b.X1, b.Y2}}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		x, y := apply(m, c[0], c[1])
		minX = math.Min(minX, x)
		minY = math.Min(minY, y)
		maxX = math.Max(maxX, x)
		maxY = math.Max(maxY, y)
	}

	w, h := float64(shape.W), float64(shape.H)
	return types.Box{
		X1: clamp(minX, 0, w),
		Y1: clamp(minY, 0, h),
		X2: clamp(maxX, 0, w),
		Y2: clamp(maxY, 0, h),
	}
}

// apply maps the point (x, y) in homogeneous coordinates.
func apply(m *mat.Dense, x, y float64) (float64, float64) {
	px := m.At(0, 0)*x + m.At(0, 1)*y + m.At(0, 2)
	py := m.At(1, 0)*x + m.At(1, 1)*y + m.At(1, 2)
	pz := m.At(2, 0)*x + m.At(2, 1)*y + m.At(2, 2)
	return px / pz, py / pz
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Jitter returns times randomly translated copies of boxes. Each coordinate
// moves by N(0, 1) · frac · side, where side is the box width for x
// coordinates and height for y coordinates, floored at one pixel.
func Jitter(boxes []types.Box, times int, frac float64, rng *rand.Rand) [][]types.Box {
	out := make([][]types.Box, times)
	for t := 0; t < times; t++ {
		moved := make([]types.Box, len(boxes))
		for i, b := range boxes {
			sw := math.Max(b.Width(), 1) * frac
			sh := math.Max(b.Height(), 1) * frac
			moved[i] = types.Box{
				X1: b.X1 + rng.NormFloat64()*sw,
				Y1: b.Y1 + rng.NormFloat64()*sh,
				X2: b.X2 + rng.NormFloat64()*sw,
				Y2: b.Y2 + rng.NormFloat64()*sh,
			}
		}
		out[t] = moved
	}
	return out
}
