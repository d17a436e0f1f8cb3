package types

import (
	"fmt"
	"sort"
	"strings"
)

// Box is an axis-aligned box in pixel coordinates, (X1, Y1) top-left.
type Box struct {
	X1 float64 `json:"x1" msgpack:"x1"`
	Y1 float64 `json:"y1" msgpack:"y1"`
	X2 float64 `json:"x2" msgpack:"x2"`
	Y2 float64 `json:"y2" msgpack:"y2"`
}

// Width returns X2 - X1.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns Y2 - Y1.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Detections is the per-image set of boxes with optional scores and labels.
// Scores and Labels are either nil or the same length as Boxes. An empty
// Detections is a valid result everywhere.
type Detections struct {
	Boxes  []Box     `json:"boxes" msgpack:"boxes"`
	Scores []float64 `json:"scores,omitempty" msgpack:"scores,omitempty"`
	Labels []int     `json:"labels,omitempty" msgpack:"labels,omitempty"`
}

// Len returns the number of boxes.
func (d Detections) Len() int { return len(d.Boxes) }

// Validate checks that scores and labels, when present, match the box count.
func (d Detections) Validate() error {
	if d.Scores != nil && len(d.Scores) != len(d.Boxes) {
		return fmt.Errorf("%w: %d boxes, %d scores", ErrMisaligned, len(d.Boxes), len(d.Scores))
	}
	if d.Labels != nil && len(d.Labels) != len(d.Boxes) {
		return fmt.Errorf("%w: %d boxes, %d labels", ErrMisaligned, len(d.Boxes), len(d.Labels))
	}
	return nil
}

// Clone returns a deep copy. nil sequences stay nil.
func (d Detections) Clone() Detections {
	out := Detections{Boxes: append([]Box(nil), d.Boxes...)}
	if d.Boxes != nil && out.Boxes == nil {
		out.Boxes = []Box{}
	}
	if d.Scores != nil {
		out.Scores = append([]float64{}, d.Scores...)
	}
	if d.Labels != nil {
		out.Labels = append([]int{}, d.Labels...)
	}
	return out
}

// Pick returns the detections at idx, in that order.
func (d Detections) Pick(idx []int) Detections {
	out := Detections{Boxes: make([]Box, len(idx))}
	if d.Scores != nil {
		out.Scores = make([]float64, len(idx))
	}
	if d.Labels != nil {
		out.Labels = make([]int, len(idx))
	}
	for j, i := range idx {
		out.Boxes[j] = d.Boxes[i]
		if d.Scores != nil {
			out.Scores[j] = d.Scores[i]
		}
		if d.Labels != nil {
			out.Labels[j] = d.Labels[i]
		}
	}
	return out
}

// HasLabel reports whether any box carries label.
func (d Detections) HasLabel(label int) bool {
	for _, l := range d.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// BoxesWithLabel returns the boxes carrying label.
func (d Detections) BoxesWithLabel(label int) []Box {
	var out []Box
	for i, l := range d.Labels {
		if l == label {
			out = append(out, d.Boxes[i])
		}
	}
	return out
}

// CountBoxes sums the box counts of a batch of detections.
func CountBoxes(ds []Detections) int {
	n := 0
	for _, d := range ds {
		n += d.Len()
	}
	return n
}

// BoxesOf extracts the box slices of a batch of detections.
func BoxesOf(ds []Detections) [][]Box {
	out := make([][]Box, len(ds))
	for i, d := range ds {
		out[i] = d.Boxes
	}
	return out
}

// Losses maps loss names to scalar values, e.g. "loss_cls" or "ctr1_loss".
type Losses map[string]float64

// Merge copies every entry of other into l, overwriting duplicates.
func (l Losses) Merge(other Losses) {
	for k, v := range other {
		l[k] = v
	}
}

// WithPrefix returns a copy whose keys are prefixed with p.
func (l Losses) WithPrefix(p string) Losses {
	out := make(Losses, len(l))
	for k, v := range l {
		out[p+k] = v
	}
	return out
}

// Weighted returns a copy where every entry whose name contains "loss" is
// multiplied by w. Other entries (accuracies, counts) pass through.
func (l Losses) Weighted(w float64) Losses {
	out := make(Losses, len(l))
	for k, v := range l {
		if strings.Contains(k, "loss") {
			v *= w
		}
		out[k] = v
	}
	return out
}

// Total sums every entry whose name contains "loss".
func (l Losses) Total() float64 {
	var t float64
	for k, v := range l {
		if strings.Contains(k, "loss") {
			t += v
		}
	}
	return t
}

// Keys returns the loss names sorted.
func (l Losses) Keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
