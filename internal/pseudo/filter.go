// Package pseudo prunes candidate detections before they are used as
// training targets.
package pseudo

import "github.com/andresmejia3/softteacher/internal/types"

// FilterInvalid keeps the boxes of a single image whose score is strictly
// above thr and whose width and height are both strictly above minSize.
//
// When d carries no scores the score test is skipped. Missing labels stay
// missing. The result may be empty; callers treat that as a valid state.
func FilterInvalid(d types.Detections, thr, minSize float64) types.Detections {
	keep := make([]int, 0, d.Len())
	for i, b := range d.Boxes {
		if d.Scores != nil && !(d.Scores[i] > thr) {
			continue
		}
		if !(b.Width() > minSize && b.Height() > minSize) {
			continue
		}
		keep = append(keep, i)
	}
	return d.Pick(keep)
}

// FilterBatch applies FilterInvalid to every image independently.
func FilterBatch(ds []types.Detections, thr, minSize float64) []types.Detections {
	out := make([]types.Detections, len(ds))
	for i, d := range ds {
		out[i] = FilterInvalid(d, thr, minSize)
	}
	return out
}
