package types

import (
	"errors"
	"fmt"
)

var (
	// ErrMisaligned is returned when per-image sequences of a batch (or of two
	// batches that must pair up) disagree in length.
	ErrMisaligned = errors.New("misaligned batch")
	// ErrUnknownFilename is returned when a batch cannot be re-ordered to match
	// another because a filename is missing.
	ErrUnknownFilename = errors.New("filename not present in batch")
)

// Tag routes a sample to one of the training roles.
type Tag string

const (
	TagSup            Tag = "sup"
	TagUnsupTeacher   Tag = "unsup_teacher"
	TagUnsupStudent   Tag = "unsup_student"
	TagCtrAnchorSup   Tag = "ctr_anchor_sup"
	TagCtrCtrSup      Tag = "ctr_ctr_sup"
	TagCtrAnchorUnsup Tag = "ctr_anchor_unsup"
	TagCtrCtrUnsup    Tag = "ctr_ctr_unsup"
)

// ImageRef is an opaque key the detector backend resolves to pixels
// (a file path or a handle to an already loaded tensor).
type ImageRef string

// Shape is the (height, width, channels) of an image after augmentation.
type Shape struct {
	H int `json:"h" msgpack:"h"`
	W int `json:"w" msgpack:"w"`
	C int `json:"c,omitempty" msgpack:"c,omitempty"`
}

// NormConfig is the pixel normalization applied by the data pipeline.
type NormConfig struct {
	Mean  []float64 `json:"mean" msgpack:"mean"`
	Std   []float64 `json:"std" msgpack:"std"`
	ToRGB bool      `json:"to_rgb" msgpack:"to_rgb"`
}

// ImageMeta describes one augmented view of an image. Filename is the join key
// across role groups.
type ImageMeta struct {
	Filename  string        `json:"filename" msgpack:"filename"`
	Tag       Tag           `json:"tag" msgpack:"tag"`
	ImgShape  Shape         `json:"img_shape" msgpack:"img_shape"`
	Transform [3][3]float64 `json:"transform_matrix" msgpack:"transform_matrix"`
	Norm      NormConfig    `json:"img_norm_cfg" msgpack:"img_norm_cfg"`
}

// Batch holds index-aligned per-image sequences. Proposals and GT are optional
// (nil when the role group carries none).
type Batch struct {
	Images    []ImageRef   `json:"img" msgpack:"img"`
	Metas     []ImageMeta  `json:"img_metas" msgpack:"img_metas"`
	Proposals []Detections `json:"proposals,omitempty" msgpack:"proposals,omitempty"`
	GT        []Detections `json:"gt,omitempty" msgpack:"gt,omitempty"`
}

// Len returns the number of images in the batch.
func (b Batch) Len() int { return len(b.Images) }

// Validate checks that every per-image sequence has the same length.
func (b Batch) Validate() error {
	n := len(b.Images)
	if len(b.Metas) != n {
		return fmt.Errorf("%w: %d images, %d metas", ErrMisaligned, n, len(b.Metas))
	}
	if b.Proposals != nil && len(b.Proposals) != n {
		return fmt.Errorf("%w: %d images, %d proposal sets", ErrMisaligned, n, len(b.Proposals))
	}
	if b.GT != nil && len(b.GT) != n {
		return fmt.Errorf("%w: %d images, %d ground-truth sets", ErrMisaligned, n, len(b.GT))
	}
	for i, gt := range b.GT {
		if err := gt.Validate(); err != nil {
			return fmt.Errorf("image %d ground truth: %w", i, err)
		}
	}
	return nil
}

// Filenames lists the meta filenames in batch order.
func (b Batch) Filenames() []string {
	names := make([]string, len(b.Metas))
	for i, m := range b.Metas {
		names[i] = m.Filename
	}
	return names
}

// Select returns a new batch holding the images at idx, in that order.
func (b Batch) Select(idx []int) Batch {
	out := Batch{
		Images: make([]ImageRef, len(idx)),
		Metas:  make([]ImageMeta, len(idx)),
	}
	if b.Proposals != nil {
		out.Proposals = make([]Detections, len(idx))
	}
	if b.GT != nil {
		out.GT = make([]Detections, len(idx))
	}
	for j, i := range idx {
		out.Images[j] = b.Images[i]
		out.Metas[j] = b.Metas[i]
		if b.Proposals != nil {
			out.Proposals[j] = b.Proposals[i].Clone()
		}
		if b.GT != nil {
			out.GT[j] = b.GT[i].Clone()
		}
	}
	return out
}

// AlignTo re-orders b so that its i-th image has the same filename as the i-th
// image of ref. Role groups are shuffled independently upstream, so pairing by
// position is never valid.
func (b Batch) AlignTo(ref Batch) (Batch, error) {
	pos := make(map[string]int, len(b.Metas))
	for i, m := range b.Metas {
		if _, dup := pos[m.Filename]; !dup {
			pos[m.Filename] = i
		}
	}
	idx := make([]int, len(ref.Metas))
	for j, m := range ref.Metas {
		i, ok := pos[m.Filename]
		if !ok {
			return Batch{}, fmt.Errorf("%w: %q", ErrUnknownFilename, m.Filename)
		}
		idx[j] = i
	}
	return b.Select(idx), nil
}

// SplitByTag groups the samples of a mixed batch by their meta tag, keeping
// the original relative order inside each group.
func SplitByTag(b Batch) (map[Tag]Batch, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	idx := make(map[Tag][]int)
	for i, m := range b.Metas {
		idx[m.Tag] = append(idx[m.Tag], i)
	}
	groups := make(map[Tag]Batch, len(idx))
	for tag, ii := range idx {
		groups[tag] = b.Select(ii)
	}
	return groups, nil
}

// SamplingResult is the positive part of a proposal-to-ground-truth
// assignment for one image.
type SamplingResult struct {
	PosBoxes      []Box `json:"pos_bboxes" msgpack:"pos_bboxes"`
	PosAssignedGT []int `json:"pos_assigned_gt_inds" msgpack:"pos_assigned_gt_inds"`
	PosGTLabels   []int `json:"pos_gt_labels" msgpack:"pos_gt_labels"`
}

// Validate checks the three positive sequences line up.
func (s SamplingResult) Validate() error {
	if len(s.PosBoxes) != len(s.PosAssignedGT) || len(s.PosBoxes) != len(s.PosGTLabels) {
		return fmt.Errorf("%w: %d positive boxes, %d gt indices, %d gt labels",
			ErrMisaligned, len(s.PosBoxes), len(s.PosAssignedGT), len(s.PosGTLabels))
	}
	return nil
}

// RoI is a box tagged with the batch index of the image it belongs to.
type RoI struct {
	Image int `json:"img" msgpack:"img"`
	Box   Box `json:"box" msgpack:"box"`
}

// ToRoIs flattens per-image boxes into RoIs (image index first).
func ToRoIs(perImage [][]Box) []RoI {
	var rois []RoI
	for i, boxes := range perImage {
		for _, b := range boxes {
			rois = append(rois, RoI{Image: i, Box: b})
		}
	}
	return rois
}
