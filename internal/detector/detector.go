// Package detector declares the collaborators the training core drives: the
// detector network (backbone, RPN, ROI head, projector) and its box assigner.
// Implementations live elsewhere; worker.Backend talks to a Python process.
package detector

import (
	"context"
	"fmt"

	"github.com/andresmejia3/softteacher/internal/types"
)

// Role selects which of the two detectors a call goes to.
type Role int

const (
	Student Role = iota
	Teacher
)

func (r Role) String() string {
	switch r {
	case Student:
		return "student"
	case Teacher:
		return "teacher"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// FeatureMap is a handle to a backbone feature pyramid held by the backend.
type FeatureMap struct {
	ID     string `msgpack:"id"`
	Images int    `msgpack:"images"`
}

// RPNOutput is a handle to raw region proposal network outputs.
type RPNOutput struct {
	ID string `msgpack:"id"`
}

// Embedding is a batch of projected region features. ID names the
// backend-side tensor so gradients can be sent back for it.
type Embedding struct {
	ID   string      `msgpack:"id"`
	Rows [][]float64 `msgpack:"rows"`
}

// Model is one detector. Every method is a synchronous call into the
// backend.
type Model interface {
	ExtractFeatures(ctx context.Context, images []types.ImageRef) (FeatureMap, error)
	// WithRPN reports whether the detector can generate its own proposals.
	WithRPN() bool
	RPNForward(ctx context.Context, feats FeatureMap) (RPNOutput, error)
	// Proposals decodes RPN outputs into per-image proposal boxes with
	// objectness scores.
	Proposals(ctx context.Context, rpn RPNOutput, metas []types.ImageMeta) ([]types.Detections, error)
	RPNLoss(ctx context.Context, rpn RPNOutput, gt [][]types.Box, metas []types.ImageMeta) (types.Losses, error)
	// DetectBoxes runs the ROI head on the given proposals and returns final
	// detections after NMS.
	DetectBoxes(ctx context.Context, feats FeatureMap, metas []types.ImageMeta, proposals []types.Detections) ([]types.Detections, error)
	ROILoss(ctx context.Context, feats FeatureMap, metas []types.ImageMeta, proposals []types.Detections, gt []types.Detections) (types.Losses, error)
	// ForwardTrain is the detector's own supervised loss on a labeled batch.
	ForwardTrain(ctx context.Context, batch types.Batch) (types.Losses, error)
	ROIExtract(ctx context.Context, feats FeatureMap, rois []types.RoI) ([][]float64, error)
	Project(ctx context.Context, pooled [][]float64) (Embedding, error)
	// Assign matches proposals to gt and returns the sampled positives.
	Assign(ctx context.Context, proposals types.Detections, gt types.Detections) (types.SamplingResult, error)
}

// GradientSink is implemented by backends that accept externally computed
// gradients for an embedding they produced.
type GradientSink interface {
	BackwardEmbedding(ctx context.Context, emb Embedding, grad [][]float64) error
}

// Pair holds the student and teacher detectors.
type Pair struct {
	Student Model
	Teacher Model
}

// Get returns the detector playing role.
func (p Pair) Get(r Role) Model {
	if r == Teacher {
		return p.Teacher
	}
	return p.Student
}
