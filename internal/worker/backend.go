package worker

import (
	"context"

	"github.com/andresmejia3/softteacher/internal/detector"
	"github.com/andresmejia3/softteacher/internal/types"
)

// Backend exposes one detector hosted by a PythonWorker. The student and the
// teacher usually share a process and differ only in role.
type Backend struct {
	w    *PythonWorker
	role detector.Role
	rpn  bool
}

var (
	_ detector.Model        = (*Backend)(nil)
	_ detector.GradientSink = (*Backend)(nil)
)

// NewBackend binds role on w. withRPN must match the Python model config.
func NewBackend(w *PythonWorker, role detector.Role, withRPN bool) *Backend {
	return &Backend{w: w, role: role, rpn: withRPN}
}

func (b *Backend) call(ctx context.Context, method string, params, result any) error {
	return b.w.Call(ctx, b.role.String(), method, params, result)
}

func (b *Backend) ExtractFeatures(ctx context.Context, images []types.ImageRef) (detector.FeatureMap, error) {
	var fm detector.FeatureMap
	err := b.call(ctx, "extract_feat", map[string]any{"img": images}, &fm)
	return fm, err
}

func (b *Backend) WithRPN() bool { return b.rpn }

func (b *Backend) RPNForward(ctx context.Context, feats detector.FeatureMap) (detector.RPNOutput, error) {
	var out detector.RPNOutput
	err := b.call(ctx, "rpn_forward", map[string]any{"feat": feats.ID}, &out)
	return out, err
}

func (b *Backend) Proposals(ctx context.Context, rpn detector.RPNOutput, metas []types.ImageMeta) ([]types.Detections, error) {
	var out []types.Detections
	err := b.call(ctx, "get_bboxes", map[string]any{"rpn_out": rpn.ID, "img_metas": metas}, &out)
	return out, err
}

func (b *Backend) RPNLoss(ctx context.Context, rpn detector.RPNOutput, gt [][]types.Box, metas []types.ImageMeta) (types.Losses, error) {
	var out types.Losses
	err := b.call(ctx, "rpn_loss", map[string]any{"rpn_out": rpn.ID, "gt_bboxes": gt, "img_metas": metas}, &out)
	return out, err
}

func (b *Backend) DetectBoxes(ctx context.Context, feats detector.FeatureMap, metas []types.ImageMeta, proposals []types.Detections) ([]types.Detections, error) {
	var out []types.Detections
	err := b.call(ctx, "simple_test_bboxes", map[string]any{
		"feat":      feats.ID,
		"img_metas": metas,
		"proposals": proposals,
	}, &out)
	return out, err
}

func (b *Backend) ROILoss(ctx context.Context, feats detector.FeatureMap, metas []types.ImageMeta, proposals []types.Detections, gt []types.Detections) (types.Losses, error) {
	var out types.Losses
	err := b.call(ctx, "roi_loss", map[string]any{
		"feat":      feats.ID,
		"img_metas": metas,
		"proposals": proposals,
		"gt":        gt,
	}, &out)
	return out, err
}

func (b *Backend) ForwardTrain(ctx context.Context, batch types.Batch) (types.Losses, error) {
	var out types.Losses
	err := b.call(ctx, "forward_train", batch, &out)
	return out, err
}

func (b *Backend) ROIExtract(ctx context.Context, feats detector.FeatureMap, rois []types.RoI) ([][]float64, error) {
	var out [][]float64
	err := b.call(ctx, "roi_extract", map[string]any{"feat": feats.ID, "rois": rois}, &out)
	return out, err
}

func (b *Backend) Project(ctx context.Context, pooled [][]float64) (detector.Embedding, error) {
	var out detector.Embedding
	err := b.call(ctx, "projector", map[string]any{"feats": pooled}, &out)
	return out, err
}

func (b *Backend) Assign(ctx context.Context, proposals types.Detections, gt types.Detections) (types.SamplingResult, error) {
	var out types.SamplingResult
	err := b.call(ctx, "assign_and_sample", map[string]any{"proposals": proposals, "gt": gt}, &out)
	if err == nil {
		err = out.Validate()
	}
	return out, err
}

// BackwardEmbedding hands the gradient of the contrastive loss with respect to
// emb back to the backend, which accumulates it into the student graph.
func (b *Backend) BackwardEmbedding(ctx context.Context, emb detector.Embedding, grad [][]float64) error {
	return b.call(ctx, "backward_embedding", map[string]any{"id": emb.ID, "grad": grad}, nil)
}

// Release frees every tensor the backend is holding for handles issued
// during the current step.
func (b *Backend) Release(ctx context.Context) error {
	return b.call(ctx, "release", nil, nil)
}
