package ssod

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/softteacher/internal/detector"
	"github.com/andresmejia3/softteacher/internal/store"
	"github.com/andresmejia3/softteacher/internal/types"
)

// ctrResult holds both contrastive losses of one anchor/counterpart pair of
// views and the student embeddings they differentiate.
type ctrResult struct {
	ctr1, ctr2 float64
	emb1, emb2 detector.Embedding
	grad1      [][]float64
	grad2      [][]float64
}

func (r ctrResult) grads(lam1, lam2 float64) []pendingGrad {
	var out []pendingGrad
	if len(r.grad1) > 0 {
		out = append(out, pendingGrad{emb: r.emb1, grad: r.grad1, lam: lam1})
	}
	if len(r.grad2) > 0 {
		out = append(out, pendingGrad{emb: r.emb2, grad: r.grad2, lam: lam2})
	}
	return out
}

// viewInfo is one view's features and per-image positive samples.
type viewInfo struct {
	feats    detector.FeatureMap
	sampling []types.SamplingResult
}

// ctrLoss computes ctr1 and ctr2 for an anchor view (student) and a
// counterpart view (teacher) that share ground truth image by image. It
// enqueues into the memory bank exactly once, with no rows when there is
// nothing to contrast.
func (s *SoftTeacher) ctrLoss(ctx context.Context, anchor, ctr types.Batch) (ctrResult, error) {
	if err := checkCtrViews(anchor, ctr); err != nil {
		return ctrResult{}, err
	}

	var valid []int
	for i, gt := range anchor.GT {
		if gt.Len() > 0 {
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return ctrResult{}, s.queue.Enqueue(ctx, nil)
	}
	anchor, ctr = anchor.Select(valid), ctr.Select(valid)

	anchorInfo, err := s.viewInfo(ctx, detector.Student, anchor)
	if err != nil {
		return ctrResult{}, err
	}
	ctrInfo, err := s.viewInfo(ctx, detector.Teacher, ctr)
	if err != nil {
		return ctrResult{}, err
	}

	var res ctrResult
	if res.ctr1, res.emb1, res.grad1, err = s.ctrLoss1(ctx, anchorInfo, ctrInfo); err != nil {
		return ctrResult{}, err
	}
	if res.ctr2, res.emb2, res.grad2, err = s.ctrLoss2(ctx, anchorInfo, anchor.GT); err != nil {
		return ctrResult{}, err
	}
	return res, nil
}

func checkCtrViews(anchor, ctr types.Batch) error {
	if err := anchor.Validate(); err != nil {
		return fmt.Errorf("anchor view: %w", err)
	}
	if err := ctr.Validate(); err != nil {
		return fmt.Errorf("counterpart view: %w", err)
	}
	n := anchor.Len()
	if ctr.Len() != n || len(anchor.GT) != n || len(ctr.GT) != n {
		return fmt.Errorf("%w: %d anchor images, %d counterpart images, %d/%d ground-truth sets",
			types.ErrMisaligned, n, ctr.Len(), len(anchor.GT), len(ctr.GT))
	}
	for i := range anchor.GT {
		a, c := anchor.GT[i], ctr.GT[i]
		if a.Len() != c.Len() || len(a.Labels) != a.Len() || len(c.Labels) != c.Len() {
			return fmt.Errorf("%w: image %d has %d anchor and %d counterpart labeled boxes",
				types.ErrMisaligned, i, a.Len(), c.Len())
		}
	}
	return nil
}

// viewInfo extracts features, proposals and positive samples for one view
// with the detector playing role.
func (s *SoftTeacher) viewInfo(ctx context.Context, role detector.Role, b types.Batch) (viewInfo, error) {
	m := s.models.Get(role)

	feats, err := m.ExtractFeatures(ctx, b.Images)
	if err != nil {
		return viewInfo{}, fmt.Errorf("%s features: %w", role, err)
	}

	proposals := b.Proposals
	if m.WithRPN() {
		rpn, err := m.RPNForward(ctx, feats)
		if err != nil {
			return viewInfo{}, fmt.Errorf("%s rpn: %w", role, err)
		}
		if proposals, err = m.Proposals(ctx, rpn, b.Metas); err != nil {
			return viewInfo{}, fmt.Errorf("%s proposals: %w", role, err)
		}
	}
	if len(proposals) != b.Len() {
		return viewInfo{}, fmt.Errorf("%s: %w for %d images", role, ErrNoProposals, b.Len())
	}

	sampling := make([]types.SamplingResult, b.Len())
	for i := range sampling {
		if sampling[i], err = m.Assign(ctx, proposals[i], b.GT[i]); err != nil {
			return viewInfo{}, fmt.Errorf("%s assign image %d: %w", role, i, err)
		}
		if err := sampling[i].Validate(); err != nil {
			return viewInfo{}, fmt.Errorf("%s assign image %d: %w", role, i, err)
		}
	}
	return viewInfo{feats: feats, sampling: sampling}, nil
}

// ctrLoss1 is the cross-view instance contrast. Every anchor positive is
// paired with a random counterpart positive assigned to the same ground-truth
// box; the teacher embeddings are enqueued afterwards. An anchor positive
// whose ground truth has no counterpart positive is ErrNoCounterpart, even
// when the counterpart view has no positives at all.
func (s *SoftTeacher) ctrLoss1(ctx context.Context, anchor, ctr viewInfo) (float64, detector.Embedding, [][]float64, error) {
	var anchorRoIs, ctrRoIs []types.RoI
	for i := range anchor.sampling {
		ra, rc := anchor.sampling[i], ctr.sampling[i]
		if len(ra.PosBoxes) == 0 {
			continue
		}

		byGT := make(map[int][]int)
		for j, g := range rc.PosAssignedGT {
			byGT[g] = append(byGT[g], j)
		}
		for j, g := range ra.PosAssignedGT {
			cands := byGT[g]
			if len(cands) == 0 {
				return 0, detector.Embedding{}, nil, fmt.Errorf("%w: image %d, gt %d", ErrNoCounterpart, i, g)
			}
			pick := cands[s.rng.IntN(len(cands))]
			anchorRoIs = append(anchorRoIs, types.RoI{Image: i, Box: ra.PosBoxes[j]})
			ctrRoIs = append(ctrRoIs, types.RoI{Image: i, Box: rc.PosBoxes[pick]})
		}
	}
	if len(anchorRoIs) == 0 {
		return 0, detector.Embedding{}, nil, s.queue.Enqueue(ctx, nil)
	}

	student, teacher := s.models.Student, s.models.Teacher
	pooledS, err := student.ROIExtract(ctx, anchor.feats, anchorRoIs)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("student roi extract: %w", err)
	}
	pooledT, err := teacher.ROIExtract(ctx, ctr.feats, ctrRoIs)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("teacher roi extract: %w", err)
	}
	if len(pooledS) == 0 || len(pooledT) == 0 {
		return 0, detector.Embedding{}, nil, s.queue.Enqueue(ctx, nil)
	}

	embS, err := student.Project(ctx, pooledS)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("student projector: %w", err)
	}
	embT, err := teacher.Project(ctx, pooledT)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("teacher projector: %w", err)
	}
	teacherVec, _, err := normalizeRows(embT.Rows)
	if err != nil {
		return 0, detector.Embedding{}, nil, err
	}

	res, err := contrast(embS.Rows, teacherVec, s.queue, s.cfg.Contrastive.Ctr1T)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("ctr1: %w", err)
	}
	if err := s.queue.Enqueue(ctx, teacherVec); err != nil {
		return 0, detector.Embedding{}, nil, err
	}
	return res.Loss, embS, res.Grad, nil
}

// ctrLoss2 is the class-exemplar contrast. Up to ctr2_num ground-truth boxes
// per anchor image are contrasted with a same-class box from another labeled
// image, embedded by the teacher. The queue is only read.
func (s *SoftTeacher) ctrLoss2(ctx context.Context, anchor viewInfo, gt []types.Detections) (float64, detector.Embedding, [][]float64, error) {
	var rois []types.RoI
	var labels []int
	for i, d := range gt {
		idx := make([]int, d.Len())
		for j := range idx {
			idx[j] = j
		}
		if n := s.cfg.Contrastive.Ctr2Num; d.Len() > n {
			idx = s.rng.Perm(d.Len())[:n]
		}
		for _, j := range idx {
			rois = append(rois, types.RoI{Image: i, Box: d.Boxes[j]})
			labels = append(labels, d.Labels[j])
		}
	}
	if len(rois) == 0 {
		return 0, detector.Embedding{}, nil, nil
	}

	student, teacher := s.models.Student, s.models.Teacher
	pooledS, err := student.ROIExtract(ctx, anchor.feats, rois)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("student roi extract: %w", err)
	}
	embS, err := student.Project(ctx, pooledS)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("student projector: %w", err)
	}
	if len(embS.Rows) != len(labels) {
		return 0, detector.Embedding{}, nil, fmt.Errorf("%w: %d student embeddings for %d boxes", types.ErrMisaligned, len(embS.Rows), len(labels))
	}

	images := make([]types.ImageRef, len(labels))
	exemplarRoIs := make([]types.RoI, len(labels))
	for j, label := range labels {
		it, err := s.exemplar(ctx, label)
		if err != nil {
			return 0, detector.Embedding{}, nil, err
		}
		boxes := types.Detections{Boxes: it.Boxes, Labels: it.Labels}.BoxesWithLabel(label)
		images[j] = it.Image
		exemplarRoIs[j] = types.RoI{Image: j, Box: boxes[s.rng.IntN(len(boxes))]}
	}

	feats, err := teacher.ExtractFeatures(ctx, images)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("teacher exemplar features: %w", err)
	}
	pooledT, err := teacher.ROIExtract(ctx, feats, exemplarRoIs)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("teacher roi extract: %w", err)
	}
	embT, err := teacher.Project(ctx, pooledT)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("teacher projector: %w", err)
	}
	teacherVec, _, err := normalizeRows(embT.Rows)
	if err != nil {
		return 0, detector.Embedding{}, nil, err
	}

	res, err := contrast(embS.Rows, teacherVec, s.queue, s.cfg.Contrastive.Ctr2T)
	if err != nil {
		return 0, detector.Embedding{}, nil, fmt.Errorf("ctr2: %w", err)
	}
	return res.Loss, embS, res.Grad, nil
}

// exemplar asks the index for an item containing label, retrying when the
// returned item lacks it, up to exemplar_max_retries attempts.
func (s *SoftTeacher) exemplar(ctx context.Context, label int) (store.Item, error) {
	if s.index == nil {
		return store.Item{}, fmt.Errorf("%w %d: no labeled-item index configured", ErrExemplarExhausted, label)
	}
	attempts := s.cfg.Contrastive.ExemplarMaxRetries
	for a := 0; a < attempts; a++ {
		it, err := s.index.SameLabelItem(ctx, label)
		if errors.Is(err, store.ErrNoItem) {
			return store.Item{}, fmt.Errorf("%w %d: %w", ErrExemplarExhausted, label, err)
		}
		if err != nil {
			return store.Item{}, fmt.Errorf("exemplar lookup for label %d: %w", label, err)
		}
		if len(it.Boxes) == len(it.Labels) && (types.Detections{Boxes: it.Boxes, Labels: it.Labels}).HasLabel(label) {
			return it, nil
		}
		s.log.Debug("exemplar lacks label, retrying", "label", label, "item", it.ID, "attempt", a+1)
	}
	return store.Item{}, fmt.Errorf("%w %d after %d attempts", ErrExemplarExhausted, label, attempts)
}
