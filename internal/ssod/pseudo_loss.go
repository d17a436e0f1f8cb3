package ssod

import (
	"context"
	"fmt"

	"github.com/andresmejia3/softteacher/internal/pseudo"
	"github.com/andresmejia3/softteacher/internal/transform"
	"github.com/andresmejia3/softteacher/internal/types"
)

// forwardUnsupTrain computes the unweighted unsupervised losses: the
// contrastive terms on the ctr_*_unsup views (when ctr is non-nil) and the
// pseudo-label detection loss on the student view.
func (s *SoftTeacher) forwardUnsupTrain(ctx context.Context, teacherB, studentB types.Batch, ctr *[2]types.Batch) (types.Losses, []pendingGrad, error) {
	// views are shuffled independently upstream
	teacherB, err := teacherB.AlignTo(studentB)
	if err != nil {
		return nil, nil, fmt.Errorf("align teacher to student: %w", err)
	}
	te, err := s.teacherInfo(ctx, teacherB)
	if err != nil {
		return nil, nil, err
	}
	st, err := s.studentInfo(ctx, studentB)
	if err != nil {
		return nil, nil, err
	}

	losses := types.Losses{}
	var grads []pendingGrad
	if ctr != nil {
		res, err := s.forwardUnsupCtrTrain(ctx, ctr[0], ctr[1])
		if err != nil {
			return nil, nil, fmt.Errorf("unsupervised contrastive loss: %w", err)
		}
		c := s.cfg.Contrastive
		losses["ctr1_loss"] = res.ctr1 * c.Ctr1LamUnsup
		losses["ctr2_loss"] = res.ctr2 * c.Ctr2LamUnsup
		grads = res.grads(c.Ctr1LamUnsup, c.Ctr2LamUnsup)
	}

	pl, err := s.pseudoLabelLoss(ctx, st, te)
	if err != nil {
		return nil, nil, err
	}
	losses.Merge(pl)
	return losses, grads, nil
}

// forwardUnsupCtrTrain labels the counterpart view with the teacher, carries
// the boxes into the anchor view and runs the contrastive losses on the pair.
func (s *SoftTeacher) forwardUnsupCtrTrain(ctx context.Context, anchor, ctr types.Batch) (ctrResult, error) {
	ctr, err := ctr.AlignTo(anchor)
	if err != nil {
		return ctrResult{}, fmt.Errorf("align counterpart to anchor: %w", err)
	}
	info, err := s.teacherInfo(ctx, ctr)
	if err != nil {
		return ctrResult{}, err
	}

	tr := s.cfg.Train
	ctrDets := pseudo.FilterBatch(info.Dets, tr.ClsPseudoThreshold, tr.MinPseudoBoxSize)

	m, err := transform.Relative(info.Transforms, transform.FromMetas(anchor.Metas))
	if err != nil {
		return ctrResult{}, err
	}
	anchorDets, err := transform.Boxes(ctrDets, m, transform.Shapes(anchor.Metas))
	if err != nil {
		return ctrResult{}, err
	}

	anchor.GT = anchorDets
	ctr.GT = ctrDets
	return s.ctrLoss(ctx, anchor, ctr)
}

// pseudoLabelLoss maps the teacher's detections into the student frame and
// trains the student RPN and ROI head on them.
func (s *SoftTeacher) pseudoLabelLoss(ctx context.Context, st StudentOutput, te TeacherOutput) (types.Losses, error) {
	m, err := transform.Relative(te.Transforms, st.Transforms)
	if err != nil {
		return nil, err
	}
	shapes := transform.Shapes(st.Metas)
	pseudoDets, err := transform.Boxes(te.Dets, m, shapes)
	if err != nil {
		return nil, err
	}

	losses := types.Losses{}
	rpnLoss, proposals, err := s.rpnLoss(ctx, st, pseudoDets)
	if err != nil {
		return nil, err
	}
	losses.Merge(rpnLoss)
	if proposals != nil {
		st.Proposals = proposals
	}

	if s.cfg.Train.UseTeacherProposal {
		if proposals, err = transform.Boxes(te.Proposals, m, shapes); err != nil {
			return nil, err
		}
	} else {
		proposals = st.Proposals
	}
	if proposals == nil {
		return nil, fmt.Errorf("student roi loss: %w", ErrNoProposals)
	}

	rcnnLoss, err := s.unsupRCNNLoss(ctx, st, proposals, pseudoDets)
	if err != nil {
		return nil, err
	}
	losses.Merge(rcnnLoss)
	return losses, nil
}

// rpnLoss trains the student RPN on pseudo boxes above rpn_pseudo_threshold
// and decodes its proposals. It returns no proposals when the student has no
// RPN.
func (s *SoftTeacher) rpnLoss(ctx context.Context, st StudentOutput, pseudoDets []types.Detections) (types.Losses, []types.Detections, error) {
	if st.RPN == nil {
		return types.Losses{}, nil, nil
	}
	tr := s.cfg.Train
	// the score is the classification score, not objectness
	gt := make([][]types.Box, len(pseudoDets))
	for i, d := range pseudoDets {
		gt[i] = pseudo.FilterInvalid(d, tr.RPNPseudoThreshold, tr.MinPseudoBoxSize).Boxes
	}
	s.log.Debug("rpn pseudo labels", "rpn_gt_num", meanBoxSlices(gt))

	student := s.models.Student
	losses, err := student.RPNLoss(ctx, *st.RPN, gt, st.Metas)
	if err != nil {
		return nil, nil, fmt.Errorf("student rpn loss: %w", err)
	}
	proposals, err := student.Proposals(ctx, *st.RPN, st.Metas)
	if err != nil {
		return nil, nil, fmt.Errorf("student proposals: %w", err)
	}
	return losses, proposals, nil
}

// unsupRCNNLoss trains the student ROI head on pseudo boxes above
// cls_pseudo_threshold.
func (s *SoftTeacher) unsupRCNNLoss(ctx context.Context, st StudentOutput, proposals, pseudoDets []types.Detections) (types.Losses, error) {
	tr := s.cfg.Train
	gt := pseudo.FilterBatch(pseudoDets, tr.ClsPseudoThreshold, tr.MinPseudoBoxSize)
	s.log.Debug("rcnn pseudo labels", "rcnn_gt_num", meanBoxes(gt))

	losses, err := s.models.Student.ROILoss(ctx, st.Features, st.Metas, proposals, gt)
	if err != nil {
		return nil, fmt.Errorf("student roi loss: %w", err)
	}
	return losses, nil
}

func meanBoxSlices(bs [][]types.Box) float64 {
	if len(bs) == 0 {
		return 0
	}
	n := 0
	for _, b := range bs {
		n += len(b)
	}
	return float64(n) / float64(len(bs))
}
