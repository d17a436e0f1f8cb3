package ssod

import (
	"context"
	"fmt"

	"github.com/andresmejia3/softteacher/internal/detector"
	"github.com/andresmejia3/softteacher/internal/pseudo"
	"github.com/andresmejia3/softteacher/internal/transform"
	"github.com/andresmejia3/softteacher/internal/types"
	"gonum.org/v1/gonum/mat"
)

// TeacherOutput is the teacher's view of a batch: pseudo detections in the
// teacher frame, already filtered by the initial score threshold.
type TeacherOutput struct {
	Features   detector.FeatureMap
	Proposals  []types.Detections
	Dets       []types.Detections
	Transforms []*mat.Dense
	Metas      []types.ImageMeta
}

// teacherInfo runs the teacher on b. Nothing computed here is ever
// differentiated; the backend runs the teacher without gradients.
func (s *SoftTeacher) teacherInfo(ctx context.Context, b types.Batch) (TeacherOutput, error) {
	thr, err := s.cfg.Train.PseudoLabelInitialScoreThr.Static()
	if err != nil {
		return TeacherOutput{}, err
	}
	teacher := s.models.Get(detector.Teacher)

	feats, err := teacher.ExtractFeatures(ctx, b.Images)
	if err != nil {
		return TeacherOutput{}, fmt.Errorf("teacher features: %w", err)
	}

	proposals := b.Proposals
	if proposals == nil {
		if !teacher.WithRPN() {
			return TeacherOutput{}, fmt.Errorf("teacher: %w", ErrNoProposals)
		}
		rpn, err := teacher.RPNForward(ctx, feats)
		if err != nil {
			return TeacherOutput{}, fmt.Errorf("teacher rpn: %w", err)
		}
		if proposals, err = teacher.Proposals(ctx, rpn, b.Metas); err != nil {
			return TeacherOutput{}, fmt.Errorf("teacher proposals: %w", err)
		}
	}

	dets, err := teacher.DetectBoxes(ctx, feats, b.Metas, proposals)
	if err != nil {
		return TeacherOutput{}, fmt.Errorf("teacher detections: %w", err)
	}
	if len(dets) != b.Len() {
		return TeacherOutput{}, fmt.Errorf("%w: teacher returned %d detection sets for %d images", types.ErrMisaligned, len(dets), b.Len())
	}

	return TeacherOutput{
		Features:   feats,
		Proposals:  proposals,
		Dets:       pseudo.FilterBatch(dets, thr, s.cfg.Train.MinPseudoBoxSize),
		Transforms: transform.FromMetas(b.Metas),
		Metas:      b.Metas,
	}, nil
}
