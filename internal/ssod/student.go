package ssod

import (
	"context"
	"fmt"

	"github.com/andresmejia3/softteacher/internal/detector"
	"github.com/andresmejia3/softteacher/internal/transform"
	"github.com/andresmejia3/softteacher/internal/types"
	"gonum.org/v1/gonum/mat"
)

// StudentOutput is the student's raw forward pass over a batch. No filtering
// happens here; the losses filter their own targets.
type StudentOutput struct {
	Features detector.FeatureMap
	// RPN is nil when the student has no RPN.
	RPN        *detector.RPNOutput
	Proposals  []types.Detections
	Transforms []*mat.Dense
	Metas      []types.ImageMeta
}

func (s *SoftTeacher) studentInfo(ctx context.Context, b types.Batch) (StudentOutput, error) {
	student := s.models.Get(detector.Student)

	feats, err := student.ExtractFeatures(ctx, b.Images)
	if err != nil {
		return StudentOutput{}, fmt.Errorf("student features: %w", err)
	}
	out := StudentOutput{
		Features:   feats,
		Proposals:  b.Proposals,
		Transforms: transform.FromMetas(b.Metas),
		Metas:      b.Metas,
	}
	if student.WithRPN() {
		rpn, err := student.RPNForward(ctx, feats)
		if err != nil {
			return StudentOutput{}, fmt.Errorf("student rpn: %w", err)
		}
		out.RPN = &rpn
	}
	return out, nil
}
