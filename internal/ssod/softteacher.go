// Package ssod implements SoftTeacher semi-supervised detection training with
// cross-view contrastive losses.
//
// A frozen or EMA teacher labels unlabeled images, the labels are mapped into
// the student's augmented view and filtered, and the student learns from them
// alongside labeled data. Two contrastive terms pull student region
// embeddings towards the teacher's embedding of the same object in another
// view (ctr1) and towards an exemplar of the same class (ctr2), using a shared
// memory bank of teacher embeddings as negatives.
package ssod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/andresmejia3/softteacher/internal/config"
	"github.com/andresmejia3/softteacher/internal/detector"
	"github.com/andresmejia3/softteacher/internal/dist"
	"github.com/andresmejia3/softteacher/internal/queue"
	"github.com/andresmejia3/softteacher/internal/store"
	"github.com/andresmejia3/softteacher/internal/types"
)

var (
	// ErrNoCounterpart is returned when an anchor positive's ground-truth box
	// has no positive proposal in the counterpart view. It points at a
	// misconfigured assigner.
	ErrNoCounterpart = errors.New("no counterpart positive for ground-truth box")
	// ErrExemplarExhausted is returned when the labeled-item index cannot
	// produce an exemplar of the requested class.
	ErrExemplarExhausted = errors.New("no exemplar found for label")
	// ErrNoProposals is returned when the ROI head needs proposals and
	// neither the RPN nor the batch supplies them.
	ErrNoProposals = errors.New("no proposals available")
)

// SoftTeacher owns the student/teacher pair and the feature memory queue. It
// is driven by one goroutine per rank.
type SoftTeacher struct {
	models detector.Pair
	queue  *queue.FeatureQueue
	index  store.LabelIndex
	cfg    *config.Config
	rng    *rand.Rand
	log    *slog.Logger
}

type Option func(*SoftTeacher)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *SoftTeacher) { s.log = l }
}

// WithRand sets the source for pair sampling and subsampling. The initial
// queue bank is always drawn from the configured seed.
func WithRand(r *rand.Rand) Option {
	return func(s *SoftTeacher) { s.rng = r }
}

// New builds the training module. coll is this rank's collective; pass
// dist.Local{} for single-process runs.
func New(models detector.Pair, index store.LabelIndex, coll dist.Collective, cfg *config.Config, opts ...Option) (*SoftTeacher, error) {
	if models.Student == nil || models.Teacher == nil {
		return nil, errors.New("both student and teacher detectors are required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	s := &SoftTeacher{models: models, index: index, cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(cfg.Seed, uint64(coll.Rank())))
	}

	// the bank stream ignores the rank so every rank starts from the same bank
	q, err := queue.New(cfg.Contrastive.MemoryK, cfg.Model.ProjectorDim, coll, rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)))
	if err != nil {
		return nil, err
	}
	s.queue = q
	s.log = s.log.With("rank", coll.Rank())
	return s, nil
}

// Queue returns the feature memory queue for checkpointing.
func (s *SoftTeacher) Queue() *queue.FeatureQueue { return s.queue }

// pendingGrad is a contrastive gradient waiting for its branch weight.
type pendingGrad struct {
	emb  detector.Embedding
	grad [][]float64
	// lam is the per-term weight (ctr1_lam_* or ctr2_lam_*)
	lam float64
}

// ForwardTrain computes every loss for one mixed batch. Samples are routed by
// their meta tag; a missing role group skips its branch. Each call performs
// exactly one queue enqueue per contrastive branch (supervised and
// unsupervised) so every rank issues the same collectives.
func (s *SoftTeacher) ForwardTrain(ctx context.Context, batch types.Batch) (types.Losses, error) {
	groups, err := types.SplitByTag(batch)
	if err != nil {
		return nil, err
	}
	losses := types.Losses{}

	supCtr := false
	if sup, ok := groups[types.TagSup]; ok {
		s.log.Debug("supervised batch", "sup_gt_num", meanBoxes(sup.GT))

		supLoss, err := s.models.Student.ForwardTrain(ctx, sup)
		if err != nil {
			return nil, fmt.Errorf("student supervised forward: %w", err)
		}
		losses.Merge(supLoss.WithPrefix("sup_"))

		anchor, okA := groups[types.TagCtrAnchorSup]
		ctr, okC := groups[types.TagCtrCtrSup]
		if okA && okC {
			supCtr = true
			aligned, err := ctr.AlignTo(anchor)
			if err != nil {
				return nil, fmt.Errorf("align supervised contrastive views: %w", err)
			}
			res, err := s.ctrLoss(ctx, anchor, aligned)
			if err != nil {
				return nil, fmt.Errorf("supervised contrastive loss: %w", err)
			}
			c := s.cfg.Contrastive
			losses.Merge(types.Losses{
				"ctr1_loss": res.ctr1 * c.Ctr1LamSup,
				"ctr2_loss": res.ctr2 * c.Ctr2LamSup,
			}.WithPrefix("sup_"))
			if err := s.backward(ctx, res.grads(c.Ctr1LamSup, c.Ctr2LamSup), 1); err != nil {
				return nil, err
			}
		}
	}
	if !supCtr {
		if err := s.queue.Enqueue(ctx, nil); err != nil {
			return nil, err
		}
	}

	unsupCtr := false
	if student, ok := groups[types.TagUnsupStudent]; ok {
		teacher, ok := groups[types.TagUnsupTeacher]
		if !ok {
			return nil, fmt.Errorf("%w: unsup_student samples without unsup_teacher views", types.ErrMisaligned)
		}
		anchor, okA := groups[types.TagCtrAnchorUnsup]
		ctr, okC := groups[types.TagCtrCtrUnsup]

		var ctrGroups *[2]types.Batch
		if okA && okC {
			ctrGroups = &[2]types.Batch{anchor, ctr}
			unsupCtr = true
		}
		unsup, grads, err := s.forwardUnsupTrain(ctx, teacher, student, ctrGroups)
		if err != nil {
			return nil, err
		}
		w := s.cfg.Train.UnsupWeight
		losses.Merge(unsup.Weighted(w).WithPrefix("unsup_"))
		if err := s.backward(ctx, grads, w); err != nil {
			return nil, err
		}
	}
	if !unsupCtr {
		if err := s.queue.Enqueue(ctx, nil); err != nil {
			return nil, err
		}
	}

	return losses, nil
}

// backward pushes contrastive gradients to the student when its backend
// accepts them.
func (s *SoftTeacher) backward(ctx context.Context, grads []pendingGrad, weight float64) error {
	sink, ok := s.models.Student.(detector.GradientSink)
	if !ok {
		return nil
	}
	for _, g := range grads {
		scaled := make([][]float64, len(g.grad))
		for i, row := range g.grad {
			scaled[i] = make([]float64, len(row))
			for j, v := range row {
				scaled[i][j] = v * g.lam * weight
			}
		}
		if err := sink.BackwardEmbedding(ctx, g.emb, scaled); err != nil {
			return fmt.Errorf("backward contrastive embedding: %w", err)
		}
	}
	return nil
}

func meanBoxes(ds []types.Detections) float64 {
	if len(ds) == 0 {
		return 0
	}
	return float64(types.CountBoxes(ds)) / float64(len(ds))
}
