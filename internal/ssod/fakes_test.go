package ssod

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/andresmejia3/softteacher/internal/config"
	"github.com/andresmejia3/softteacher/internal/detector"
	"github.com/andresmejia3/softteacher/internal/dist"
	"github.com/andresmejia3/softteacher/internal/store"
	"github.com/andresmejia3/softteacher/internal/types"
)

const testDim = 4

// fakeModel is a deterministic detector. Proposals and detections are looked
// up by filename, positives are proposals whose centre falls inside a gt box,
// and the pooled feature of a box is its normalized geometry.
type fakeModel struct {
	name      string
	rpn       bool
	proposals map[string]types.Detections
	dets      map[string]types.Detections

	seq          int
	extracted    [][]types.ImageRef
	roiExtracted [][]types.RoI
	rpnGT        [][][]types.Box
	roiGT        [][]types.Detections
	roiProposals [][]types.Detections
}

func newFake(name string) *fakeModel {
	return &fakeModel{
		name:      name,
		rpn:       true,
		proposals: map[string]types.Detections{},
		dets:      map[string]types.Detections{},
	}
}

func (f *fakeModel) nextID(kind string) string {
	f.seq++
	return fmt.Sprintf("%s-%s-%d", f.name, kind, f.seq)
}

func (f *fakeModel) ExtractFeatures(_ context.Context, images []types.ImageRef) (detector.FeatureMap, error) {
	f.extracted = append(f.extracted, append([]types.ImageRef{}, images...))
	return detector.FeatureMap{ID: f.nextID("feat"), Images: len(images)}, nil
}

func (f *fakeModel) WithRPN() bool { return f.rpn }

func (f *fakeModel) RPNForward(_ context.Context, feats detector.FeatureMap) (detector.RPNOutput, error) {
	return detector.RPNOutput{ID: feats.ID}, nil
}

func (f *fakeModel) Proposals(_ context.Context, _ detector.RPNOutput, metas []types.ImageMeta) ([]types.Detections, error) {
	out := make([]types.Detections, len(metas))
	for i, m := range metas {
		out[i] = f.proposals[m.Filename].Clone()
	}
	return out, nil
}

func (f *fakeModel) RPNLoss(_ context.Context, _ detector.RPNOutput, gt [][]types.Box, _ []types.ImageMeta) (types.Losses, error) {
	f.rpnGT = append(f.rpnGT, gt)
	n := 0
	for _, g := range gt {
		n += len(g)
	}
	return types.Losses{"loss_rpn_cls": float64(n)}, nil
}

func (f *fakeModel) DetectBoxes(_ context.Context, _ detector.FeatureMap, metas []types.ImageMeta, _ []types.Detections) ([]types.Detections, error) {
	out := make([]types.Detections, len(metas))
	for i, m := range metas {
		out[i] = f.dets[m.Filename].Clone()
	}
	return out, nil
}

func (f *fakeModel) ROILoss(_ context.Context, _ detector.FeatureMap, _ []types.ImageMeta, proposals []types.Detections, gt []types.Detections) (types.Losses, error) {
	f.roiProposals = append(f.roiProposals, proposals)
	f.roiGT = append(f.roiGT, gt)
	return types.Losses{"loss_bbox": float64(types.CountBoxes(gt))}, nil
}

func (f *fakeModel) ForwardTrain(context.Context, types.Batch) (types.Losses, error) {
	return types.Losses{"loss_cls": 1, "acc": 50}, nil
}

func (f *fakeModel) ROIExtract(_ context.Context, _ detector.FeatureMap, rois []types.RoI) ([][]float64, error) {
	f.roiExtracted = append(f.roiExtracted, rois)
	out := make([][]float64, len(rois))
	for i, r := range rois {
		b := r.Box
		out[i] = []float64{(b.X1 + b.X2) / 200, (b.Y1 + b.Y2) / 200, b.Width() / 100, b.Height() / 100}
	}
	return out, nil
}

func (f *fakeModel) Project(_ context.Context, pooled [][]float64) (detector.Embedding, error) {
	rows := make([][]float64, len(pooled))
	for i, p := range pooled {
		rows[i] = append([]float64{}, p...)
	}
	return detector.Embedding{ID: f.nextID("emb"), Rows: rows}, nil
}

func (f *fakeModel) Assign(_ context.Context, proposals types.Detections, gt types.Detections) (types.SamplingResult, error) {
	var sr types.SamplingResult
	for _, p := range proposals.Boxes {
		cx, cy := (p.X1+p.X2)/2, (p.Y1+p.Y2)/2
		for j, g := range gt.Boxes {
			if cx > g.X1 && cx < g.X2 && cy > g.Y1 && cy < g.Y2 {
				sr.PosBoxes = append(sr.PosBoxes, p)
				sr.PosAssignedGT = append(sr.PosAssignedGT, j)
				sr.PosGTLabels = append(sr.PosGTLabels, gt.Labels[j])
				break
			}
		}
	}
	return sr, nil
}

// sinkModel is a fakeModel that accepts contrastive gradients.
type sinkModel struct {
	*fakeModel
	backward []detector.Embedding
	grads    [][][]float64
}

func (s *sinkModel) BackwardEmbedding(_ context.Context, emb detector.Embedding, grad [][]float64) error {
	s.backward = append(s.backward, emb)
	s.grads = append(s.grads, grad)
	return nil
}

// countingColl counts collectives issued on a single-process group.
type countingColl struct {
	dist.Local
	mu    sync.Mutex
	calls int
}

func (c *countingColl) AllGather(ctx context.Context, data []float64) ([][]float64, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Local.AllGather(ctx, data)
}

// enqueues converts gather calls into enqueue calls; every enqueue issues two.
func (c *countingColl) enqueues() int { return c.calls / 2 }

// staticIndex always returns the same item.
type staticIndex struct {
	item  store.Item
	calls int
}

func (s *staticIndex) SameLabelItem(context.Context, int) (store.Item, error) {
	s.calls++
	return s.item, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Model.ProjectorDim = testDim
	cfg.Contrastive.MemoryK = 8
	cfg.Contrastive.ExemplarMaxRetries = 5
	cfg.Train.ClsPseudoThreshold = 0.8
	cfg.Train.RPNPseudoThreshold = 0.9
	return cfg
}

type harness struct {
	st      *SoftTeacher
	student *fakeModel
	teacher *fakeModel
	coll    *countingColl
	index   *store.Memory
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	student := newFake("student")
	return buildHarness(t, cfg, student, student)
}

// newSinkHarness is newHarness with a student that receives gradients.
func newSinkHarness(t *testing.T, cfg *config.Config) (*harness, *sinkModel) {
	t.Helper()
	sink := &sinkModel{fakeModel: newFake("student")}
	return buildHarness(t, cfg, sink, sink.fakeModel), sink
}

func buildHarness(t *testing.T, cfg *config.Config, student detector.Model, fake *fakeModel) *harness {
	t.Helper()
	h := &harness{
		student: fake,
		teacher: newFake("teacher"),
		coll:    &countingColl{},
		index:   store.NewMemory(rand.New(rand.NewPCG(1, 1))),
	}
	st, err := New(detector.Pair{Student: student, Teacher: h.teacher}, h.index, h.coll, cfg,
		WithRand(rand.New(rand.NewPCG(42, 42))))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.st = st
	return h
}

// addExemplar stores a labeled image holding one box of each label.
func (h *harness) addExemplar(t *testing.T, image string, labels ...int) {
	t.Helper()
	it := store.Item{Image: types.ImageRef(image), Filename: image}
	for i, l := range labels {
		off := float64(20 * i)
		it.Boxes = append(it.Boxes, types.Box{X1: off, Y1: off, X2: off + 10, Y2: off + 10})
		it.Labels = append(it.Labels, l)
	}
	if _, err := h.index.Insert(context.Background(), it); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

// meta builds a view of a 100x100 image scaled by scale.
func meta(name string, tag types.Tag, scale float64) types.ImageMeta {
	return types.ImageMeta{
		Filename:  name,
		Tag:       tag,
		ImgShape:  types.Shape{H: int(100 * scale), W: int(100 * scale), C: 3},
		Transform: [3][3]float64{{scale, 0, 0}, {0, scale, 0}, {0, 0, 1}},
	}
}

// batchBuilder assembles a mixed, tagged batch.
type batchBuilder struct{ b types.Batch }

func (bb *batchBuilder) add(prefix string, m types.ImageMeta, gt types.Detections) *batchBuilder {
	bb.b.Images = append(bb.b.Images, types.ImageRef(prefix+"/"+m.Filename))
	bb.b.Metas = append(bb.b.Metas, m)
	bb.b.GT = append(bb.b.GT, gt)
	return bb
}

func twoObjects() types.Detections {
	return types.Detections{
		Boxes:  []types.Box{{X1: 10, Y1: 10, X2: 40, Y2: 40}, {X1: 50, Y1: 50, X2: 90, Y2: 90}},
		Labels: []int{1, 2},
	}
}
