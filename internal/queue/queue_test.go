package queue

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/andresmejia3/softteacher/internal/dist"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const eps = 1e-9

func newRNG() *rand.Rand { return rand.New(rand.NewPCG(7, 11)) }

// unit returns a dim-long one-hot row at position i % dim.
func unit(dim, i int) []float64 {
	r := make([]float64, dim)
	r[i%dim] = 1
	return r
}

func checkInvariants(t *testing.T, q *FeatureQueue, k int) {
	t.Helper()
	snap := q.Snapshot()
	if rows, _ := snap.Dims(); rows != k {
		t.Fatalf("queue has %d rows, want %d", rows, k)
	}
	for i := 0; i < k; i++ {
		if n := floats.Norm(snap.RawRowView(i), 2); math.Abs(n-1) > 1e-6 {
			t.Errorf("row %d has norm %v", i, n)
		}
	}
	if c := q.Cursor(); c < 0 || c >= k {
		t.Errorf("cursor %d outside [0, %d)", c, k)
	}
}

func TestNew(t *testing.T) {
	q, err := New(16, 4, nil, newRNG())
	if err != nil {
		t.Fatal(err)
	}
	checkInvariants(t, q, 16)
	if q.Cursor() != 0 {
		t.Errorf("fresh cursor = %d", q.Cursor())
	}
}

func TestEnqueue_Wraparound(t *testing.T) {
	const k, dim = 10, 4
	q, _ := New(k, dim, nil, newRNG())
	ctx := context.Background()

	// move the cursor to K-3
	filler := make([][]float64, k-3)
	for i := range filler {
		filler[i] = unit(dim, 0)
	}
	if err := q.Enqueue(ctx, filler); err != nil {
		t.Fatal(err)
	}
	if q.Cursor() != k-3 {
		t.Fatalf("cursor = %d, want %d", q.Cursor(), k-3)
	}

	batch := [][]float64{
		{2, 0, 0, 0}, {0, 3, 0, 0}, {0, 0, 4, 0}, {0, 0, 0, 5}, {1, 1, 0, 0},
	}
	if err := q.Enqueue(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if q.Cursor() != 2 {
		t.Fatalf("cursor = %d, want 2", q.Cursor())
	}

	snap := q.Snapshot()
	want := map[int][]float64{
		k - 3: {1, 0, 0, 0},
		k - 2: {0, 1, 0, 0},
		k - 1: {0, 0, 1, 0},
		0:     {0, 0, 0, 1},
		1:     {math.Sqrt2 / 2, math.Sqrt2 / 2, 0, 0},
	}
	for row, w := range want {
		if !floats.EqualApprox(snap.RawRowView(row), w, 1e-9) {
			t.Errorf("row %d = %v, want %v", row, snap.RawRowView(row), w)
		}
	}
	checkInvariants(t, q, k)
}

func TestEnqueue_EmptyIsNoop(t *testing.T) {
	q, _ := New(8, 3, nil, newRNG())
	before := q.Snapshot()

	if err := q.Enqueue(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if q.Cursor() != 0 {
		t.Errorf("cursor moved to %d", q.Cursor())
	}
	if !mat.Equal(before, q.Snapshot()) {
		t.Error("bank changed on empty enqueue")
	}
}

func TestEnqueue_LargerThanCapacity(t *testing.T) {
	q, _ := New(4, 2, nil, newRNG())
	rows := make([][]float64, 6)
	for i := range rows {
		rows[i] = []float64{float64(i + 1), 0}
	}
	if err := q.Enqueue(context.Background(), rows); err != nil {
		t.Fatal(err)
	}
	if q.Cursor() != 2 {
		t.Errorf("cursor = %d, want 2", q.Cursor())
	}
	checkInvariants(t, q, 4)
}

func TestEnqueue_Errors(t *testing.T) {
	tests := []struct {
		name string
		rows [][]float64
		want error
	}{
		{"short row", [][]float64{{1, 0}}, ErrDimensionMismatch},
		{"long row", [][]float64{{1, 0, 0, 0}}, ErrDimensionMismatch},
		{"zero row", [][]float64{{0, 0, 0}}, ErrZeroVector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := New(5, 3, nil, newRNG())
			err := q.Enqueue(context.Background(), tt.rows)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if q.Cursor() != 0 {
				t.Errorf("failed enqueue moved cursor to %d", q.Cursor())
			}
		})
	}
}

func TestEnqueue_RandomSequenceKeepsInvariants(t *testing.T) {
	const k, dim = 13, 5
	rng := newRNG()
	q, _ := New(k, dim, nil, rng)

	for step := 0; step < 50; step++ {
		rows := make([][]float64, rng.IntN(9))
		for i := range rows {
			rows[i] = make([]float64, dim)
			for j := range rows[i] {
				rows[i][j] = rng.NormFloat64()
			}
		}
		if err := q.Enqueue(context.Background(), rows); err != nil {
			t.Fatal(err)
		}
	}
	checkInvariants(t, q, k)
}

func TestEnqueue_Distributed(t *testing.T) {
	const ranks, k, dim = 3, 12, 2
	g := dist.NewGroup(ranks)

	// rank r contributes r rows; rank 0 contributes nothing
	local := func(r int) [][]float64 {
		rows := make([][]float64, r)
		for i := range rows {
			rows[i] = []float64{float64(r), float64(i + 1)}
		}
		return rows
	}

	queues := make([]*FeatureQueue, ranks)
	for r := range queues {
		q, err := New(k, dim, g.Member(r), rand.New(rand.NewPCG(1, 1)))
		if err != nil {
			t.Fatal(err)
		}
		queues[r] = q
	}

	var wg sync.WaitGroup
	errs := make([]error, ranks)
	for r := 0; r < ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for step := 0; step < 2; step++ {
				if errs[r] = queues[r].Enqueue(context.Background(), local(r)); errs[r] != nil {
					return
				}
			}
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}

	// 0 + 1 + 2 rows per step, two steps
	for r, q := range queues {
		if q.Cursor() != 6 {
			t.Errorf("rank %d cursor = %d, want 6", r, q.Cursor())
		}
		if !mat.Equal(q.Snapshot(), queues[0].Snapshot()) {
			t.Errorf("rank %d bank diverged from rank 0", r)
		}
	}

	// rank order: rank 1 row, then rank 2 rows
	snap := queues[0].Snapshot()
	first := []float64{1 / math.Sqrt(2), 1 / math.Sqrt(2)}
	if !floats.EqualApprox(snap.RawRowView(0), first, eps) {
		t.Errorf("row 0 = %v, want %v", snap.RawRowView(0), first)
	}
}

func TestGatherVariable_AllEmpty(t *testing.T) {
	merged, err := GatherVariable(context.Background(), dist.Local{}, nil, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 0 {
		t.Errorf("expected nothing, got %v", merged)
	}
}

func TestSimilarities(t *testing.T) {
	q, _ := New(3, 2, nil, newRNG())
	if err := q.Enqueue(context.Background(), [][]float64{{1, 0}, {0, 1}, {-1, 0}}); err != nil {
		t.Fatal(err)
	}
	s, err := q.Similarities(mat.NewDense(1, 2, []float64{0.6, 0.8}))
	if err != nil {
		t.Fatal(err)
	}
	if !floats.EqualApprox(s.RawRowView(0), []float64{0.6, 0.8, -0.6}, eps) {
		t.Errorf("similarities = %v", s.RawRowView(0))
	}

	if _, err := q.Similarities(mat.NewDense(1, 3, nil)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	q, _ := New(6, 3, nil, newRNG())
	_ = q.Enqueue(context.Background(), [][]float64{{1, 2, 3}, {0, 0, 1}})

	restored, _ := New(6, 3, nil, rand.New(rand.NewPCG(99, 99)))
	if err := restored.Load(q.State()); err != nil {
		t.Fatal(err)
	}
	if restored.Cursor() != 2 || !mat.EqualApprox(restored.Snapshot(), q.Snapshot(), eps) {
		t.Error("restored queue differs")
	}

	bad := q.State()
	bad.Dim = 4
	if err := restored.Load(bad); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}
