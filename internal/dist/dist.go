// Package dist provides the collective operations data-parallel ranks use to
// share state.
//
// Every collective is a barrier: all ranks must issue the same collectives in
// the same order, or the group blocks forever.
package dist

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrShapeMismatch is returned when ranks contribute tensors of different
	// lengths to a single gather.
	ErrShapeMismatch = errors.New("ranks contributed different tensor shapes")
	// ErrBroken is returned by every collective after one rank abandoned a
	// barrier, since the call counts can no longer line up.
	ErrBroken = errors.New("collective group is broken")
)

// Collective is the process-group surface the training core needs.
type Collective interface {
	WorldSize() int
	Rank() int
	// AllGather returns every rank's data indexed by rank. All ranks must pass
	// slices of the same length.
	AllGather(ctx context.Context, data []float64) ([][]float64, error)
}

// Local is the single-process collective.
type Local struct{}

func (Local) WorldSize() int { return 1 }
func (Local) Rank() int      { return 0 }

func (Local) AllGather(ctx context.Context, data []float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]float64{append([]float64{}, data...)}, nil
}

// Group runs size ranks as goroutines of one process, in lockstep.
type Group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	slots   [][]float64
	result  [][]float64
	err     error
	broken  error
}

// NewGroup creates a group of size ranks. Use Member to get each rank's
// Collective.
func NewGroup(size int) *Group {
	if size < 1 {
		size = 1
	}
	g := &Group{size: size, slots: make([][]float64, size)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Member returns the collective handle of rank.
func (g *Group) Member(rank int) Collective {
	return &member{g: g, rank: rank}
}

// Size returns the number of ranks.
func (g *Group) Size() int { return g.size }

type member struct {
	g    *Group
	rank int
}

func (m *member) WorldSize() int { return m.g.size }
func (m *member) Rank() int      { return m.rank }

func (m *member) AllGather(ctx context.Context, data []float64) ([][]float64, error) {
	return m.g.allGather(ctx, m.rank, data)
}

func (g *Group) allGather(ctx context.Context, rank int, data []float64) ([][]float64, error) {
	if rank < 0 || rank >= g.size {
		return nil, fmt.Errorf("rank %d outside group of %d", rank, g.size)
	}

	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.broken != nil {
		return nil, g.broken
	}

	gen := g.gen
	g.slots[rank] = append([]float64{}, data...)
	g.arrived++

	if g.arrived == g.size {
		g.result, g.err = g.slots, checkShapes(g.slots)
		g.slots = make([][]float64, g.size)
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		return g.collect()
	}

	for gen == g.gen {
		if err := ctx.Err(); err != nil {
			g.broken = fmt.Errorf("%w: rank %d left the barrier: %v", ErrBroken, rank, err)
			g.cond.Broadcast()
			return nil, err
		}
		if g.broken != nil {
			return nil, g.broken
		}
		g.cond.Wait()
	}
	return g.collect()
}

// collect copies the outer slice of the finished generation. Inner slices are
// shared between ranks and must be treated as read-only.
func (g *Group) collect() ([][]float64, error) {
	if g.err != nil {
		return nil, g.err
	}
	return append([][]float64{}, g.result...), nil
}

func checkShapes(slots [][]float64) error {
	for r, s := range slots {
		if len(s) != len(slots[0]) {
			return fmt.Errorf("%w: rank 0 sent %d values, rank %d sent %d", ErrShapeMismatch, len(slots[0]), r, len(s))
		}
	}
	return nil
}
