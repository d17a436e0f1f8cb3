package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Memory is an in-process index, used for tests and small runs.
type Memory struct {
	mu      sync.Mutex
	rng     *rand.Rand
	items   []Item
	byLabel map[int][]int
}

var _ Index = (*Memory)(nil)

func NewMemory(rng *rand.Rand) *Memory {
	return &Memory{rng: rng, byLabel: make(map[int][]int)}
}

func (m *Memory) Insert(_ context.Context, it Item) (int64, error) {
	if err := it.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := len(m.items)
	it.ID = int64(pos + 1)
	m.items = append(m.items, it)

	seen := make(map[int]bool)
	for _, l := range it.Labels {
		if !seen[l] {
			seen[l] = true
			m.byLabel[l] = append(m.byLabel[l], pos)
		}
	}
	return it.ID, nil
}

func (m *Memory) SameLabelItem(_ context.Context, label int) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.byLabel[label]
	if len(candidates) == 0 {
		return Item{}, fmt.Errorf("%w %d", ErrNoItem, label)
	}
	return m.items[candidates[m.rng.IntN(len(candidates))]], nil
}

func (m *Memory) LabelCounts(context.Context) (map[int]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[int]int, len(m.byLabel))
	for l, idx := range m.byLabel {
		counts[l] = len(idx)
	}
	return counts, nil
}

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	m.byLabel = make(map[int][]int)
	return nil
}

func (m *Memory) Close(context.Context) {}
