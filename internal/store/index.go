package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/andresmejia3/softteacher/internal/types"
)

// ErrNoItem is returned when the index holds no item with the requested label.
var ErrNoItem = errors.New("no item with label")

// Item is a labeled training image used as a class exemplar.
type Item struct {
	ID       int64          `json:"id,omitempty"`
	Image    types.ImageRef `json:"img"`
	Filename string         `json:"filename,omitempty"`
	Boxes    []types.Box    `json:"gt_bboxes"`
	Labels   []int          `json:"gt_labels"`
}

// Validate checks that every box has a label and the item is non-empty.
func (it Item) Validate() error {
	if len(it.Boxes) != len(it.Labels) {
		return fmt.Errorf("%w: %d boxes, %d labels", types.ErrMisaligned, len(it.Boxes), len(it.Labels))
	}
	if it.Image == "" {
		return errors.New("item has no image")
	}
	return nil
}

// LabelIndex answers exemplar lookups for the class-exemplar contrast.
type LabelIndex interface {
	// SameLabelItem returns a random item containing at least one box of
	// label, or ErrNoItem.
	SameLabelItem(ctx context.Context, label int) (Item, error)
}

// Index is a LabelIndex that can also be populated and managed.
type Index interface {
	LabelIndex
	Insert(ctx context.Context, it Item) (int64, error)
	// LabelCounts returns how many items contain each label.
	LabelCounts(ctx context.Context) (map[int]int, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Open connects to the index named by driver: "postgres", "sqlite" or
// "memory".
func Open(ctx context.Context, driver, dsn string, seed uint64) (Index, error) {
	switch driver {
	case "postgres", "":
		return New(ctx, dsn)
	case "sqlite":
		return NewSQLite(dsn)
	case "memory":
		return NewMemory(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))), nil
	default:
		return nil, fmt.Errorf("unknown index driver %q", driver)
	}
}
