package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/softteacher/internal/types"
	"github.com/jackc/pgx/v5"
)

// Store is the PostgreSQL labeled-item index.
type Store struct {
	// pgx.Conn is not safe for concurrent use and training ranks share the store
	mu   sync.Mutex
	conn *pgx.Conn
}

var _ Index = (*Store)(nil)

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the item table if it doesn't exist (Auto-Migration).
// Boxes are stored flattened, four coordinates per box.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS labeled_items (
			id BIGSERIAL PRIMARY KEY,
			img TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			boxes DOUBLE PRECISION[] NOT NULL,
			labels INT[] NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS labeled_items_labels_idx ON labeled_items USING GIN (labels);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

func flattenBoxes(boxes []types.Box) []float64 {
	flat := make([]float64, 0, 4*len(boxes))
	for _, b := range boxes {
		flat = append(flat, b.X1, b.Y1, b.X2, b.Y2)
	}
	return flat
}

func unflattenBoxes(flat []float64) ([]types.Box, error) {
	if len(flat)%4 != 0 {
		return nil, fmt.Errorf("stored boxes hold %d coordinates, not a multiple of 4", len(flat))
	}
	boxes := make([]types.Box, len(flat)/4)
	for i := range boxes {
		boxes[i] = types.Box{X1: flat[4*i], Y1: flat[4*i+1], X2: flat[4*i+2], Y2: flat[4*i+3]}
	}
	return boxes, nil
}

func toInt32(v []int) []int32 {
	out := make([]int32, len(v))
	for i, x := range v {
		out[i] = int32(x)
	}
	return out
}

// Insert stores an item and returns its ID.
func (s *Store) Insert(ctx context.Context, it Item) (int64, error) {
	if err := it.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.conn.QueryRow(ctx, `
		INSERT INTO labeled_items (img, filename, boxes, labels)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, string(it.Image), it.Filename, flattenBoxes(it.Boxes), toInt32(it.Labels)).Scan(&id)
	return id, err
}

// SameLabelItem picks a random item whose labels contain label.
func (s *Store) SameLabelItem(ctx context.Context, label int) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		it     Item
		img    string
		flat   []float64
		labels []int32
	)
	err := s.conn.QueryRow(ctx, `
		SELECT id, img, filename, boxes, labels FROM labeled_items
		WHERE $1 = ANY(labels)
		ORDER BY random() LIMIT 1
	`, int32(label)).Scan(&it.ID, &img, &it.Filename, &flat, &labels)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("%w %d", ErrNoItem, label)
	}
	if err != nil {
		return Item{}, err
	}

	it.Image = types.ImageRef(img)
	if it.Boxes, err = unflattenBoxes(flat); err != nil {
		return Item{}, fmt.Errorf("item %d: %w", it.ID, err)
	}
	it.Labels = make([]int, len(labels))
	for i, l := range labels {
		it.Labels[i] = int(l)
	}
	return it, nil
}

// LabelCounts counts items per label.
func (s *Store) LabelCounts(ctx context.Context) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT label, COUNT(DISTINCT id)
		FROM labeled_items, unnest(labels) AS label
		GROUP BY label
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var label int32
		var n int64
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[int(label)] = int(n)
	}
	return counts, rows.Err()
}

// Reset drops all application tables to clear the database state and
// recreates the empty schema.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS labeled_items CASCADE;`); err != nil {
		return err
	}
	return initSchema(ctx, s.conn)
}
