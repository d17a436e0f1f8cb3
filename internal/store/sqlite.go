package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/andresmejia3/softteacher/internal/types"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a single-file labeled-item index for local runs.
type SQLite struct {
	conn *sql.DB
}

var _ Index = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the index at path.
func NewSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &SQLite{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func (db *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		img TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS item_boxes (
		item_id INTEGER NOT NULL,
		pos INTEGER NOT NULL,
		x1 REAL NOT NULL,
		y1 REAL NOT NULL,
		x2 REAL NOT NULL,
		y2 REAL NOT NULL,
		label INTEGER NOT NULL,
		PRIMARY KEY (item_id, pos),
		FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_item_boxes_label ON item_boxes(label);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *SQLite) Close(context.Context) {
	db.conn.Close()
}

// Insert stores an item and its boxes in one transaction.
func (db *SQLite) Insert(ctx context.Context, it Item) (int64, error) {
	if err := it.Validate(); err != nil {
		return 0, err
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO items (img, filename) VALUES (?, ?)`, string(it.Image), it.Filename)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, b := range it.Boxes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO item_boxes (item_id, pos, x1, y1, x2, y2, label)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, i, b.X1, b.Y1, b.X2, b.Y2, it.Labels[i]); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// SameLabelItem picks a random item with at least one box of label.
func (db *SQLite) SameLabelItem(ctx context.Context, label int) (Item, error) {
	var it Item
	var img string
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, img, filename FROM items
		WHERE id IN (SELECT item_id FROM item_boxes WHERE label = ?)
		ORDER BY RANDOM() LIMIT 1
	`, label).Scan(&it.ID, &img, &it.Filename)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w %d", ErrNoItem, label)
	}
	if err != nil {
		return Item{}, err
	}
	it.Image = types.ImageRef(img)

	rows, err := db.conn.QueryContext(ctx, `
		SELECT x1, y1, x2, y2, label FROM item_boxes WHERE item_id = ? ORDER BY pos
	`, it.ID)
	if err != nil {
		return Item{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var b types.Box
		var l int
		if err := rows.Scan(&b.X1, &b.Y1, &b.X2, &b.Y2, &l); err != nil {
			return Item{}, err
		}
		it.Boxes = append(it.Boxes, b)
		it.Labels = append(it.Labels, l)
	}
	return it, rows.Err()
}

// LabelCounts counts items per label.
func (db *SQLite) LabelCounts(ctx context.Context) (map[int]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT label, COUNT(DISTINCT item_id) FROM item_boxes GROUP BY label
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var label, n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[label] = n
	}
	return counts, rows.Err()
}

// Reset deletes every item.
func (db *SQLite) Reset(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM item_boxes; DELETE FROM items;`)
	return err
}
