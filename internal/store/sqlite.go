package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Client on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	schema schema
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, schema: newSchema(opts)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pages (
			id          TEXT PRIMARY KEY,
			database_id TEXT NOT NULL,
			properties  TEXT NOT NULL DEFAULT '{}',
			archived    INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS blocks (
			id         TEXT PRIMARY KEY,
			parent_id  TEXT NOT NULL,
			position   INTEGER NOT NULL,
			type       TEXT NOT NULL,
			text       TEXT NOT NULL DEFAULT '',
			checked    INTEGER NOT NULL DEFAULT 0,
			icon       TEXT NOT NULL DEFAULT '',
			color      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pages_database ON pages(database_id, archived);
		CREATE INDEX IF NOT EXISTS idx_blocks_parent ON blocks(parent_id, position);
	`)
	if err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreatePage(ctx context.Context, req CreatePageRequest) (*Page, error) {
	if err := s.schema.validateProperties(req.Properties); err != nil {
		return nil, err
	}
	if err := s.schema.validateBlocks(req.Children); err != nil {
		return nil, err
	}

	props := req.Properties
	if props == nil {
		props = Properties{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: create page: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: create page: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pages (id, database_id, properties, archived, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, id, req.DatabaseID, string(raw), now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("sqlite store: create page: %w", err)
	}
	if _, err := insertBlocks(ctx, tx, id, req.Children, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite store: create page: %w", err)
	}

	return &Page{
		ID:             id,
		DatabaseID:     req.DatabaseID,
		Properties:     copyProperties(props),
		CreatedTime:    now,
		LastEditedTime: now,
	}, nil
}

func (s *SQLiteStore) GetPage(ctx context.Context, pageID string) (*Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, database_id, properties, archived, created_at, updated_at FROM pages WHERE id = ?`, pageID)
	p, err := scanPage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite store: page %s: %w", pageID, ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite store: get page: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) UpdatePage(ctx context.Context, pageID string, props Properties) (*Page, error) {
	if err := s.schema.validateProperties(props); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: update page: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id, database_id, properties, archived, created_at, updated_at FROM pages WHERE id = ?`, pageID)
	p, err := scanPage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite store: page %s: %w", pageID, ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite store: update page: %w", err)
	}

	for k, v := range props {
		p.Properties[k] = v
	}
	raw, err := json.Marshal(p.Properties)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: update page: %w", err)
	}
	p.LastEditedTime = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `UPDATE pages SET properties = ?, updated_at = ? WHERE id = ?`,
		string(raw), p.LastEditedTime.Format(timeFormat), pageID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: update page: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite store: update page: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) SetArchived(ctx context.Context, pageID string, archived bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pages SET archived = ?, updated_at = ? WHERE id = ?`,
		boolToInt(archived), time.Now().UTC().Format(timeFormat), pageID)
	if err != nil {
		return fmt.Errorf("sqlite store: set archived: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: page %s: %w", pageID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) QueryPages(ctx context.Context, q Query) ([]*Page, error) {
	query := "SELECT id, database_id, properties, archived, created_at, updated_at FROM pages WHERE database_id = ? AND archived = 0"
	args := []any{q.DatabaseID}

	if q.Filter != nil {
		query += " AND COALESCE(json_extract(properties, ?), '') = ?"
		args = append(args, jsonPath(q.Filter.Property, "text"), q.Filter.Equals)
	}

	var order []string
	for _, srt := range q.Sorts {
		dir := "ASC"
		if srt.Direction == Descending {
			dir = "DESC"
		}
		switch srt.Timestamp {
		case CreatedTime:
			order = append(order, "created_at "+dir)
		case LastEditedTime:
			order = append(order, "updated_at "+dir)
		default:
			order = append(order, "json_extract(properties, ?) "+dir)
			args = append(args, jsonPath(srt.Property, "text"))
		}
	}
	tie := "rowid ASC"
	if len(q.Sorts) > 0 && q.Sorts[0].Direction == Descending {
		tie = "rowid DESC"
	}
	order = append(order, tie)
	query += " ORDER BY " + strings.Join(order, ", ")

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query: %w", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (s *SQLiteStore) ListBlocks(ctx context.Context, parentID string) ([]Block, error) {
	if err := s.parentExists(ctx, s.db, parentID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.type, b.text, b.checked, b.icon, b.color,
			EXISTS(SELECT 1 FROM blocks c WHERE c.parent_id = b.id)
		FROM blocks b WHERE b.parent_id = ? ORDER BY b.position
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		var typ string
		var checked, hasChildren int
		if err := rows.Scan(&b.ID, &typ, &b.Text, &checked, &b.Icon, &b.Color, &hasChildren); err != nil {
			return nil, fmt.Errorf("sqlite store: scan block: %w", err)
		}
		b.Type = BlockType(typ)
		b.Checked = checked != 0
		b.HasChildren = hasChildren != 0
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *SQLiteStore) AppendBlocks(ctx context.Context, parentID string, blocks []Block) ([]Block, error) {
	if err := s.schema.validateBlocks(blocks); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: append blocks: %w", err)
	}
	defer tx.Rollback()

	if err := s.parentExists(ctx, tx, parentID); err != nil {
		return nil, err
	}
	created, err := insertBlocks(ctx, tx, parentID, blocks, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite store: append blocks: %w", err)
	}
	return created, nil
}

func (s *SQLiteStore) DeleteBlock(ctx context.Context, blockID string) error {
	res, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM blocks WHERE id = ?
			UNION ALL
			SELECT b.id FROM blocks b JOIN tree t ON b.parent_id = t.id
		)
		DELETE FROM blocks WHERE id IN (SELECT id FROM tree)
	`, blockID)
	if err != nil {
		return fmt.Errorf("sqlite store: delete block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite store: block %s: %w", blockID, ErrNotFound)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) parentExists(ctx context.Context, q queryer, parentID string) error {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM pages WHERE id = ?) + (SELECT COUNT(*) FROM blocks WHERE id = ?)
	`, parentID, parentID).Scan(&n)
	if err != nil {
		return fmt.Errorf("sqlite store: lookup parent: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite store: parent %s: %w", parentID, ErrNotFound)
	}
	return nil
}

func insertBlocks(ctx context.Context, tx *sql.Tx, parentID string, blocks []Block, now time.Time) ([]Block, error) {
	if len(blocks) == 0 {
		return nil, nil
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), -1) + 1 FROM blocks WHERE parent_id = ?`, parentID).Scan(&next); err != nil {
		return nil, fmt.Errorf("sqlite store: next position: %w", err)
	}

	created := make([]Block, 0, len(blocks))
	for i, b := range blocks {
		children := b.Children
		b.ID = uuid.New().String()
		b.Children = nil
		b.HasChildren = len(children) > 0

		_, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (id, parent_id, position, type, text, checked, icon, color, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.ID, parentID, next+i, string(b.Type), b.Text, boolToInt(b.Checked), b.Icon, b.Color, now.Format(timeFormat))
		if err != nil {
			return nil, fmt.Errorf("sqlite store: insert block: %w", err)
		}
		if _, err := insertBlocks(ctx, tx, b.ID, children, now); err != nil {
			return nil, err
		}
		created = append(created, b)
	}
	return created, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPage(row scanner) (*Page, error) {
	var p Page
	var props string
	var archived int
	var createdAt, updatedAt string

	if err := row.Scan(&p.ID, &p.DatabaseID, &props, &archived, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Properties = make(Properties)
	if err := json.Unmarshal([]byte(props), &p.Properties); err != nil {
		return nil, fmt.Errorf("decode properties of %s: %w", p.ID, err)
	}
	p.Archived = archived != 0
	p.CreatedTime, _ = time.Parse(timeFormat, createdAt)
	p.LastEditedTime, _ = time.Parse(timeFormat, updatedAt)
	return &p, nil
}

// jsonPath quotes a property name for json_extract.
func jsonPath(property, field string) string {
	return `$."` + strings.ReplaceAll(property, `"`, `\"`) + `".` + field
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
