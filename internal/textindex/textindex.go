// Package textindex provides a read-only, code-point-safe view over
// work/scene/chunk rows, mirroring graph.DB's query-then-scan access
// style but operating on []rune instead of bytes.
package textindex

import (
	"context"
	"database/sql"
	"fmt"
)

// Work is an immutable ingested document.
type Work struct {
	ID        string
	Title     string
	Author    string
	NormText  string
	CharCount int

	runes []rune // set by Index.Work at load, or lazily by the first Slice call
}

// Scene is a non-overlapping region of a work, ordered by Idx.
type Scene struct {
	ID        string
	WorkID    string
	Idx       int
	CharStart int
	CharEnd   int
}

// Chunk belongs to exactly one scene.
type Chunk struct {
	ID        string
	WorkID    string
	SceneID   string
	Idx       int
	CharStart int
	CharEnd   int
	Text      string
	SHA256    string
}

// Index is a read-only view of work/scene/chunk rows, backed by the
// same *sql.DB the rest of the pipeline writes through.
type Index struct {
	db *sql.DB
}

func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// Work loads a work row, including a []rune materialization of
// norm_text used by Slice for code-point-safe indexing.
func (ix *Index) Work(ctx context.Context, workID string) (*Work, error) {
	w := &Work{}
	row := ix.db.QueryRowContext(ctx, `SELECT id, title, author, norm_text, char_count FROM work WHERE id = ?`, workID)
	if err := row.Scan(&w.ID, &w.Title, &w.Author, &w.NormText, &w.CharCount); err != nil {
		return nil, fmt.Errorf("load work %s: %w", workID, err)
	}
	w.runes = []rune(w.NormText)
	return w, nil
}

// Slice returns the code-point substring [start, end) of the work's
// norm_text, clamped to [0, char_count]. Returns "" if end <= start
// after clamping.
func Slice(w *Work, start, end int) string {
	if w.runes == nil {
		w.runes = []rune(w.NormText)
	}
	n := len(w.runes)
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if end <= start {
		return ""
	}
	return string(w.runes[start:end])
}

// Scenes returns every scene for a work, ordered by idx.
func (ix *Index) Scenes(ctx context.Context, workID string) ([]*Scene, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, work_id, idx, char_start, char_end FROM scene WHERE work_id = ? ORDER BY idx`, workID)
	if err != nil {
		return nil, fmt.Errorf("list scenes for %s: %w", workID, err)
	}
	defer rows.Close()

	var out []*Scene
	for rows.Next() {
		s := &Scene{}
		if err := rows.Scan(&s.ID, &s.WorkID, &s.Idx, &s.CharStart, &s.CharEnd); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ChunksByScene returns every chunk belonging to a scene, ordered by idx.
func (ix *Index) ChunksByScene(ctx context.Context, sceneID string) ([]*Chunk, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, work_id, scene_id, idx, char_start, char_end, text, sha256
		 FROM chunk WHERE scene_id = ? ORDER BY idx`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for scene %s: %w", sceneID, err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c := &Chunk{}
		if err := rows.Scan(&c.ID, &c.WorkID, &c.SceneID, &c.Idx, &c.CharStart, &c.CharEnd, &c.Text, &c.SHA256); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunksByWork returns every chunk in a work, ordered by scene idx then
// chunk idx, for C4/C5 seeding passes that scan the whole work.
func (ix *Index) ChunksByWork(ctx context.Context, workID string) ([]*Chunk, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT c.id, c.work_id, c.scene_id, c.idx, c.char_start, c.char_end, c.text, c.sha256
		 FROM chunk c JOIN scene s ON c.scene_id = s.id
		 WHERE c.work_id = ? ORDER BY s.idx, c.idx`, workID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for work %s: %w", workID, err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c := &Chunk{}
		if err := rows.Scan(&c.ID, &c.WorkID, &c.SceneID, &c.Idx, &c.CharStart, &c.CharEnd, &c.Text, &c.SHA256); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
