// Package vectorstore generalizes graph.DB's single trace_vec table
// (internal/graph/db.go ensureVecTable, internal/graph/activation.go
// findSimilarTracesVec) into named collections with cosine KNN and
// metadata filtering, falling back to an O(n) Go-side scan when
// sqlite-vec isn't available.
package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/tropeminer/judge/internal/apperr"
	"github.com/tropeminer/judge/internal/logging"
)

// Match is one KNN result: similarity = 1 - distance, distance in [0,2].
type Match struct {
	ID         string
	Distance   float64
	Similarity float64
	WorkID     string
	SceneID    string
}

// Store adapts named vector collections onto sqlite-vec virtual
// tables, one per collection (or per collection+work when
// perWorkCollections is set).
type Store struct {
	db                 *sql.DB
	vecAvailable       bool
	perWorkCollections bool
	dims               map[string]int
	scan               map[string][]scanRow
}

// New probes for sqlite-vec support exactly as graph.Open does (a
// SELECT vec_version() query, soft-failing to scan mode on error).
func New(db *sql.DB, perWorkCollections bool) *Store {
	s := &Store{db: db, perWorkCollections: perWorkCollections, dims: map[string]int{}, scan: map[string][]scanRow{}}
	var version string
	if err := db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		logging.Warn("vectorstore", "sqlite-vec not available: %v — using scan fallback", err)
	} else {
		s.vecAvailable = true
	}
	return s
}

// tableName resolves the effective vec0 table for a collection,
// appending "__<work_id>" in per-work mode per spec.md §4.3; both
// modes must return bit-identical candidate sets for the same query.
func (s *Store) tableName(collection, workID string) string {
	if s.perWorkCollections && workID != "" {
		return collection + "_vec__" + workID
	}
	return collection + "_vec"
}

func (s *Store) scanTableName(collection, workID string) string {
	return collection + "_rows"
}

func (s *Store) ensureVecTable(collection, workID string, dim int) (string, error) {
	table := s.tableName(collection, workID)
	key := table
	if existing, ok := s.dims[key]; ok {
		if existing != dim {
			return "", fmt.Errorf("embedding dim %d doesn't match existing collection dim %d for %s", dim, existing, table)
		}
		return table, nil
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
			embedding float[%d] distance_metric=cosine,
			+row_id TEXT,
			+work_id TEXT,
			+scene_id TEXT
		)
	`, table, dim))
	if err != nil {
		return "", fmt.Errorf("create vec table %s(float[%d]): %w", table, dim, err)
	}
	s.dims[key] = dim
	return table, nil
}

// scanRow backs the O(n) fallback store, mirroring graph.DB's scan
// path for embeddings that never made it into (or can't use) vec0.
type scanRow struct {
	id      string
	vec     []float32
	workID  string
	sceneID string
}

// Upsert stores a vector under id with work_id/scene_id metadata,
// using the teacher's delete+insert idiom since vec0 doesn't reliably
// support INSERT OR REPLACE.
func (s *Store) Upsert(ctx context.Context, collection, id string, vec []float32, workID, sceneID string) error {
	vec = normalize(vec)

	if s.vecAvailable {
		table, err := s.ensureVecTable(collection, workID, len(vec))
		if err != nil {
			return fmt.Errorf("ensure vec table: %w", apperr.ErrDB)
		}
		serialized, err := sqlite_vec.SerializeFloat32(vec)
		if err != nil {
			return fmt.Errorf("serialize embedding: %w", apperr.ErrDB)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE row_id = ?`, table), id); err != nil {
			return fmt.Errorf("delete stale vec row: %w", apperr.ErrDB)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s(embedding, row_id, work_id, scene_id) VALUES (?, ?, ?, ?)`, table),
			serialized, id, workID, sceneID); err != nil {
			return fmt.Errorf("insert vec row: %w", apperr.ErrDB)
		}
		return nil
	}

	key := s.scanTableName(collection, workID)
	rows := s.scan[key]
	for i, r := range rows {
		if r.id == id {
			rows[i] = scanRow{id: id, vec: vec, workID: workID, sceneID: sceneID}
			s.scan[key] = rows
			return nil
		}
	}
	s.scan[key] = append(rows, scanRow{id: id, vec: vec, workID: workID, sceneID: sceneID})
	return nil
}

// Query returns the top-k nearest neighbors to vec in collection,
// optionally filtered to a work_id, sorted by ascending distance.
func (s *Store) Query(ctx context.Context, collection string, vec []float32, k int, workID string) ([]Match, error) {
	vec = normalize(vec)

	if s.vecAvailable {
		if m, err := s.queryVec(ctx, collection, vec, k, workID); err == nil {
			return m, nil
		}
		logging.Warn("vectorstore", "vec query failed for %s, falling back to scan", collection)
	}
	return s.queryScan(collection, vec, k, workID)
}

func (s *Store) queryVec(ctx context.Context, collection string, vec []float32, k int, workID string) ([]Match, error) {
	table := s.tableName(collection, workID)
	dim, ok := s.dims[table]
	if !ok || dim != len(vec) {
		return nil, fmt.Errorf("no vec table for %s at dim %d", table, len(vec))
	}
	serialized, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("serialize query vector: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT row_id, distance, work_id, scene_id
		FROM %s
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance ASC
	`, table)
	args := []any{serialized, k * 3}
	if !s.perWorkCollections && workID != "" {
		query = fmt.Sprintf(`
			SELECT row_id, distance, work_id, scene_id
			FROM %s
			WHERE embedding MATCH ? AND k = ? AND work_id = ?
			ORDER BY distance ASC
		`, table)
		args = []any{serialized, k * 3, workID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vec query: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var dist float64
		if err := rows.Scan(&m.ID, &dist, &m.WorkID, &m.SceneID); err != nil {
			continue
		}
		m.Distance = dist
		m.Similarity = 1 - dist
		out = append(out, m)
		if len(out) >= k {
			break
		}
	}
	return out, rows.Err()
}

func (s *Store) queryScan(collection string, vec []float32, k int, workID string) ([]Match, error) {
	key := s.scanTableName(collection, workID)
	var candidates []Match
	for wkKey, rows := range s.scan {
		if wkKey != key {
			continue
		}
		for _, r := range rows {
			if workID != "" && r.workID != workID {
				continue
			}
			sim := dot(vec, r.vec)
			candidates = append(candidates, Match{
				ID: r.id, Similarity: sim, Distance: 1 - sim, WorkID: r.workID, SceneID: r.sceneID,
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
