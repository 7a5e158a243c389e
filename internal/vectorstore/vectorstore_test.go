package vectorstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/tropeminer/judge/internal/store"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.Conn()
}

func TestUpsertAndQueryRanksByCosineSimilarity(t *testing.T) {
	ctx := context.Background()
	s := New(openMemDB(t), false)

	if err := s.Upsert(ctx, "chunk", "near", []float32{1, 0, 0}, "w1", "s1"); err != nil {
		t.Fatalf("upsert near: %v", err)
	}
	if err := s.Upsert(ctx, "chunk", "far", []float32{0, 1, 0}, "w1", "s1"); err != nil {
		t.Fatalf("upsert far: %v", err)
	}

	matches, err := s.Query(ctx, "chunk", []float32{1, 0, 0}, 2, "w1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("got no matches")
	}
	if matches[0].ID != "near" {
		t.Errorf("closest match = %s, want near (got %+v)", matches[0].ID, matches)
	}
}

func TestQueryFiltersByWorkID(t *testing.T) {
	ctx := context.Background()
	s := New(openMemDB(t), false)

	if err := s.Upsert(ctx, "chunk", "a", []float32{1, 0}, "w1", "s1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, "chunk", "b", []float32{1, 0}, "w2", "s1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	matches, err := s.Query(ctx, "chunk", []float32{1, 0}, 10, "w1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, m := range matches {
		if m.WorkID != "w1" {
			t.Errorf("got match from work %s, filter was w1", m.WorkID)
		}
	}
}

func TestUpsertReplacesExistingVector(t *testing.T) {
	ctx := context.Background()
	s := New(openMemDB(t), false)

	if err := s.Upsert(ctx, "chunk", "id1", []float32{1, 0}, "w1", "s1"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.Upsert(ctx, "chunk", "id1", []float32{0, 1}, "w1", "s1"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	matches, err := s.Query(ctx, "chunk", []float32{0, 1}, 5, "w1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1 (replaced not duplicated): %+v", len(matches), matches)
	}
}

func TestGlobalAndPerWorkModesReturnSameMatch(t *testing.T) {
	ctx := context.Background()
	global := New(openMemDB(t), false)
	perWork := New(openMemDB(t), true)

	for _, s := range []*Store{global, perWork} {
		if err := s.Upsert(ctx, "chunk", "x", []float32{1, 0}, "w1", "s1"); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		matches, err := s.Query(ctx, "chunk", []float32{1, 0}, 5, "w1")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(matches) != 1 || matches[0].ID != "x" {
			t.Errorf("store mode produced unexpected matches: %+v", matches)
		}
	}
}

func TestNormalizeHandlesZeroVector(t *testing.T) {
	v := normalize([]float32{0, 0, 0})
	for _, x := range v {
		if x != 0 {
			t.Errorf("normalize of zero vector should stay zero, got %v", v)
		}
	}
}
