package semantic

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/tropeminer/judge/internal/catalog"
	"github.com/tropeminer/judge/internal/embedding"
	"github.com/tropeminer/judge/internal/store"
	"github.com/tropeminer/judge/internal/vectorstore"
)

// openMemDB opens a fresh on-disk SQLite database through store.Open so
// the sqlite-vec extension is registered exactly as it is in
// production, then hands back the raw *sql.DB vectorstore needs.
func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.Conn()
}

// fakeEmbedServer returns the same unit vector [1, 0, 0] for every
// request, just enough structure for cosine-KNN tests without
// depending on a real embedding model.
func fakeEmbedServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embedding": [1.0, 0.0, 0.0]}`))
	}))
}

func TestSeedFiltersByTauAndCapsPerScene(t *testing.T) {
	srv := fakeEmbedServer(t)
	defer srv.Close()

	embedder := embedding.NewClient(srv.URL, 0)
	store := vectorstore.New(openMemDB(t), false)

	ctx := context.Background()
	// Upsert four chunks in the same scene, all with the same direction
	// so similarity is 1.0 (>= any reasonable SEM_TAU).
	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		vec := []float32{1, 0, 0}
		_ = i
		if err := store.Upsert(ctx, "chunk", id, vec, "w1", "s1"); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	tropes := []catalog.Trope{{ID: "t1", Name: "Whodunit", Summary: "a mystery where the culprit is hidden"}}
	spans := map[string][3]int{
		"c1": {0, 0, 10}, "c2": {0, 10, 20}, "c3": {0, 20, 30}, "c4": {0, 30, 40},
	}
	lookup := func(chunkID string) (string, int, int, bool) {
		s, ok := spans[chunkID]
		if !ok {
			return "", 0, 0, false
		}
		return "s1", s[1], s[2], true
	}
	order := map[string]int{"c1": 0, "c2": 1, "c3": 2, "c4": 3}

	cands, err := Seed(ctx, embedder, store, "m", tropes, "w1", 8, 0.5, 2, lookup, func(id string) int { return order[id] })
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2 (per-scene cap): %+v", len(cands), cands)
	}
	for _, c := range cands {
		if c.TropeID != "t1" {
			t.Errorf("unexpected trope id %s", c.TropeID)
		}
	}
}

func TestSeedExcludesBelowTau(t *testing.T) {
	srv := fakeEmbedServer(t)
	defer srv.Close()

	embedder := embedding.NewClient(srv.URL, 0)
	store := vectorstore.New(openMemDB(t), false)

	ctx := context.Background()
	// Orthogonal vector -> similarity 0, below any positive SemTau.
	if err := store.Upsert(ctx, "chunk", "c1", []float32{0, 1, 0}, "w1", "s1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tropes := []catalog.Trope{{ID: "t1", Name: "Whodunit", Summary: "mystery"}}
	lookup := func(chunkID string) (string, int, int, bool) { return "s1", 0, 10, true }

	cands, err := Seed(ctx, embedder, store, "m", tropes, "w1", 8, 0.70, 3, lookup, func(string) int { return 0 })
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("got %d candidates, want 0 (below SEM_TAU): %+v", len(cands), cands)
	}
}

func TestToGazetteerCandidates(t *testing.T) {
	in := []Candidate{{TropeID: "t1", Start: 5, End: 10, Score: 0.9}}
	out := ToGazetteerCandidates(in)
	if len(out) != 1 || out[0].TropeID != "t1" || out[0].Start != 5 || out[0].End != 10 {
		t.Errorf("unexpected conversion: %+v", out)
	}
}
