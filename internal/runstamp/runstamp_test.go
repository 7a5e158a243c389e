package runstamp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/tropeminer/judge/internal/store"
)

func TestNewInsertsRunRowAndReturnsUsableID(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "run.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	params := Params{WorkID: "w1", EmbModel: "m", ReasonerModel: "r", Threshold: 0.25, TropeCatalogSHA: "sha"}
	id, err := New(ctx, db.Conn(), params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty run id")
	}

	var paramsJSON string
	if err := db.Conn().QueryRow(`SELECT params_json FROM run WHERE id = ?`, id).Scan(&paramsJSON); err != nil {
		t.Fatalf("read run row: %v", err)
	}
	var got Params
	if err := json.Unmarshal([]byte(paramsJSON), &got); err != nil {
		t.Fatalf("unmarshal params_json: %v", err)
	}
	if got.WorkID != "w1" || got.TropeCatalogSHA != "sha" {
		t.Errorf("stamped params = %+v, want work_id=w1 trope_catalog_sha=sha", got)
	}
}

func TestNewGeneratesDistinctIDsPerRun(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "run2.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	id1, err := New(ctx, db.Conn(), Params{WorkID: "w1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id2, err := New(ctx, db.Conn(), Params{WorkID: "w1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if id1 == id2 {
		t.Error("expected distinct run ids across separate runs")
	}
}

func TestShortIDIsDeterministicAndFiveChars(t *testing.T) {
	id1 := ShortID("finding-123")
	id2 := ShortID("finding-123")
	if id1 != id2 {
		t.Errorf("ShortID not deterministic: %s != %s", id1, id2)
	}
	if len(id1) != 5 {
		t.Errorf("ShortID length = %d, want 5", len(id1))
	}

	id3 := ShortID("finding-456")
	if id3 == id1 {
		t.Error("different inputs should (overwhelmingly likely) produce different short ids")
	}
}
