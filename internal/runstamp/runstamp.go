// Package runstamp implements C11: run rows keyed by UUID (the
// teacher carries google/uuid only as an indirect, unused dependency —
// promoted here to direct), canonical JSON params, and blake3 short
// IDs for findings the same way internal/graph/episodes.go derives
// short_id for episodes.
package runstamp

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/tropeminer/judge/internal/apperr"
)

// Params is the canonical record of a run's inputs, per spec.md §4.11:
// json.Marshal writes the fields in declaration order and the
// FeatureFlags map in sorted key order. It records only the fields
// below; SEM_SIM_THRESHOLD, DOWNWEIGHT_NO_MENTION, the span-verifier
// knobs, the negation downweights, ANTI_WINDOW and the prompt version
// are not recorded.
type Params struct {
	WorkID             string            `json:"work_id"`
	EmbModel           string            `json:"emb_model"`
	ReasonerModel      string            `json:"reasoner_model"`
	ChunkColl          string            `json:"chunk_coll"`
	TropeColl          string            `json:"trope_coll"`
	Threshold          float64           `json:"threshold"`
	RerankTopK         int               `json:"rerank_top_k"`
	RerankKeepM        int               `json:"rerank_keep_m"`
	TropeTopK          int               `json:"trope_top_k"`
	SemTau             float64           `json:"sem_tau"`
	SemTopN            int               `json:"sem_top_n"`
	SemPerSceneCap     int               `json:"sem_per_scene_cap"`
	NegationMode       string            `json:"negation_mode"`
	PerWorkCollections bool              `json:"per_work_collections"`
	CalibrationVersion string            `json:"calibration_version"`
	TropeCatalogSHA    string            `json:"trope_catalog_sha"`
	FeatureFlags       map[string]string `json:"feature_flags,omitempty"`
}

// New generates a fresh run row, inserts it, and returns its ID. The
// ID is a UUID; finding IDs are derived with ShortID below, mirroring
// the teacher's blake3-derived short_id.
func New(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, params Params) (string, error) {
	id := uuid.New().String()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal run params: %w", err)
	}

	_, err = exec.ExecContext(ctx, `INSERT INTO run (id, params_json) VALUES (?, ?)`, id, string(paramsJSON))
	if err != nil {
		return "", fmt.Errorf("insert run row: %w", apperr.ErrDB)
	}
	return id, nil
}

// ShortID derives a 5-character human-readable ID from a full ID, the
// same BLAKE3-truncated-to-5-hex-chars scheme generateShortID uses for
// episodes and traces.
func ShortID(id string) string {
	hash := blake3.Sum256([]byte(id))
	return hex.EncodeToString(hash[:])[:5]
}
