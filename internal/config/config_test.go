package config

import (
	"errors"
	"os"
	"testing"

	"github.com/tropeminer/judge/internal/apperr"
)

func clearEnv(t *testing.T) {
	keys := []string{
		"THRESHOLD", "RERANK_TOP_K", "RERANK_KEEP_M", "TROPE_TOP_K",
		"DOWNWEIGHT_NO_MENTION", "SEM_SIM_THRESHOLD", "SEM_TAU", "SEM_TOP_N",
		"SEM_PER_SCENE_CAP", "SPAN_VERIFIER_THRESHOLD", "SPAN_VERIFIER_MAX_SENT",
		"NEGATION_MODE", "NEG_DOWNWEIGHT", "META_DOWNWEIGHT", "AA_DOWNWEIGHT",
		"ANTI_WINDOW", "PER_WORK_COLLECTIONS", "CALIBRATION_VERSION",
		"EMB_MODEL", "REASONER_MODEL", "CHUNK_COLL", "TROPE_COLL",
		"N_EMBED", "N_SCENES",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("EMB_MODEL", "nomic-embed-text")
	os.Setenv("REASONER_MODEL", "llama3")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threshold != 0.25 {
		t.Errorf("Threshold = %v, want 0.25", cfg.Threshold)
	}
	if cfg.RerankTopK != 8 || cfg.RerankKeepM != 3 {
		t.Errorf("rerank defaults = %d/%d, want 8/3", cfg.RerankTopK, cfg.RerankKeepM)
	}
	if cfg.NegationMode != NegationDownweight {
		t.Errorf("NegationMode = %v, want downweight", cfg.NegationMode)
	}
	if cfg.ChunkColl != "chunk" || cfg.TropeColl != "trope_catalog" {
		t.Errorf("collection defaults = %s/%s", cfg.ChunkColl, cfg.TropeColl)
	}
}

func TestLoadMissingRequiredModel(t *testing.T) {
	clearEnv(t)
	defer clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing EMB_MODEL/REASONER_MODEL")
	}
	if !errors.Is(err, apperr.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestLoadInvalidThreshold(t *testing.T) {
	clearEnv(t)
	os.Setenv("EMB_MODEL", "m")
	os.Setenv("REASONER_MODEL", "m")
	os.Setenv("THRESHOLD", "1.5")
	defer clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for out-of-range THRESHOLD")
	}
}

func TestLoadRerankKeepMExceedsTopK(t *testing.T) {
	clearEnv(t)
	os.Setenv("EMB_MODEL", "m")
	os.Setenv("REASONER_MODEL", "m")
	os.Setenv("RERANK_TOP_K", "2")
	os.Setenv("RERANK_KEEP_M", "5")
	defer clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when RERANK_KEEP_M > RERANK_TOP_K")
	}
}

func TestLoadInvalidNegationMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("EMB_MODEL", "m")
	os.Setenv("REASONER_MODEL", "m")
	os.Setenv("NEGATION_MODE", "explode")
	defer clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid NEGATION_MODE")
	}
}

