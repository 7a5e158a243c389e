// Package config loads the judging pipeline's knobs into a single
// immutable struct at startup, the way cmd/bud read its environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/tropeminer/judge/internal/apperr"
)

// NegationMode is a closed enum past the config boundary; spec.md §9
// design notes call for tagged variants rather than raw strings once
// parsed.
type NegationMode string

const (
	NegationFlagOnly  NegationMode = "flag-only"
	NegationDownweight NegationMode = "downweight"
	NegationDelete    NegationMode = "delete"
)

// Config is built once at startup and never mutated afterward.
type Config struct {
	Threshold           float64
	RerankTopK          int
	RerankKeepM         int
	TropeTopK           int
	DownweightNoMention float64
	SemSimThreshold     float64
	SemTau              float64
	SemTopN             int
	SemPerSceneCap      int
	SpanVerifierThresh  float64
	SpanVerifierMaxSent int
	NegationMode        NegationMode
	NegDownweight       float64
	MetaDownweight      float64
	AADownweight        float64
	AntiWindow          int
	PerWorkCollections  bool
	CalibrationVersion  string
	EmbModel            string
	ReasonerModel       string
	ChunkColl           string
	TropeColl           string
	NEmbed              int
	NScenes             int
}

// Load reads .env (if present) then the process environment, applying
// the defaults in spec.md §6. Returns apperr.ErrConfig wrapped with the
// offending key on any parse or range failure.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{}
	var err error

	if c.Threshold, err = getFloat("THRESHOLD", 0.25); err != nil {
		return nil, err
	}
	if c.RerankTopK, err = getInt("RERANK_TOP_K", 8); err != nil {
		return nil, err
	}
	if c.RerankKeepM, err = getInt("RERANK_KEEP_M", 3); err != nil {
		return nil, err
	}
	if c.TropeTopK, err = getInt("TROPE_TOP_K", 16); err != nil {
		return nil, err
	}
	if c.DownweightNoMention, err = getFloat("DOWNWEIGHT_NO_MENTION", 0.55); err != nil {
		return nil, err
	}
	if c.SemSimThreshold, err = getFloat("SEM_SIM_THRESHOLD", 0.36); err != nil {
		return nil, err
	}
	if c.SemTau, err = getFloat("SEM_TAU", 0.70); err != nil {
		return nil, err
	}
	if c.SemTopN, err = getInt("SEM_TOP_N", 8); err != nil {
		return nil, err
	}
	if c.SemPerSceneCap, err = getInt("SEM_PER_SCENE_CAP", 3); err != nil {
		return nil, err
	}
	if c.SpanVerifierThresh, err = getFloat("SPAN_VERIFIER_THRESHOLD", 0.25); err != nil {
		return nil, err
	}
	if c.SpanVerifierMaxSent, err = getInt("SPAN_VERIFIER_MAX_SENT", 2); err != nil {
		return nil, err
	}
	mode, err := getNegationMode("NEGATION_MODE", NegationDownweight)
	if err != nil {
		return nil, err
	}
	c.NegationMode = mode
	if c.NegDownweight, err = getFloat("NEG_DOWNWEIGHT", 0.6); err != nil {
		return nil, err
	}
	if c.MetaDownweight, err = getFloat("META_DOWNWEIGHT", 0.75); err != nil {
		return nil, err
	}
	if c.AADownweight, err = getFloat("AA_DOWNWEIGHT", 0.5); err != nil {
		return nil, err
	}
	if c.AntiWindow, err = getInt("ANTI_WINDOW", 60); err != nil {
		return nil, err
	}
	if c.PerWorkCollections, err = getBool("PER_WORK_COLLECTIONS", false); err != nil {
		return nil, err
	}
	c.CalibrationVersion = os.Getenv("CALIBRATION_VERSION")
	c.EmbModel = getString("EMB_MODEL", "")
	c.ReasonerModel = getString("REASONER_MODEL", "")
	c.ChunkColl = getString("CHUNK_COLL", "chunk")
	c.TropeColl = getString("TROPE_COLL", "trope_catalog")
	if c.NEmbed, err = getInt("N_EMBED", 4); err != nil {
		return nil, err
	}
	if c.NScenes, err = getInt("N_SCENES", 2); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.EmbModel == "" {
		return fmt.Errorf("EMB_MODEL is required: %w", apperr.ErrConfig)
	}
	if c.ReasonerModel == "" {
		return fmt.Errorf("REASONER_MODEL is required: %w", apperr.ErrConfig)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("THRESHOLD must be in [0,1], got %v: %w", c.Threshold, apperr.ErrConfig)
	}
	if c.RerankKeepM > c.RerankTopK {
		return fmt.Errorf("RERANK_KEEP_M (%d) must not exceed RERANK_TOP_K (%d): %w", c.RerankKeepM, c.RerankTopK, apperr.ErrConfig)
	}
	if c.NEmbed < 1 || c.NScenes < 1 {
		return fmt.Errorf("N_EMBED and N_SCENES must be >= 1: %w", apperr.ErrConfig)
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a number: %w", key, v, apperr.ErrConfig)
	}
	return f, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer: %w", key, v, apperr.ErrConfig)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	switch v {
	case "1", "true", "TRUE", "True":
		return true, nil
	case "0", "false", "FALSE", "False":
		return false, nil
	default:
		return false, fmt.Errorf("%s=%q is not a boolean: %w", key, v, apperr.ErrConfig)
	}
}

func getNegationMode(key string, def NegationMode) (NegationMode, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	switch NegationMode(v) {
	case NegationFlagOnly, NegationDownweight, NegationDelete:
		return NegationMode(v), nil
	default:
		return "", fmt.Errorf("%s=%q must be one of flag-only, downweight, delete: %w", key, v, apperr.ErrConfig)
	}
}
