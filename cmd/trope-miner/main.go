// Command trope-miner runs the judging pipeline (C1-C12) against an
// already-ingested work, the same env-driven-wiring-then-run shape as
// cmd/bud/main.go, trimmed to this pipeline's own inputs: a SQLite
// database, an optional trope catalog YAML file, and a work id.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tropeminer/judge/internal/catalog"
	"github.com/tropeminer/judge/internal/config"
	"github.com/tropeminer/judge/internal/embedding"
	"github.com/tropeminer/judge/internal/llm"
	"github.com/tropeminer/judge/internal/logging"
	"github.com/tropeminer/judge/internal/orchestrator"
	"github.com/tropeminer/judge/internal/store"
	"github.com/tropeminer/judge/internal/textindex"
	"github.com/tropeminer/judge/internal/vectorstore"
)

const subsystem = "main"

func main() {
	dbPath := flag.String("db", "trope-miner.db", "path to the judging pipeline's SQLite database")
	catalogPath := flag.String("catalog", "", "optional YAML trope catalog to upsert before running")
	workID := flag.String("work", "", "work id to judge (required)")
	embedURL := flag.String("embed-url", "http://localhost:11434", "embedding service base URL")
	llmURL := flag.String("llm-url", "http://localhost:11434", "LLM service base URL")
	embedRPM := flag.Int("embed-rpm", 300, "embedding requests per minute (0 disables limiting)")
	llmRPM := flag.Int("llm-rpm", 60, "LLM requests per minute (0 disables limiting)")
	flag.Parse()

	if *workID == "" {
		log.Fatal("[main] -work is required")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Warn(subsystem, "config: %v", err)
		os.Exit(2)
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		logging.Warn(subsystem, "open database: %v", err)
		os.Exit(4)
	}
	defer db.Close()

	if *catalogPath != "" {
		tropes, err := catalog.LoadFile(*catalogPath)
		if err != nil {
			logging.Warn(subsystem, "load catalog: %v", err)
			os.Exit(2)
		}
		if err := catalog.Upsert(context.Background(), db.Conn(), tropes); err != nil {
			logging.Warn(subsystem, "upsert catalog: %v", err)
			os.Exit(4)
		}
		logging.Info(subsystem, "upserted %d tropes from %s", len(tropes), *catalogPath)
	}

	tropes, err := catalog.LoadAll(context.Background(), db.Conn())
	if err != nil {
		logging.Warn(subsystem, "load catalog from db: %v", err)
		os.Exit(4)
	}
	byID := make(map[string]catalog.Trope, len(tropes))
	for _, t := range tropes {
		byID[t.ID] = t
	}

	deps := &orchestrator.Deps{
		Store:    db,
		Index:    textindex.New(db.Conn()),
		VecStore: vectorstore.New(db.Conn(), cfg.PerWorkCollections),
		Embedder: embedding.NewClient(*embedURL, *embedRPM),
		LLM:      llm.NewClient(*llmURL, *llmRPM),
		Cfg:      cfg,
		Tropes:   tropes,
		ByID:     byID,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info(subsystem, "judging work %s (emb_model=%s reasoner_model=%s)", *workID, cfg.EmbModel, cfg.ReasonerModel)
	code := orchestrator.RunWork(ctx, deps, *workID)
	if code != 0 {
		logging.Warn(subsystem, "run exited with code %d", code)
	}
	os.Exit(code)
}
