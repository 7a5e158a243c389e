// Package orchestrator implements C12: the serial per-work driver
// wiring C11 (run row first) → C4 → C5 → (per scene: C6, C7, C8, then
// C9 and C10 per finding), fanning
// embedding warm-up and per-scene pipelines out over bounded worker
// pools. The bounded fan-out uses golang.org/x/sync/errgroup's
// SetLimit, the same cooperative-slot-acquire shape the pack's
// api_scheduler.go gives its request queue, generalized here to two
// independent pools (embed warm-up, per-scene judging) instead of one.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tropeminer/judge/internal/apperr"
	"github.com/tropeminer/judge/internal/catalog"
	"github.com/tropeminer/judge/internal/config"
	"github.com/tropeminer/judge/internal/embedding"
	"github.com/tropeminer/judge/internal/gazetteer"
	"github.com/tropeminer/judge/internal/judge"
	"github.com/tropeminer/judge/internal/llm"
	"github.com/tropeminer/judge/internal/logging"
	"github.com/tropeminer/judge/internal/negation"
	"github.com/tropeminer/judge/internal/runstamp"
	"github.com/tropeminer/judge/internal/sanity"
	"github.com/tropeminer/judge/internal/semantic"
	"github.com/tropeminer/judge/internal/store"
	"github.com/tropeminer/judge/internal/support"
	"github.com/tropeminer/judge/internal/textindex"
	"github.com/tropeminer/judge/internal/vectorstore"
	"github.com/tropeminer/judge/internal/verifier"
)

const subsystem = "orchestrator"

const (
	embedTimeout = 30 * time.Second
	vecTimeout   = 10 * time.Second
	llmTimeout   = 120 * time.Second
)

// Deps bundles every collaborator the orchestrator drives, built once
// by cmd/trope-miner at startup and reused across works.
type Deps struct {
	Store    *store.DB
	Index    *textindex.Index
	VecStore *vectorstore.Store
	Embedder *embedding.Client
	LLM      *llm.Client
	Cfg      *config.Config
	Tropes   []catalog.Trope
	ByID     map[string]catalog.Trope
}

// RunWork executes the full pipeline for one work and returns the
// process exit code spec.md §6 defines: 0 success, 2 config, 3
// external service unavailable, 4 database/data-integrity error.
func RunWork(ctx context.Context, d *Deps, workID string) int {
	if err := runWork(ctx, d, workID); err != nil {
		logging.Warn(subsystem, "run failed for work %s: %v", workID, err)
		return apperr.ExitCode(err)
	}
	return 0
}

func runWork(ctx context.Context, d *Deps, workID string) error {
	work, err := d.Index.Work(ctx, workID)
	if err != nil {
		return fmt.Errorf("load work: %w", apperr.ErrDB)
	}
	scenes, err := d.Index.Scenes(ctx, workID)
	if err != nil {
		return fmt.Errorf("load scenes: %w", apperr.ErrDB)
	}
	chunks, err := d.Index.ChunksByWork(ctx, workID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", apperr.ErrDB)
	}
	if err := verifyChunkIntegrity(work, chunks); err != nil {
		return err
	}

	catalogSHA, err := catalog.SHA256(d.Tropes)
	if err != nil {
		return fmt.Errorf("stamp catalog: %w", err)
	}
	runID, err := runstamp.New(ctx, d.Store.Conn(), runstamp.Params{
		WorkID:             workID,
		EmbModel:           d.Cfg.EmbModel,
		ReasonerModel:      d.Cfg.ReasonerModel,
		ChunkColl:          d.Cfg.ChunkColl,
		TropeColl:          d.Cfg.TropeColl,
		Threshold:          d.Cfg.Threshold,
		RerankTopK:         d.Cfg.RerankTopK,
		RerankKeepM:        d.Cfg.RerankKeepM,
		TropeTopK:          d.Cfg.TropeTopK,
		SemTau:             d.Cfg.SemTau,
		SemTopN:            d.Cfg.SemTopN,
		SemPerSceneCap:     d.Cfg.SemPerSceneCap,
		NegationMode:       string(d.Cfg.NegationMode),
		PerWorkCollections: d.Cfg.PerWorkCollections,
		CalibrationVersion: d.Cfg.CalibrationVersion,
		TropeCatalogSHA:    catalogSHA,
	})
	if err != nil {
		return fmt.Errorf("stamp run: %w", err)
	}

	chunkByID := make(map[string]*textindex.Chunk, len(chunks))
	chunkIdx := make(map[string]int, len(chunks))
	for i, c := range chunks {
		chunkByID[c.ID] = c
		chunkIdx[c.ID] = i
	}

	matchers := gazetteer.Build(d.Tropes)

	// C4: gazetteer seeding. Fatal on failure — spec.md §4.12 treats a
	// missing candidate source for the whole work as unrecoverable.
	gazCands := seedGazetteer(matchers, chunks, d.Cfg.AntiWindow)
	if err := persistGazetteerCandidates(ctx, d, workID, chunkByID, gazCands); err != nil {
		return err
	}

	// Index every chunk into the chunk collection before C5/C6 query it.
	if err := indexChunks(ctx, d, workID, chunks); err != nil {
		return fmt.Errorf("index chunks: %w", apperr.ErrExternalUnavailable)
	}

	// C5: semantic seeding, also fatal.
	semCands, err := semantic.Seed(ctx, d.Embedder, d.VecStore, d.Cfg.EmbModel, d.Tropes, workID,
		d.Cfg.SemTopN, d.Cfg.SemTau, d.Cfg.SemPerSceneCap,
		func(chunkID string) (string, int, int, bool) {
			c, ok := chunkByID[chunkID]
			if !ok {
				return "", 0, 0, false
			}
			return c.SceneID, c.CharStart, c.CharEnd, true
		},
		func(chunkID string) int { return chunkIdx[chunkID] },
	)
	if err != nil {
		return fmt.Errorf("semantic seeding: %w", apperr.ErrExternalUnavailable)
	}
	if err := persistSemanticCandidates(ctx, d, workID, semCands); err != nil {
		return err
	}

	// Bounded embedding warm-up (N_EMBED) so the per-scene pool below
	// mostly hits the embed cache instead of the network.
	warmEmbedCache(ctx, d, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Cfg.NScenes)
	for _, sc := range scenes {
		sc := sc
		g.Go(func() error {
			runScene(gctx, d, work, sc, chunkByID, runID)
			return nil // per-scene failures are audited, never abort the run
		})
	}
	return g.Wait()
}

// verifyChunkIntegrity enforces the invariant of spec.md §3/§7: a
// chunk's stored text must equal its norm_text slice, and its sha256
// must match that text.
func verifyChunkIntegrity(work *textindex.Work, chunks []*textindex.Chunk) error {
	for _, c := range chunks {
		if got := textindex.Slice(work, c.CharStart, c.CharEnd); got != c.Text {
			return fmt.Errorf("chunk %s text does not match norm_text slice: %w", c.ID, apperr.ErrDataIntegrity)
		}
		sum := fmt.Sprintf("%x", sha256.Sum256([]byte(c.Text)))
		if sum != c.SHA256 {
			return fmt.Errorf("chunk %s sha256 mismatch: %w", c.ID, apperr.ErrDataIntegrity)
		}
	}
	return nil
}

func indexChunks(ctx context.Context, d *Deps, workID string, chunks []*textindex.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Cfg.NEmbed)
	for _, c := range chunks {
		c := c
		g.Go(func() error {
			embedCtx, cancel := context.WithTimeout(gctx, embedTimeout)
			defer cancel()
			vec, err := d.Embedder.Embed(embedCtx, d.Cfg.EmbModel, c.Text)
			if err != nil {
				return fmt.Errorf("embed chunk %s: %w", c.ID, err)
			}
			vecCtx, cancel2 := context.WithTimeout(gctx, vecTimeout)
			defer cancel2()
			return d.VecStore.Upsert(vecCtx, d.Cfg.ChunkColl, c.ID, vec, workID, c.SceneID)
		})
	}
	return g.Wait()
}

func warmEmbedCache(ctx context.Context, d *Deps, chunks []*textindex.Chunk) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Cfg.NEmbed)
	for _, c := range chunks {
		c := c
		g.Go(func() error {
			embedCtx, cancel := context.WithTimeout(gctx, embedTimeout)
			defer cancel()
			_, _ = d.Embedder.Embed(embedCtx, d.Cfg.EmbModel, c.Text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.Warn(subsystem, "embed warmup incomplete: %v", err)
	}
}

func seedGazetteer(matchers []*gazetteer.Matcher, chunks []*textindex.Chunk, antiWindow int) []gazetteer.Candidate {
	var out []gazetteer.Candidate
	for _, c := range chunks {
		out = append(out, gazetteer.Scan(matchers, c.Text, c.CharStart, antiWindow)...)
	}
	return out
}

type resolvedGazCandidate struct {
	gazetteer.Candidate
	chunkID string
	sceneID string
}

func persistGazetteerCandidates(ctx context.Context, d *Deps, workID string, chunkByID map[string]*textindex.Chunk, cands []gazetteer.Candidate) error {
	resolved := make([]resolvedGazCandidate, 0, len(cands))
	for _, c := range cands {
		chunkID, sceneID, ok := locateChunk(chunkByID, c.Start, c.End)
		if !ok {
			continue
		}
		resolved = append(resolved, resolvedGazCandidate{Candidate: c, chunkID: chunkID, sceneID: sceneID})
	}

	return d.Store.WithSceneTx(ctx, func(tx *sql.Tx) error {
		for _, c := range resolved {
			id := fmt.Sprintf("%s:%s:%d:%d:gaz", workID, c.TropeID, c.Start, c.End)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO trope_candidate (id, work_id, scene_id, chunk_id, trope_id, start, end, source, score)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'gazetteer', ?)
				ON CONFLICT(work_id, trope_id, start, end) DO NOTHING
			`, id, workID, c.sceneID, c.chunkID, c.TropeID, c.Start, c.End, c.Score)
			if err != nil {
				return fmt.Errorf("insert gazetteer candidate: %w", apperr.ErrDB)
			}
		}
		return nil
	})
}

func persistSemanticCandidates(ctx context.Context, d *Deps, workID string, cands []semantic.Candidate) error {
	return d.Store.WithSceneTx(ctx, func(tx *sql.Tx) error {
		for _, c := range cands {
			id := fmt.Sprintf("%s:%s:%d:%d:sem", workID, c.TropeID, c.Start, c.End)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO trope_candidate (id, work_id, scene_id, chunk_id, trope_id, start, end, source, score)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'semantic', ?)
				ON CONFLICT(work_id, trope_id, start, end) DO NOTHING
			`, id, workID, c.SceneID, c.ChunkID, c.TropeID, c.Start, c.End, c.Score)
			if err != nil {
				return fmt.Errorf("insert semantic candidate: %w", apperr.ErrDB)
			}
		}
		return nil
	})
}

// persistSupportRows writes every C6 stage-1 candidate row (picked or
// not) into support_selection, per spec.md §4.6's "persist all k rows".
func persistSupportRows(ctx context.Context, d *Deps, sceneID string, rows []support.Row) error {
	return d.Store.WithSceneTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			var rank any
			if r.Picked {
				rank = r.Rank
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO support_selection (scene_id, chunk_id, rank, stage1_score, stage2_score, picked)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(scene_id, chunk_id) DO UPDATE SET
					rank = excluded.rank,
					stage1_score = excluded.stage1_score,
					stage2_score = excluded.stage2_score,
					picked = excluded.picked
			`, sceneID, r.ChunkID, rank, r.Stage1Score, r.Stage2Score, r.Picked)
			if err != nil {
				return fmt.Errorf("insert support_selection row: %w", apperr.ErrDB)
			}
		}
		return nil
	})
}

// persistSanityPriors writes every C7 (scene, trope) prior into
// trope_sanity, per spec.md §4.7.
func persistSanityPriors(ctx context.Context, d *Deps, sceneID string, priors []sanity.Prior) error {
	return d.Store.WithSceneTx(ctx, func(tx *sql.Tx) error {
		for _, p := range priors {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO trope_sanity (scene_id, trope_id, lex_ok, sem_sim, weight)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(scene_id, trope_id) DO UPDATE SET
					lex_ok = excluded.lex_ok,
					sem_sim = excluded.sem_sim,
					weight = excluded.weight
			`, sceneID, p.TropeID, p.LexOK, p.SemSim, p.Weight)
			if err != nil {
				return fmt.Errorf("insert trope_sanity row: %w", apperr.ErrDB)
			}
		}
		return nil
	})
}

func locateChunk(chunkByID map[string]*textindex.Chunk, start, end int) (chunkID, sceneID string, ok bool) {
	for _, c := range chunkByID {
		if start >= c.CharStart && end <= c.CharEnd {
			return c.ID, c.SceneID, true
		}
	}
	return "", "", false
}

type spanResult struct {
	start, end    int
	verifierScore float64
	replaced      bool
}

type verifierOutcome struct {
	finding    judge.AdjustedFinding
	span       spanResult
	negOutcome negation.Outcome
}

// runScene drives C6 → C7 → C8 → C9 → C10 for one scene, then persists
// the accepted findings inside a single transaction (support and
// sanity rows are committed earlier, each in its own transaction). A
// C6, C7 or C8 failure is audited and the scene is skipped whole; a
// bad span or a C9 failure is audited for that finding only. No
// failure here aborts the rest of the run.
func runScene(ctx context.Context, d *Deps, work *textindex.Work, sc *textindex.Scene, chunkByID map[string]*textindex.Chunk, runID string) {
	conn := d.Store.Conn()
	sceneText := textindex.Slice(work, sc.CharStart, sc.CharEnd)

	candidateTropeIDs, err := candidatesForScene(ctx, conn, sc.ID)
	if err != nil {
		auditErr(ctx, conn, work.ID, sc.ID, "scene_load_error", err)
		return
	}
	if len(candidateTropeIDs) == 0 {
		return
	}

	chunkTextByID := func(chunkID string) string {
		if c, ok := chunkByID[chunkID]; ok {
			return c.Text
		}
		return ""
	}

	// C6: support selection.
	supportCtx, cancel := context.WithTimeout(ctx, vecTimeout+llmTimeout)
	rows, err := support.Select(supportCtx, d.Embedder, d.VecStore, d.LLM, d.Cfg.EmbModel, d.Cfg.ReasonerModel,
		sceneText, work.ID, d.Cfg.RerankTopK, d.Cfg.RerankKeepM, chunkTextByID)
	cancel()
	if err != nil {
		auditErr(ctx, conn, work.ID, sc.ID, "support_selection_error", err)
		return
	}
	if err := persistSupportRows(ctx, d, sc.ID, rows); err != nil {
		auditErr(ctx, conn, work.ID, sc.ID, "support_selection_error", err)
		return
	}

	var supportTexts []string
	var supportInputs []judge.SupportInput
	for _, r := range rows {
		if r.Picked {
			supportTexts = append(supportTexts, r.Text)
			supportInputs = append(supportInputs, judge.SupportInput{ChunkID: r.ChunkID, Text: r.Text})
		}
	}

	// C7: sanity priors.
	sanityCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	matchers := gazetteer.Build(d.Tropes)
	priors, err := sanity.Compute(sanityCtx, d.Embedder, d.Cfg.EmbModel, matchers, d.ByID, candidateTropeIDs,
		sceneText, supportTexts, d.Cfg.AntiWindow, d.Cfg.DownweightNoMention, d.Cfg.SemSimThreshold)
	cancel()
	if err != nil {
		auditErr(ctx, conn, work.ID, sc.ID, "sanity_error", err)
		return
	}
	if err := persistSanityPriors(ctx, d, sc.ID, priors); err != nil {
		auditErr(ctx, conn, work.ID, sc.ID, "sanity_error", err)
		return
	}

	scoreByTrope := bestScoreByTrope(ctx, conn, sc.ID)
	weights := make(map[string]float64, len(priors))
	candidateInputs := make([]judge.CandidateInput, 0, len(priors))
	for _, p := range priors {
		weights[p.TropeID] = p.Weight
		t, ok := d.ByID[p.TropeID]
		if !ok {
			continue
		}
		candidateInputs = append(candidateInputs, judge.CandidateInput{
			TropeID: p.TropeID, Name: t.Name, Summary: t.Summary,
			LexOK: p.LexOK, SemSim: p.SemSim, Weight: p.Weight, Score: scoreByTrope[p.TropeID],
		})
	}

	// C8: judge.
	prompt := judge.BuildPrompt(sc.CharStart, sc.CharEnd, sceneText, supportInputs, candidateInputs, d.Cfg.TropeTopK)
	judgeCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	raw, err := judge.Judge(judgeCtx, d.LLM, d.Cfg.ReasonerModel, prompt)
	cancel()
	if err != nil {
		auditErr(ctx, conn, work.ID, sc.ID, "judge_parse_error", err)
		return
	}
	adjusted := judge.Adjust(raw, weights)
	normText := []rune(work.NormText)

	var results []verifierOutcome
	for _, f := range adjusted {
		if !judge.Accept(f, d.Cfg.Threshold) {
			continue
		}
		t, ok := d.ByID[f.TropeID]
		if !ok {
			continue
		}

		// The judge prompt requires absolute offsets already (spec.md
		// §4.8); a span outside the owning scene is rejected whole, per
		// §7's bad_span rule — no finding row is written for it.
		absStart, absEnd := f.EvidenceStart, f.EvidenceEnd
		if absStart < sc.CharStart || absEnd > sc.CharEnd || absEnd < absStart {
			auditErr(ctx, conn, work.ID, sc.ID, "bad_span",
				fmt.Errorf("evidence [%d,%d) outside scene [%d,%d): %w", absStart, absEnd, sc.CharStart, sc.CharEnd, apperr.ErrBadSpan))
			continue
		}

		span := spanResult{start: absStart, end: absEnd}
		verifyCtx, vcancel := context.WithTimeout(ctx, embedTimeout)
		vr, verr := verifier.Verify(verifyCtx, d.Embedder, d.Cfg.EmbModel, normText, sc.CharStart, sc.CharEnd,
			absStart, absEnd, t.Name+". "+t.Summary, sceneText, d.Cfg.SpanVerifierThresh, d.Cfg.SpanVerifierMaxSent)
		vcancel()
		if verr != nil {
			// C9 failure leaves the finding span as-is, per spec.md
			// §4.12's per-finding failure policy.
			auditErr(ctx, conn, work.ID, sc.ID, "verifier_error", verr)
		} else {
			span = spanResult{start: vr.Start, end: vr.End, verifierScore: vr.VerifierScore, replaced: vr.Replaced}
		}

		kinds := negation.ScanAll(normText, span.start, t.AntiAliases)
		outcome := negation.Apply(d.Cfg.NegationMode, kinds, f.AdjustedConfidence,
			d.Cfg.NegDownweight, d.Cfg.MetaDownweight, d.Cfg.AADownweight)
		if outcome.Deleted {
			continue
		}

		results = append(results, verifierOutcome{finding: f, span: span, negOutcome: outcome})
	}

	if err := persistFindings(ctx, d, work.ID, sc.ID, runID, results); err != nil {
		auditErr(ctx, conn, work.ID, sc.ID, "finding_persist_error", err)
	}
}

func candidatesForScene(ctx context.Context, conn *sql.DB, sceneID string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT DISTINCT trope_id FROM trope_candidate WHERE scene_id = ?`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("query scene candidates: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, rows.Err()
}

func bestScoreByTrope(ctx context.Context, conn *sql.DB, sceneID string) map[string]float64 {
	out := map[string]float64{}
	rows, err := conn.QueryContext(ctx, `SELECT trope_id, MAX(score) FROM trope_candidate WHERE scene_id = ? GROUP BY trope_id`, sceneID)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var score float64
		if rows.Scan(&id, &score) == nil {
			out[id] = score
		}
	}
	return out
}

func persistFindings(ctx context.Context, d *Deps, workID, sceneID, runID string, results []verifierOutcome) error {
	if len(results) == 0 {
		return nil
	}
	return d.Store.WithSceneTx(ctx, func(tx *sql.Tx) error {
		for _, r := range results {
			id := runstamp.ShortID(fmt.Sprintf("%s:%s:%d:%d:%s", workID, r.finding.TropeID, r.span.start, r.span.end, runID))
			var verifierFlag any
			if r.negOutcome.Flagged {
				verifierFlag = string(r.negOutcome.Kind)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO trope_finding (
					id, work_id, scene_id, trope_id, level, confidence, rationale,
					evidence_start, evidence_end, model, verifier_score, verifier_flag,
					calibration_version, threshold_used, run_id
				) VALUES (?, ?, ?, ?, 'span', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(work_id, trope_id, evidence_start, evidence_end) DO NOTHING
			`, id, workID, sceneID, r.finding.TropeID, r.negOutcome.Confidence, r.finding.Rationale,
				r.span.start, r.span.end, d.Cfg.ReasonerModel, r.span.verifierScore, verifierFlag,
				d.Cfg.CalibrationVersion, d.Cfg.Threshold, runID)
			if err != nil {
				return fmt.Errorf("insert finding: %w", apperr.ErrDB)
			}
		}
		return nil
	})
}

func auditErr(ctx context.Context, conn *sql.DB, workID, sceneID, kind string, err error) {
	sid := sceneID
	_ = store.InsertAudit(ctx, conn, workID, &sid, kind, err.Error())
}
