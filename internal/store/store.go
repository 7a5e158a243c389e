// Package store owns the SQLite schema and the migration ladder,
// following graph.DB's schema-string + schema_version + runMigrations
// idiom (internal/graph/db.go).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tropeminer/judge/internal/apperr"
	"github.com/tropeminer/judge/internal/logging"
)

func init() {
	sqlite_vec.Auto()
}

// DB wraps the judging pipeline's SQLite connection.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath, enabling WAL and
// foreign keys exactly as graph.Open does, then runs migrations.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var vecVersion string
	if err := sqlDB.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Warn("store", "sqlite-vec not available: %v — vector queries fall back to scan", err)
	} else {
		logging.Info("store", "sqlite-vec %s loaded", vecVersion)
	}

	return d, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Conn exposes the underlying *sql.DB for packages (textindex,
// vectorstore) that need direct query access.
func (d *DB) Conn() *sql.DB { return d.db }

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS work (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT,
		norm_text TEXT NOT NULL,
		char_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scene (
		id TEXT PRIMARY KEY,
		work_id TEXT NOT NULL REFERENCES work(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		char_start INTEGER NOT NULL,
		char_end INTEGER NOT NULL,
		UNIQUE(work_id, idx)
	);
	CREATE INDEX IF NOT EXISTS idx_scene_work ON scene(work_id);

	CREATE TABLE IF NOT EXISTS chunk (
		id TEXT PRIMARY KEY,
		work_id TEXT NOT NULL REFERENCES work(id) ON DELETE CASCADE,
		scene_id TEXT NOT NULL REFERENCES scene(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		char_start INTEGER NOT NULL,
		char_end INTEGER NOT NULL,
		text TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		UNIQUE(work_id, sha256)
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_scene ON chunk(scene_id);
	CREATE INDEX IF NOT EXISTS idx_chunk_work ON chunk(work_id);

	CREATE TABLE IF NOT EXISTS trope (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		summary TEXT NOT NULL,
		aliases_json TEXT NOT NULL DEFAULT '[]',
		anti_aliases_json TEXT NOT NULL DEFAULT '[]',
		source_url TEXT,
		"group" TEXT
	);

	CREATE TABLE IF NOT EXISTS trope_candidate (
		id TEXT PRIMARY KEY,
		work_id TEXT NOT NULL REFERENCES work(id) ON DELETE CASCADE,
		scene_id TEXT NOT NULL REFERENCES scene(id) ON DELETE CASCADE,
		chunk_id TEXT REFERENCES chunk(id) ON DELETE SET NULL,
		trope_id TEXT NOT NULL REFERENCES trope(id) ON DELETE CASCADE,
		start INTEGER NOT NULL,
		end INTEGER NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('gazetteer','semantic')),
		score REAL NOT NULL,
		UNIQUE(work_id, trope_id, start, end)
	);
	CREATE INDEX IF NOT EXISTS idx_candidate_scene ON trope_candidate(scene_id);

	CREATE TABLE IF NOT EXISTS support_selection (
		scene_id TEXT NOT NULL REFERENCES scene(id) ON DELETE CASCADE,
		chunk_id TEXT NOT NULL REFERENCES chunk(id) ON DELETE CASCADE,
		rank INTEGER,
		stage1_score REAL NOT NULL,
		stage2_score REAL NOT NULL,
		picked INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scene_id, chunk_id)
	);

	CREATE TABLE IF NOT EXISTS trope_sanity (
		scene_id TEXT NOT NULL REFERENCES scene(id) ON DELETE CASCADE,
		trope_id TEXT NOT NULL REFERENCES trope(id) ON DELETE CASCADE,
		lex_ok INTEGER NOT NULL CHECK (lex_ok IN (0,1)),
		sem_sim REAL NOT NULL,
		weight REAL NOT NULL,
		PRIMARY KEY (scene_id, trope_id)
	);

	CREATE TABLE IF NOT EXISTS run (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		params_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trope_finding (
		id TEXT PRIMARY KEY,
		work_id TEXT NOT NULL REFERENCES work(id) ON DELETE CASCADE,
		scene_id TEXT NOT NULL REFERENCES scene(id) ON DELETE CASCADE,
		chunk_id TEXT REFERENCES chunk(id) ON DELETE SET NULL,
		trope_id TEXT NOT NULL REFERENCES trope(id) ON DELETE CASCADE,
		level TEXT NOT NULL CHECK (level IN ('span','scene','work')),
		confidence REAL NOT NULL,
		rationale TEXT NOT NULL,
		evidence_start INTEGER NOT NULL,
		evidence_end INTEGER NOT NULL,
		model TEXT NOT NULL,
		verifier_score REAL,
		verifier_flag TEXT,
		calibration_version TEXT,
		threshold_used REAL NOT NULL,
		run_id TEXT NOT NULL REFERENCES run(id),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(work_id, trope_id, evidence_start, evidence_end)
	);
	CREATE INDEX IF NOT EXISTS idx_finding_scene ON trope_finding(scene_id);
	CREATE INDEX IF NOT EXISTS idx_finding_run ON trope_finding(run_id);

	CREATE TABLE IF NOT EXISTS human_decision (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		finding_id TEXT NOT NULL REFERENCES trope_finding(id) ON DELETE CASCADE,
		decision TEXT NOT NULL CHECK (decision IN ('accept','reject','edit')),
		corrected_start INTEGER,
		corrected_end INTEGER,
		corrected_trope_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_human_decision_finding ON human_decision(finding_id);

	CREATE TABLE IF NOT EXISTS audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		work_id TEXT NOT NULL REFERENCES work(id) ON DELETE CASCADE,
		scene_id TEXT REFERENCES scene(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_work ON audit(work_id);

	CREATE VIEW IF NOT EXISTS v_latest_human AS
	SELECT hd.*
	FROM human_decision hd
	JOIN (
		SELECT finding_id, MAX(created_at) AS latest
		FROM human_decision
		GROUP BY finding_id
	) m ON hd.finding_id = m.finding_id AND hd.created_at = m.latest;

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	return d.runMigrations()
}

// runMigrations applies incremental schema changes past version 1,
// the same version-gated-block ladder as graph.DB.runMigrations.
func (d *DB) runMigrations() error {
	var version int
	if err := d.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if version < 2 {
		if _, err := d.db.Exec(`CREATE INDEX IF NOT EXISTS idx_finding_trope ON trope_finding(trope_id)`); err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		d.db.Exec("INSERT INTO schema_version (version) VALUES (2)")
	}

	return nil
}

// WithSceneTx runs fn inside a single transaction. The transaction
// commits only if fn returns nil. The orchestrator calls it once per
// write step (candidates per work; support rows, sanity rows and
// findings per scene), so a scene's rows span several transactions.
func (d *DB) WithSceneTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scene tx: %w", apperr.ErrDB)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scene tx: %w", apperr.ErrDB)
	}
	return nil
}

// InsertAudit records a single structured audit row, the grain spec.md
// §7 requires for every fatal per-scene or per-finding event.
func InsertAudit(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, workID string, sceneID *string, kind, message string) error {
	_, err := exec.ExecContext(ctx,
		`INSERT INTO audit (work_id, scene_id, kind, message) VALUES (?, ?, ?, ?)`,
		workID, sceneID, kind, message)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", apperr.ErrDB)
	}
	return nil
}
