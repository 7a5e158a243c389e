// Package catalog loads the trope catalog from YAML, the same
// yaml.v3-struct-tag idiom internal/reflex/engine.go and
// internal/reflex/types.go use for reflex definitions, and upserts it
// into the trope table.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Trope is one catalog entry, loadable from YAML or the trope table.
type Trope struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	Summary      string   `yaml:"summary" json:"summary"`
	Aliases      []string `yaml:"aliases" json:"aliases"`
	AntiAliases  []string `yaml:"anti_aliases" json:"anti_aliases"`
	SourceURL    string   `yaml:"source_url,omitempty" json:"source_url,omitempty"`
	Group        string   `yaml:"group,omitempty" json:"group,omitempty"`
}

type catalogFile struct {
	Tropes []Trope `yaml:"tropes"`
}

// LoadFile parses a YAML catalog file into a deterministic (sorted by
// id) slice of Trope.
func LoadFile(path string) ([]Trope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	sort.Slice(cf.Tropes, func(i, j int) bool { return cf.Tropes[i].ID < cf.Tropes[j].ID })
	return cf.Tropes, nil
}

// Upsert writes each trope into the trope table, keyed by its unique
// name, inside the caller's transaction or *sql.DB.
func Upsert(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, tropes []Trope) error {
	for _, t := range tropes {
		aliasesJSON, err := json.Marshal(t.Aliases)
		if err != nil {
			return fmt.Errorf("marshal aliases for %s: %w", t.Name, err)
		}
		antiJSON, err := json.Marshal(t.AntiAliases)
		if err != nil {
			return fmt.Errorf("marshal anti_aliases for %s: %w", t.Name, err)
		}
		_, err = exec.ExecContext(ctx, `
			INSERT INTO trope (id, name, summary, aliases_json, anti_aliases_json, source_url, "group")
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				summary = excluded.summary,
				aliases_json = excluded.aliases_json,
				anti_aliases_json = excluded.anti_aliases_json,
				source_url = excluded.source_url,
				"group" = excluded."group"
		`, t.ID, t.Name, t.Summary, string(aliasesJSON), string(antiJSON), t.SourceURL, t.Group)
		if err != nil {
			return fmt.Errorf("upsert trope %s: %w", t.Name, err)
		}
	}
	return nil
}

// LoadAll reads every trope currently in the database, ordered by id,
// for components that operate on the DB-resident catalog rather than
// the source YAML.
func LoadAll(ctx context.Context, db *sql.DB) ([]Trope, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, summary, aliases_json, anti_aliases_json, COALESCE(source_url, ''), COALESCE("group", '')
		FROM trope ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tropes: %w", err)
	}
	defer rows.Close()

	var out []Trope
	for rows.Next() {
		var t Trope
		var aliasesJSON, antiJSON string
		if err := rows.Scan(&t.ID, &t.Name, &t.Summary, &aliasesJSON, &antiJSON, &t.SourceURL, &t.Group); err != nil {
			return nil, fmt.Errorf("scan trope: %w", err)
		}
		if err := json.Unmarshal([]byte(aliasesJSON), &t.Aliases); err != nil {
			return nil, fmt.Errorf("unmarshal aliases for %s: %w", t.Name, err)
		}
		if err := json.Unmarshal([]byte(antiJSON), &t.AntiAliases); err != nil {
			return nil, fmt.Errorf("unmarshal anti_aliases for %s: %w", t.Name, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SHA256 stamps the catalog for run reproducibility (spec.md §4.11):
// canonical JSON (sorted by id, which LoadFile/LoadAll already give)
// hashed with SHA256.
func SHA256(tropes []Trope) (string, error) {
	data, err := json.Marshal(tropes)
	if err != nil {
		return "", fmt.Errorf("marshal catalog for stamping: %w", err)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:]), nil
}
