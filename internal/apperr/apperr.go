// Package apperr defines the error taxonomy shared across the judging
// pipeline so the orchestrator can branch on error kind without parsing
// strings (spec.md §7).
package apperr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Err...) at the call site
// and recover with errors.Is at the boundary that needs to branch.
var (
	// ErrConfig marks a configuration error: fatal at startup, exit code 2.
	ErrConfig = errors.New("configuration error")

	// ErrExternalUnavailable marks a retryable failure of an external
	// collaborator (embed, vector store, LLM). No call is retried: the
	// failure becomes a per-scene skip, or a fatal exit code 3 if it
	// occurs outside a per-scene context (e.g. C4/C5 seeding).
	ErrExternalUnavailable = errors.New("external service unavailable")

	// ErrMalformedJSON marks LLM output that failed strict parsing.
	// The enclosing scene is skipped in full; never partial findings.
	ErrMalformedJSON = errors.New("malformed model output")

	// ErrBadSpan marks span arithmetic that violates the scene/work
	// bounds invariant. The specific finding is rejected; the run
	// continues.
	ErrBadSpan = errors.New("span outside owning scene")

	// ErrDataIntegrity marks a violation of the chunk/text invariant
	// (chunk.text != norm_text[slice], or hash mismatch). Fatal: refuse
	// to write findings for the affected work.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrDB marks a database error other than a benign unique-constraint
	// dedup (which is swallowed, not surfaced as an error at all).
	ErrDB = errors.New("database error")
)

// ExitCode maps a pipeline error to the orchestrator's process exit code,
// per spec.md §6: 0 success, 2 configuration error, 3 external service
// unavailable, 4 database error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return 2
	case errors.Is(err, ErrExternalUnavailable):
		return 3
	case errors.Is(err, ErrDB), errors.Is(err, ErrDataIntegrity):
		return 4
	default:
		return 1
	}
}
