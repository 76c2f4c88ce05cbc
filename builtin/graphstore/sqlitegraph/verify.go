package sqlitegraph

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// check is one persisted invariant. query returns a single count of
// violating rows.
type check struct {
	reason string
	query  string
	args   []any
}

func checks() []check {
	return []check{
		{
			reason: "edge source is not a stored symbol",
			query:  `SELECT COUNT(*) FROM edges WHERE source_id NOT IN (SELECT id FROM symbols)`,
		},
		{
			reason: "resolved edge points at a missing symbol",
			query: `SELECT COUNT(*) FROM edges WHERE target_state = ?
				AND (target_id IS NULL OR target_id NOT IN (SELECT id FROM symbols))`,
			args: []any{string(types.TargetResolved)},
		},
		{
			reason: "unresolved or ambiguous edge carries a target id",
			query:  `SELECT COUNT(*) FROM edges WHERE target_state != ? AND target_id IS NOT NULL`,
			args:   []any{string(types.TargetResolved)},
		},
		{
			reason: "unknown edge target state",
			query:  `SELECT COUNT(*) FROM edges WHERE target_state NOT IN ` + inList(len(stateValues())),
			args:   stateValues(),
		},
		{
			reason: "unknown edge kind",
			query:  `SELECT COUNT(*) FROM edges WHERE kind NOT IN ` + inList(len(types.RefKinds)),
			args:   refKindValues(),
		},
		{
			reason: "unknown symbol kind",
			query:  `SELECT COUNT(*) FROM symbols WHERE kind NOT IN ` + inList(len(types.SymbolKinds)),
			args:   symbolKindValues(),
		},
		{
			reason: "symbol belongs to no stored unit",
			query:  `SELECT COUNT(*) FROM symbols WHERE file_path NOT IN (SELECT rel_path FROM units)`,
		},
	}
}

func inList(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}

func stateValues() []any {
	return []any{string(types.TargetResolved), string(types.TargetAmbiguous), string(types.TargetUnresolved)}
}

func refKindValues() []any {
	out := make([]any, len(types.RefKinds))
	for i, k := range types.RefKinds {
		out[i] = string(k)
	}
	return out
}

func symbolKindValues() []any {
	out := make([]any, len(types.SymbolKinds))
	for i, k := range types.SymbolKinds {
		out[i] = string(k)
	}
	return out
}

// Verify checks persisted invariants. The first violation is recorded as a
// CorruptionError, persisted so it survives a restart, and returned by
// every later read or write until Reset.
func (s *Store) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason, err := s.findViolation()
	if err != nil {
		return err
	}
	if reason == "" {
		s.corrupt = nil
		return nil
	}

	s.corrupt = &types.CorruptionError{Path: s.path, Reason: reason}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('corrupt', ?)`, reason); err != nil {
		return errors.Join(s.corrupt, fmt.Errorf("failed to persist corruption mark: %w", err))
	}
	return s.corrupt
}

// findViolation returns the first broken invariant, or "" when the store is
// consistent. Errors are reserved for failures to query at all.
func (s *Store) findViolation() (string, error) {
	var mark string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'corrupt'`).Scan(&mark)
	switch {
	case err == nil:
		return mark, nil
	case !errors.Is(err, sql.ErrNoRows):
		// A meta table that cannot be read is itself a broken store.
		return fmt.Sprintf("meta unreadable: %v", err), nil
	}

	var version string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		return "schema version missing", nil
	}
	if v, err := strconv.Atoi(version); err != nil || v != SchemaVersion {
		return fmt.Sprintf("schema version %s, want %d", version, SchemaVersion), nil
	}

	var integrity string
	if err := s.db.QueryRow(`PRAGMA quick_check`).Scan(&integrity); err != nil {
		return "", fmt.Errorf("integrity check failed: %w", err)
	}
	if integrity != "ok" {
		return "integrity check: " + integrity, nil
	}

	for _, c := range checks() {
		var n int
		if err := s.db.QueryRow(c.query, c.args...).Scan(&n); err != nil {
			return "", fmt.Errorf("verify %q: %w", c.reason, err)
		}
		if n > 0 {
			return fmt.Sprintf("%s (%d rows)", c.reason, n), nil
		}
	}
	return "", nil
}
